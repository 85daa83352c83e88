package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfygen/graphapi"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "models [KIND...]",
		Short: "List models known to the server",
		Long: fmt.Sprintf(`List the models the server can load, grouped by kind.

Kinds: %s. With no arguments every kind is listed.
--wait retries while a freshly started server is still scanning its folders.`, kindList()),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cc, err := ctx.newClient()
			if err != nil {
				return err
			}

			var rows [][]string
			for _, kind := range kinds {
				var names []string
				if wait {
					names, err = cc.WaitForModels(cmd.Context(), kind, modelPolicy(cfg))
				} else {
					names, err = cc.ListModels(cmd.Context(), kind)
				}
				if err != nil {
					return fmt.Errorf("list %s: %w", kind, err)
				}
				for i, name := range names {
					rows = append(rows, []string{string(kind), strconv.Itoa(i + 1), name})
				}
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No models found")
				return nil
			}
			fmt.Fprintln(out, renderTable([]string{"Kind", "#", "Name"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}))
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the server to report at least one model of each kind")
	return cmd
}

func parseKinds(args []string) ([]graphapi.ModelKind, error) {
	if len(args) == 0 {
		return graphapi.ModelKinds, nil
	}
	kinds := make([]graphapi.ModelKind, 0, len(args))
	for _, arg := range args {
		kind, ok := lookupKind(arg)
		if !ok {
			return nil, fmt.Errorf("unknown model kind %q (want one of %s)", arg, kindList())
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func lookupKind(name string) (graphapi.ModelKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, kind := range graphapi.ModelKinds {
		if string(kind) == name {
			return kind, true
		}
	}
	return "", false
}

func kindList() string {
	names := make([]string, len(graphapi.ModelKinds))
	for i, kind := range graphapi.ModelKinds {
		names[i] = string(kind)
	}
	return strings.Join(names, ", ")
}
