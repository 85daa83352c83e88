package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/richinsley/comfygen/journal"
)

func newJournalCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "journal [PROMPT_ID]",
		Short: "Show recently finished generations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !cfg.Journal.Enabled {
				fmt.Fprintln(out, "Journal is disabled (journal.enabled = false)")
				return nil
			}

			store, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				entry, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				printEntry(cmd, entry)
				return nil
			}

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No generations recorded yet")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				result := e.Reason
				if e.Outcome == "success" {
					result = e.Image.Filename
				}
				rows = append(rows, []string{
					e.FinishedAt.Local().Format("2006-01-02 15:04:05"),
					e.PromptID,
					e.Workflow,
					e.Outcome,
					e.Duration().Round(time.Second).String(),
					result,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Finished", "Prompt", "Workflow", "Outcome", "Took", "Result"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show (0 for all)")
	return cmd
}

func printEntry(cmd *cobra.Command, e journal.Entry) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Prompt:   %s\n", e.PromptID)
	fmt.Fprintf(out, "Server:   %s\n", e.ServerURL)
	fmt.Fprintf(out, "Workflow: %s\n", e.Workflow)
	fmt.Fprintf(out, "Outcome:  %s\n", e.Outcome)
	if e.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", e.Reason)
	}
	if !e.Image.IsZero() {
		fmt.Fprintf(out, "Image:    %s (%s)\n", e.Image.Filename, e.Image.Type)
	}
	if e.LocalPath != "" {
		fmt.Fprintf(out, "Saved to: %s\n", e.LocalPath)
	}
	fmt.Fprintf(out, "Started:  %s\n", e.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Took:     %s\n", e.Duration().Round(time.Millisecond))
}
