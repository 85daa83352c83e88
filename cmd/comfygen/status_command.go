package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server system stats and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := ctx.newClient()
			if err != nil {
				return err
			}

			stats, err := cc.GetSystemStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("system stats: %w", err)
			}
			queue, err := cc.GetQueueExecutionInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue info: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server:  %s\n", cc.BaseURL())
			if stats.System.ComfyUIVersion != "" {
				fmt.Fprintf(out, "ComfyUI: %s\n", stats.System.ComfyUIVersion)
			}
			fmt.Fprintf(out, "OS:      %s\n", stats.System.OS)
			fmt.Fprintf(out, "Python:  %s\n", stats.System.PythonVersion)
			fmt.Fprintf(out, "Queue:   %d remaining\n", queue.ExecInfo.QueueRemaining)

			if len(stats.Devices) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(stats.Devices))
			for _, gpu := range stats.Devices {
				rows = append(rows, []string{
					strconv.Itoa(gpu.Index),
					gpu.Name,
					gpu.Type,
					formatBytes(gpu.VRAM_Free),
					formatBytes(gpu.VRAM_Total),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"#", "Device", "Type", "VRAM Free", "VRAM Total"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 4; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}
