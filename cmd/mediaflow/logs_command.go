package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mediaflow/internal/api"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var taskID string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			query := api.LogQuery{Offset: -1, Limit: lines, TaskID: taskID}
			for {
				chunk, err := client.Logs(cmd.Context(), query)
				if err != nil {
					if follow && cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				for _, line := range chunk.Lines {
					fmt.Fprintln(out, line)
				}
				if !follow {
					return nil
				}
				query = api.LogQuery{Offset: chunk.Offset, Follow: true, TaskID: taskID}
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines as they are written")
	cmd.Flags().StringVar(&taskID, "task", "", "Only show lines logged for this task ID")
	return cmd
}
