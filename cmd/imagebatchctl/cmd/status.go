package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/image-batch/constants"
	"github.com/joseph-ayodele/image-batch/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status [request_id]",
	Short: "Get status of a job",
	Long:  `Show the status (pending, processing, completed, failed), progress and output link of a job.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
		defer cancel()
		st, err := client.Status(ctx, args[0])
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		printStatus(cmd, st)
		return nil
	},
}

func printStatus(cmd *cobra.Command, st *core.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Job %s\n", statusIcon(st.Status), st.RequestID)
	fmt.Fprintln(out, "──────────────────────────────")
	fmt.Fprintf(out, "Status:    %s\n", st.Status)
	fmt.Fprintf(out, "Progress:  %d%% (%d/%d items)\n", st.Progress, st.ProcessedItems, st.TotalItems)
	fmt.Fprintf(out, "Created:   %s\n", formatTime(st.CreatedAt))
	fmt.Fprintf(out, "Updated:   %s\n", formatTime(st.UpdatedAt))
	if st.OutputCSVURL != "" {
		fmt.Fprintf(out, "Output:    %s\n", st.OutputCSVURL)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", st.Error)
	}
}

func statusIcon(status string) string {
	switch constants.JobStatus(status) {
	case constants.JobStatusCompleted:
		return "✓"
	case constants.JobStatusFailed:
		return "✗"
	case constants.JobStatusProcessing:
		return "⏳"
	case constants.JobStatusPending:
		return "◯"
	default:
		return "•"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("Mon, 02 Jan 2006 15:04:05 MST")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
