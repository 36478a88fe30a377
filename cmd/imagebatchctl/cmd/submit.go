package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/image-batch/constants"
)

var submitCmd = &cobra.Command{
	Use:   "submit [table.csv]",
	Short: "Upload a product table for processing",
	Long: `Upload a CSV or XLSX product table. The server answers with a request id
right away; the table is validated and processed in the background.

Example:
  imagebatchctl submit products.csv
  imagebatchctl submit products.csv --webhook https://example.com/hook --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		webhook, _ := flags.GetString("webhook")
		wait, _ := flags.GetBool("wait")
		interval, _ := flags.GetDuration("interval")

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
		id, err := client.Submit(ctx, args[0], webhook)
		cancel()
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Table submitted!\nRequest ID: %s\n", id)
		if !wait {
			return nil
		}
		return waitForJob(cmd, client, id, interval)
	},
}

// waitForJob polls until the job is terminal and prints its final status.
func waitForJob(cmd *cobra.Command, client JobClient, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := -1
	for {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
		st, err := client.Status(ctx, id)
		cancel()
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		if st.Progress != last {
			fmt.Fprintf(cmd.OutOrStdout(), "  %3d%% (%d/%d)\n", st.Progress, st.ProcessedItems, st.TotalItems)
			last = st.Progress
		}
		if constants.JobStatus(st.Status).Terminal() {
			printStatus(cmd, st)
			if st.Status == string(constants.JobStatusFailed) {
				return fmt.Errorf("job %s failed: %s", id, st.Error)
			}
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("webhook", "w", "", "URL notified when the job finishes (optional)")
	flags.Bool("wait", false, "poll until the job finishes")
	flags.Duration("interval", time.Second, "poll interval with --wait")

	rootCmd.AddCommand(submitCmd)
}
