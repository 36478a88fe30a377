package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		status, _ := flags.GetString("status")
		limit, _ := flags.GetInt("limit")

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
		defer cancel()
		jobs, err := client.ListJobs(ctx, status, limit)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST ID\tSTATUS\tPROGRESS\tUPDATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", j.RequestID, j.Status, j.Progress, formatTime(j.UpdatedAt))
		}
		return w.Flush()
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items [request_id]",
	Short: "List the items of a job with their output links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
		defer cancel()
		items, err := client.Items(ctx, args[0])
		if err != nil {
			return fmt.Errorf("items failed: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tS. NO.\tPRODUCT\tSTATUS\tOUTPUTS")
		for _, it := range items {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", it.Ordinal, it.SerialNumber, it.ProductName, it.Status,
				strings.Join(it.OutputURLs, ","))
		}
		return w.Flush()
	},
}

func init() {
	flags := jobsCmd.Flags()
	flags.StringP("status", "s", "", "filter by status (pending, processing, completed, failed)")
	flags.IntP("limit", "l", 20, "maximum jobs to list")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(itemsCmd)
}
