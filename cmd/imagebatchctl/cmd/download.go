package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [request_id]",
	Short: "Download the output table of a completed job",
	Long: `Download the output table of a completed job as CSV (default) or XLSX.

Example:
  imagebatchctl download <request-id> -o output.csv
  imagebatchctl download <request-id> --format xlsx -o output.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		format, _ := flags.GetString("format")
		output, _ := flags.GetString("output")

		if format != "csv" && format != "xlsx" {
			return fmt.Errorf("--format must be csv or xlsx, got %q", format)
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
		defer cancel()
		data, err := client.Download(ctx, args[0], format)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		if output == "" || output == "-" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Wrote %d bytes to %s\n", len(data), output)
		return nil
	},
}

func init() {
	flags := downloadCmd.Flags()
	flags.StringP("output", "o", "", "file to write (default stdout)")
	flags.StringP("format", "f", "csv", "output format: csv or xlsx")

	rootCmd.AddCommand(downloadCmd)
}
