package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "imagebatchctl",
	Short: "imagebatchctl submits product image tables and tracks their jobs",
	Long: `imagebatchctl is the command-line client for imagebatchd.

A table is a CSV (or XLSX) with the columns "S. No.", "Product Name" and
"Input Image Urls". Every image is fetched, recompressed and stored; the
finished job exposes an output table with an extra "Output Image Urls" column.

Common workflows:

  Submit a table and get a request id:
    imagebatchctl submit products.csv --webhook https://example.com/hook

  Check progress:
    imagebatchctl status <request-id>

  Fetch the output table:
    imagebatchctl download <request-id> -o output.csv

  List recent jobs:
    imagebatchctl jobs --status completed

Configuration:
  Flags can also be set in $HOME/.imagebatchctl.yaml or the environment:
    IMAGEBATCH_URL        HTTP endpoint (default: http://localhost:3000)
    IMAGEBATCH_GRPC_ADDR  gRPC endpoint; when set, read commands use gRPC`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".imagebatchctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("IMAGEBATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.imagebatchctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:3000", "imagebatchd HTTP URL")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("grpc-addr", "", "imagebatchd gRPC address (host:port)")
	_ = viper.BindPFlag("grpc_addr", rootCmd.PersistentFlags().Lookup("grpc-addr"))

	rootCmd.PersistentFlags().Duration("timeout", defaultTimeout, "request timeout")
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}
