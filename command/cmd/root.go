package cmd

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "metacache",
	Short: "kafka metadata tool. you can use it to resolve bootstrap addresses and inspect cluster metadata",

	Run: func(cmd *cobra.Command, args []string) {
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("bootstrap", "b", "", "(required) bootstrap server list, seperated by comma")
	rootCmd.PersistentFlags().String("dns-lookup", "default", "default, use_all_dns_ips, or resolve_canonical_bootstrap_servers_only")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(apiCmd)

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	flag.Parse()
}
