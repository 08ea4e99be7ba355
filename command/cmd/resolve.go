package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/childe/metacache"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "parse and resolve the bootstrap server list, printing the resolved endpoints",

	RunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, err := cmd.Flags().GetString("bootstrap")
		dnsLookupConfig, err := cmd.Flags().GetString("dns-lookup")
		format, err := cmd.Flags().GetString("format")

		dnsLookup, err := metacache.DNSLookupForConfig(dnsLookupConfig)
		if err != nil {
			return err
		}

		addresses, err := metacache.ParseAndValidateAddresses(strings.Split(bootstrap, ","), dnsLookup)
		if err != nil {
			return fmt.Errorf("failed to resolve bootstrap servers: %w", err)
		}

		switch format {
		case "json":
			s, err := json.MarshalIndent(addresses, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal addresses: %w", err)
			}
			fmt.Println(string(s))
		case "cat":
			for _, address := range addresses {
				fmt.Println(address)
			}
		}

		return nil
	},
}

func init() {
	resolveCmd.Flags().String("format", "json", "default is json, support json, cat")
}
