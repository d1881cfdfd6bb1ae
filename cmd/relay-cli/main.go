// Package main provides relay-cli, the command-line tool for inspecting
// relay configs, managing model metadata and reading the request log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/openai-relay/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay-cli",
		Short: "Command line tool for the OpenAI relay",
		Long: `relay-cli validates relay configuration files, prints the aggregated
model catalog, and edits the model metadata store.

Examples:
  relay-cli validate config.yaml
  relay-cli catalog -c config.yaml
  relay-cli model set local.llama3 -c config.yaml --base llama3 --read-group eng
  relay-cli model get local.llama3 -c config.yaml
  relay-cli requests list -c config.yaml --since 1h`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd())
	root.AddCommand(newCatalogCmd())
	root.AddCommand(newModelCmd())
	root.AddCommand(newRequestsCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay-cli %s\n", version.String())
		},
	})
	return root
}
