// Command chatsync runs the chat server and offers a terminal client for it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Real-time chat server and client",
		Long: `chatsync serves the chat REST API and realtime gateway, and ships a
terminal client that keeps an offline cache of recent conversations.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringP("config", "c", "", "config file path")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newClientCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
