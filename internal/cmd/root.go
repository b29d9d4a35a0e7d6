// Package cmd defines the threadline command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for threadline.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "threadline",
		Short: "threadline — WebSocket chat broker for a single AI worker",
		Long: "threadline brokers chat clients and one backend AI worker over WebSocket:\n" +
			"it authenticates connections, persists conversation threads, and correlates\n" +
			"asynchronous AI responses back to the users that asked.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format override (text, json)")

	return root
}
