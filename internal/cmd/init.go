package cmd

import (
	"github.com/spf13/cobra"

	"github.com/threadline-ai/threadline/internal/wizard"
	"github.com/threadline-ai/threadline/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")
			force, _ := cmd.Flags().GetBool("force")

			w := wizard.New(cli.DefaultPrompter())
			if defaults {
				return w.RunDefaults(output, force)
			}
			return w.Run(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./threadline.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively with secure random secrets")
	cmd.Flags().Bool("force", false, "overwrite the output file if it already exists")
	return cmd
}
