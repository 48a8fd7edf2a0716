package cmd

import (
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")
			force, _ := cmd.Flags().GetBool("force")

			p := wizard.StdPrompter()
			p.In = cmd.InOrStdin()
			p.Out = cmd.OutOrStdout()
			w := wizard.New(p, force)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", defaultConfigPath, "output config file path")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively with fresh secrets")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}
