package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mndot/mere/pkg/application"
	"github.com/mndot/mere/pkg/config"
)

// NewCheckCommand creates a command that connects and authenticates once
func NewCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <destination>",
		Short: "Verify that the destination is reachable and accepts our credentials",
		Long: `Connect to the destination, authenticate and report which strategy
succeeded, then disconnect.

Examples:
  mere check backup.lan
  mere check backup.lan:2222 --log-level debug`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveConfig(cmd, config.Overrides{Destination: args[0]})
			if err != nil {
				return err
			}

			app, err := application.NewApp(resolved)
			if err != nil {
				return err
			}

			method, err := app.Check(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ authenticated as %s@%s using %s\n",
				resolved.User, resolved.Destination, method)
			return nil
		},
	}
}
