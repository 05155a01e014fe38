package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mndot/mere/pkg/application"
	"github.com/mndot/mere/pkg/config"
	"github.com/mndot/mere/pkg/remote"
)

// NewDiffCommand creates a command that prints a directory's sync plan
func NewDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <destination> <dir>",
		Short: "Show what mirroring a directory would change on the remote host",
		Long: `Compare a local directory with its remote copy and print the files that
would be copied or deleted. Nothing is changed. Subdirectories are not
compared.

Examples:
  mere diff backup.lan ~/notes`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := config.CanonicalizePaths(args[1:])
			if err != nil {
				return err
			}
			dir := dirs[0]
			if info, err := os.Stat(dir); err != nil {
				return fmt.Errorf("failed to access %s: %w", dir, err)
			} else if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}

			resolved, err := resolveConfig(cmd, config.Overrides{Destination: args[0], Paths: dirs})
			if err != nil {
				return err
			}

			app, err := application.NewApp(resolved)
			if err != nil {
				return err
			}

			plan, err := app.Diff(cmd.Context(), dir)
			if err != nil {
				return err
			}

			printPlan(cmd, plan)
			return nil
		},
	}
}

func printPlan(cmd *cobra.Command, plan *remote.Plan) {
	out := cmd.OutOrStdout()
	if plan.IsEmpty() {
		fmt.Fprintf(out, "%s is up to date\n", plan.Dir)
		return
	}

	for _, p := range plan.Copy {
		fmt.Fprintf(out, "copy    %s\n", p)
	}
	for _, p := range plan.Delete {
		fmt.Fprintf(out, "delete  %s\n", p)
	}
	fmt.Fprintf(out, "\n%d to copy, %d to delete\n", len(plan.Copy), len(plan.Delete))
}
