package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mndot/mere/internal/version"
	"github.com/mndot/mere/pkg/application"
	"github.com/mndot/mere/pkg/config"
	"github.com/mndot/mere/pkg/logging"
)

// NewRootCommand creates the root command for mere
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mere <destination> <path>...",
		Short: "Mirror local files to a remote host over SSH",
		Long: `mere watches local files and directories and mirrors every change to the
same absolute paths on a remote host over SFTP.

The remote user is the local user. Authentication tries /home/<user>/.ssh/id_rsa
first and falls back to the ssh agent. Destination and paths may also be set in
~/.mere/config.yaml.

Examples:
  mere backup.lan ~/notes ~/projects/site
  mere backup.lan:2222 /etc/nginx --watch=false
  mere "[fe80::1]" ~/docs --exclude '*.log' --watcher poll`,
		Args:          cobra.ArbitraryArgs,
		Version:       version.Detailed(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := mirrorOverrides(cmd, args)
			if err != nil {
				return err
			}
			return runMirror(cmd, o)
		},
	}

	// Global flags
	cmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default ~/.mere/config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("known-hosts", "", "known_hosts file used to verify the host key (default ~/.ssh/known_hosts)")

	cmd.Flags().Bool("watch", true, "Keep mirroring changes after the initial pass")
	cmd.Flags().String("watcher", "", "Change notification backend: fsnotify, notify, poll")
	cmd.Flags().Duration("poll-interval", 0, "Scan interval of the poll watcher (default 1s)")
	cmd.Flags().StringSlice("exclude", nil, "Gitignore-style pattern to skip (repeatable)")
	cmd.Flags().Bool("use-gitignore", false, "Also skip paths ignored by a .gitignore in each root")

	// Add subcommands
	cmd.AddCommand(NewCheckCommand())
	cmd.AddCommand(NewDiffCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mere version %s\n", version.Detailed())
		},
	}
}

// mirrorOverrides collects the positional arguments and flags that were
// explicitly given
func mirrorOverrides(cmd *cobra.Command, args []string) (config.Overrides, error) {
	var o config.Overrides
	if len(args) > 0 {
		o.Destination = args[0]
		o.Paths = args[1:]
	}

	flags := cmd.Flags()
	if flags.Changed("watch") {
		watch, err := flags.GetBool("watch")
		if err != nil {
			return o, err
		}
		o.Watch = &watch
	}
	if flags.Changed("use-gitignore") {
		useGitignore, err := flags.GetBool("use-gitignore")
		if err != nil {
			return o, err
		}
		o.UseGitignore = &useGitignore
	}

	var err error
	if o.Watcher, err = flags.GetString("watcher"); err != nil {
		return o, err
	}
	if o.PollInterval, err = flags.GetDuration("poll-interval"); err != nil {
		return o, err
	}
	if o.Exclude, err = flags.GetStringSlice("exclude"); err != nil {
		return o, err
	}
	return o, nil
}

// resolveConfig loads the config file and MERE_* variables, applies CLI
// overrides and sets up logging
func resolveConfig(cmd *cobra.Command, o config.Overrides) (*config.Resolved, error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	knownHosts, _ := cmd.Flags().GetString("known-hosts")

	store, err := config.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config store: %w", err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = store.LoadFrom(configPath)
	} else {
		cfg, err = store.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Environment sits between the config file and the flags
	envCfg, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	cfg.Merge(envCfg)

	o.LogLevel = config.CoalesceString(logLevel, o.LogLevel)
	o.KnownHosts = config.CoalesceString(knownHosts, o.KnownHosts)

	resolved, err := config.Resolve(cfg, o)
	if err != nil {
		return nil, err
	}

	if err := logging.Setup(cmd.ErrOrStderr(), resolved.LogLevel); err != nil {
		return nil, err
	}
	return resolved, nil
}

func runMirror(cmd *cobra.Command, o config.Overrides) error {
	resolved, err := resolveConfig(cmd, o)
	if err != nil {
		return err
	}
	if len(resolved.Paths) == 0 {
		return fmt.Errorf("at least one path is required")
	}

	app, err := application.NewApp(resolved)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}
