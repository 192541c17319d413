package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "confman",
		Short: "confman - configuration synchronization engine",
		Long: `confman keeps a configuration store in sync with configuration sources.

Sources are directories of services/<pid>.<format> and
factories/<factoryPid>-<instance>.<format> files, read locally or over SFTP.
Each change is resolved through the adapter chain (yaml, json, cue, starlark,
wasm), checked against admission policies and applied to the store in order.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (yaml, json or cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newListCommand(version))
	rootCmd.AddCommand(newGetCommand(version))
	rootCmd.AddCommand(newUpdateCommand(version))
	rootCmd.AddCommand(newDeleteCommand(version))
	rootCmd.AddCommand(newAuditCommand(version))
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
