package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/dsrflow/internal/config"
)

// NewConfigCommand creates the config command and its create subcommand.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config utils",
		Long:  `Config file utilities.`,
	}

	var dir string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create config",
		Long: `Write the effective settings (defaults, environment and flags) to
config.yml in the given directory. An existing file is never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.output(cmd)
			if dir == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to find home directory", err)
				}
				dir = filepath.Join(home, config.Dir)
			}
			path := filepath.Join(dir, "config.yml")
			if err := config.Write(rootOpts.Viper, path); err != nil {
				return WrapExitError(ExitCommandError, "failed to write config", err)
			}
			return out.Success("Wrote " + path)
		},
	}
	createCmd.Flags().StringVar(&dir, "dir", "", "Directory to write config (default ${HOME}/"+config.Dir+")")
	configCmd.AddCommand(createCmd)

	return configCmd
}
