package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/dsrflow/internal/config"
)

// RootOptions holds global flags and the configuration loaded before any
// subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	Viper  *viper.Viper
	Config config.Config
	Logger *slog.Logger

	// appOpts adjust the wired app; tests install fake collaborators.
	appOpts []appOption
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// flagKeys binds command-line flags to config keys. A flag is only bound
// where the running command defines it.
var flagKeys = map[string]string{
	"db":         "db",
	"log-format": "log.format",
	"listen":     "listen_addr",
	"workers":    "workers",
}

// NewRootCommand creates the root command for the dsrflow CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Viper: config.New()})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dsrflow",
		Short: "dsrflow - data-subject request orchestration",
		Long: `Crash-resilient orchestration of DELETE and DOWNLOAD data-subject requests.

Settings come from defaults, an optional config file, DSRFLOW_* environment
variables and flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./"+config.Dir+"/config.yml, then $HOME/"+config.Dir+"/config.yml)")
	cmd.PersistentFlags().String("db", "", "path to SQLite database")
	cmd.PersistentFlags().String("log-format", "", "log format (text|json)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewAbortCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDispatchCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewTerminateCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// load reads the config file, binds the flags of cmd and builds the logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if err := config.ReadFile(o.Viper, o.ConfigFile); err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := config.BindFlags(o.Viper, cmd.Flags(), flagKeys); err != nil {
		return WrapExitError(ExitCommandError, "failed to bind flags", err)
	}
	if o.Verbose {
		o.Viper.Set("log.level", "debug")
	}
	conf, err := config.Load(o.Viper)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	o.Config = conf
	o.Logger = conf.Log.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(o.Logger)
	return nil
}

// output returns a formatter writing to the command's stdout.
func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
