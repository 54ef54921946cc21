// Package cli builds the coordd command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/coordstore"
	storefactory "github.com/nimburion/coordination/pkg/coordstore/factory"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/scheduler"
	"github.com/nimburion/coordination/pkg/server"
	"github.com/nimburion/coordination/pkg/version"
)

// StoreFactory builds the coordination store from configuration.
type StoreFactory func(cfg config.StoreConfig, log logger.Logger) (coordstore.Store, error)

// Options customizes the command tree for services embedding coordd.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// StoreFactory overrides the backend factory.
	StoreFactory StoreFactory
	// ConfigureScheduler registers additional lease-guarded tasks.
	ConfigureScheduler func(deps *Dependencies, runtime *scheduler.Runtime) error
	// RegisterRoutes adds routes to the public server before it starts.
	RegisterRoutes func(deps *Dependencies, public *server.PublicAPIServer)
	// ValidateConfig runs after built-in validation.
	ValidateConfig func(cfg *config.Config) error

	// CustomCommands are added to the root command.
	CustomCommands []*cobra.Command
}

// NewRootCommand creates the coordd CLI with serve, lease, nonce, config
// and version subcommands. Running the root command serves.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "coordd"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "COORD"
	}
	if opts.StoreFactory == nil {
		opts.StoreFactory = storefactory.NewStore
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.String("store-backend", "", "coordination store backend (redis, postgres, dynamodb, memory)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")

	app := &app{opts: opts, cfgPath: &cfgPath}

	rootCmd.AddCommand(
		newServeCommand(app),
		newLeaseCommand(app),
		newNonceCommand(app),
		newConfigCommand(app),
		newVersionCommand(opts.Name),
	)
	rootCmd.AddCommand(opts.CustomCommands...)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return app.serve(cmd)
	}
	return rootCmd
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type app struct {
	opts    Options
	cfgPath *string
}

func (a *app) loader(flags *pflag.FlagSet) *config.ViperLoader {
	return config.NewViperLoader(*a.cfgPath, a.opts.EnvPrefix).WithFlags(flags)
}

// loadConfigAndLogger loads configuration and builds the zap logger it
// describes. Logs go to stderr so command output stays parseable.
func (a *app) loadConfigAndLogger(flags *pflag.FlagSet, logOut io.Writer) (*config.Config, logger.Logger, error) {
	cfg, err := a.loader(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if a.opts.ValidateConfig != nil {
		if err := a.opts.ValidateConfig(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Output: logOut,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, log.With("service", cfg.Service.Name), nil
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
}
