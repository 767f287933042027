package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gce-vm-relay/internal/config"
	"github.com/JakeFAU/gce-vm-relay/internal/logging"
	"github.com/JakeFAU/gce-vm-relay/internal/relay"
	"github.com/JakeFAU/gce-vm-relay/internal/server"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs: the loaded config and a logger.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newController builds the compute controller. It's a variable so tests can
// substitute a fake.
var newController = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (server.ControllerCloser, error) {
	return server.NewController(ctx, cfg, logger)
}

// runApp builds and runs the HTTP relay. Replaced in tests.
var runApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "vm-relay",
		Short: "HTTP relay that starts and stops Compute Engine instances.",
		Long: `vm-relay exposes POST /vm/start and POST /vm/stop and forwards each
request as a single Compute Engine API call. The target instance comes from
the instance and zone query parameters, falling back to the INSTANCE and ZONE
environment variables; the project is always PROJECT_ID.

Running without a subcommand is the same as "vm-relay serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Config and logger are resolved once, before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config failed: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},

		RunE: runServeCommand,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); environment variables take precedence")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLifecycleCmd(relay.ActionStart))
	cmd.AddCommand(newLifecycleCmd(relay.ActionStop))

	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "vm-relay: %v\n", err)
		os.Exit(1)
	}
}
