package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

// newLifecycleCmd creates the one-shot 'start' or 'stop' subcommand. It
// resolves the target exactly like the HTTP relay does.
func newLifecycleCmd(action relay.Action) *cobra.Command {
	var instance, zone string

	cmd := &cobra.Command{
		Use:   string(action),
		Short: fmt.Sprintf("Submit a single %s request and print the result", action),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLifecycle(cmd, action, instance, zone)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance name (default INSTANCE)")
	cmd.Flags().StringVar(&zone, "zone", "", "zone (default ZONE)")
	return cmd
}

func runLifecycle(cmd *cobra.Command, action relay.Action, instance, zone string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}

	ref, err := relay.Resolve(e.cfg.Defaults(), instance, zone)
	if err != nil {
		_ = printResult(cmd, relay.Rejected(action, ref, err))
		return err
	}

	controller, err := newController(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := controller.Close(); cerr != nil {
			e.logger.Warn("compute client close failed", zap.Error(cerr))
		}
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.GCE.RequestTimeout)
	defer cancel()

	op, err := relay.Submit(ctx, controller, action, ref)
	if err != nil {
		_ = printResult(cmd, relay.Rejected(action, ref, err))
		return fmt.Errorf("%s %s: %w", action, ref, err)
	}
	e.logger.Info("operation accepted", zap.String("instance", ref.String()), zap.String("operation", op.ID))
	return printResult(cmd, relay.Accepted(action, ref, op))
}

func printResult(cmd *cobra.Command, result relay.OperationResult) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
