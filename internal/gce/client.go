// Package gce submits instance lifecycle operations to Google Compute Engine.
package gce

import (
	"context"
	"fmt"
	"os"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

// Config controls how the Compute Engine client authenticates and connects.
type Config struct {
	// CredentialsFile points at a service account key. Empty uses ADC.
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string
	// WithoutAuthentication disables credentials; only useful with Endpoint.
	WithoutAuthentication bool
}

// Client implements relay.Controller on top of the Compute Engine REST API.
// One Client is shared by all requests.
type Client struct {
	instances *compute.InstancesClient
	logger    *zap.Logger
}

var _ relay.Controller = (*Client)(nil)

// New creates the long-lived instances client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	instances, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create instances client: %w", err)
	}
	logger.Info("compute client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("credentials_file", cfg.CredentialsFile != ""),
	)
	return &Client{instances: instances, logger: logger}, nil
}

func clientOptions(cfg Config) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	switch {
	case cfg.WithoutAuthentication:
		opts = append(opts, option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("credentials file not found at %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts, nil
}

// Start submits a start request. It returns once the provider accepted the
// operation and does not wait for the instance to boot.
func (c *Client) Start(ctx context.Context, ref relay.InstanceRef) (relay.Operation, error) {
	op, err := c.instances.Start(ctx, &computepb.StartInstanceRequest{
		Project:  ref.Project,
		Zone:     ref.Zone,
		Instance: ref.Instance,
	})
	if err != nil {
		return relay.Operation{}, classify(fmt.Errorf("start instance %s: %w", ref, err))
	}
	return c.accepted(relay.ActionStart, ref, op), nil
}

// Stop submits a stop request without waiting for completion.
func (c *Client) Stop(ctx context.Context, ref relay.InstanceRef) (relay.Operation, error) {
	op, err := c.instances.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  ref.Project,
		Zone:     ref.Zone,
		Instance: ref.Instance,
	})
	if err != nil {
		return relay.Operation{}, classify(fmt.Errorf("stop instance %s: %w", ref, err))
	}
	return c.accepted(relay.ActionStop, ref, op), nil
}

func (c *Client) accepted(action relay.Action, ref relay.InstanceRef, op *compute.Operation) relay.Operation {
	out := relay.Operation{ID: op.Name()}
	if raw := op.Proto(); raw != nil {
		out.Status = raw.GetStatus().String()
	}
	c.logger.Debug("operation accepted",
		zap.String("action", string(action)),
		zap.String("instance", ref.String()),
		zap.String("operation", out.ID),
		zap.String("status", out.Status),
	)
	return out
}

// Close releases the underlying connections.
func (c *Client) Close() error {
	if err := c.instances.Close(); err != nil {
		return fmt.Errorf("close instances client: %w", err)
	}
	return nil
}
