// Package log implements a publisher that writes events to the service log.
// It is the fallback when no Pub/Sub topic is configured.
package log

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

// Publisher logs each payload at debug level.
type Publisher struct {
	logger *zap.Logger
}

var _ relay.Publisher = (*Publisher)(nil)

// New creates a log Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish never fails.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	fields := []zap.Field{zap.String("topic", topic)}
	if ev, ok := payload.(relay.OperationEvent); ok {
		fields = append(fields,
			zap.String("request_id", ev.RequestID),
			zap.String("action", string(ev.Action)),
			zap.String("instance", ev.Instance),
			zap.String("zone", ev.Zone),
			zap.Bool("accepted", ev.Accepted),
			zap.String("operation_id", ev.OperationID),
			zap.Int("status", ev.Status),
		)
	} else {
		fields = append(fields, zap.Any("payload", payload))
	}
	p.logger.Debug("operation event", fields...)
	return "", nil
}
