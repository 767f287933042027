package relay

import (
	"context"
	"time"
)

// Controller submits lifecycle operations against the compute API.
// Implementations must be safe for concurrent use.
type Controller interface {
	Start(ctx context.Context, ref InstanceRef) (Operation, error)
	Stop(ctx context.Context, ref InstanceRef) (Operation, error)
}

// Publisher pushes operation events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator yields unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}
