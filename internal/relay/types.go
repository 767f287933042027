package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Action names a lifecycle operation.
type Action string

// Supported lifecycle actions.
const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// ErrorKind classifies a rejected request in response bodies.
type ErrorKind string

// Error kinds reported to callers.
const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindProvider   ErrorKind = "provider"
	ErrorKindTimeout    ErrorKind = "timeout"
)

// Defaults carries the process-wide identity values requests fall back to.
type Defaults struct {
	Project  string
	Zone     string
	Instance string
}

// InstanceRef identifies the target VM.
type InstanceRef struct {
	Project  string `json:"project"`
	Zone     string `json:"zone"`
	Instance string `json:"instance"`
}

// String renders the ref as a compute resource path.
func (r InstanceRef) String() string {
	return fmt.Sprintf("projects/%s/zones/%s/instances/%s", r.Project, r.Zone, r.Instance)
}

// Validate reports the first empty identity field.
func (r InstanceRef) Validate() error {
	switch {
	case r.Project == "":
		return &ValidationError{Field: "project"}
	case r.Instance == "":
		return &ValidationError{Field: "instance"}
	case r.Zone == "":
		return &ValidationError{Field: "zone"}
	}
	return nil
}

// Resolve applies per-request overrides on top of the defaults. The project
// always comes from the defaults. The returned ref is populated even when
// validation fails so callers can echo what was resolved.
func Resolve(d Defaults, instance, zone string) (InstanceRef, error) {
	ref := InstanceRef{
		Project:  strings.TrimSpace(d.Project),
		Zone:     firstNonEmpty(zone, d.Zone),
		Instance: firstNonEmpty(instance, d.Instance),
	}
	return ref, ref.Validate()
}

// Operation is the provider's acknowledgement of a submitted request.
type Operation struct {
	ID     string
	Status string
}

// Submit dispatches the action to the controller.
func Submit(ctx context.Context, c Controller, action Action, ref InstanceRef) (Operation, error) {
	switch action {
	case ActionStart:
		return c.Start(ctx, ref)
	case ActionStop:
		return c.Stop(ctx, ref)
	default:
		return Operation{}, fmt.Errorf("unsupported action %q", action)
	}
}

// OperationResult shapes the response for a start/stop request.
type OperationResult struct {
	Accepted        bool      `json:"accepted"`
	Action          Action    `json:"action"`
	Message         string    `json:"message"`
	OperationID     string    `json:"operation_id,omitempty"`
	OperationStatus string    `json:"operation_status,omitempty"`
	Project         string    `json:"project,omitempty"`
	Zone            string    `json:"zone,omitempty"`
	Instance        string    `json:"instance,omitempty"`
	Error           ErrorKind `json:"error,omitempty"`
}

// Accepted builds the result for an operation the provider took.
func Accepted(action Action, ref InstanceRef, op Operation) OperationResult {
	return OperationResult{
		Accepted:        true,
		Action:          action,
		Message:         fmt.Sprintf("%s requested for %s", action, ref.Instance),
		OperationID:     op.ID,
		OperationStatus: op.Status,
		Project:         ref.Project,
		Zone:            ref.Zone,
		Instance:        ref.Instance,
	}
}

// Rejected builds the result for a failed request.
func Rejected(action Action, ref InstanceRef, err error) OperationResult {
	return OperationResult{
		Accepted: false,
		Action:   action,
		Message:  err.Error(),
		Project:  ref.Project,
		Zone:     ref.Zone,
		Instance: ref.Instance,
		Error:    KindOf(err),
	}
}

// OperationEvent is the notification emitted after every provider call.
type OperationEvent struct {
	RequestID   string    `json:"request_id,omitempty"`
	Action      Action    `json:"action"`
	Project     string    `json:"project"`
	Zone        string    `json:"zone"`
	Instance    string    `json:"instance"`
	Accepted    bool      `json:"accepted"`
	OperationID string    `json:"operation_id,omitempty"`
	Status      int       `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
