// Package tickerr defines the error kinds from which tickit's error
// handling design (config construction failures, protocol violations,
// device/adapter/bus failures, timeouts) is built, and a single error
// type that carries the originating component alongside its kind.
package tickerr

import (
	"fmt"

	"github.com/tickit-go/tickit/internal/types"
)

// Kind classifies a tickit error for logging and disposition decisions.
type Kind string

const (
	// KindConfigError is fatal at construction: cyclic wiring, dangling
	// ports, or duplicate component IDs.
	KindConfigError Kind = "config_error"
	// KindProtocolViolation means an Output broke the ticker's contract:
	// wrong source, wrong time, or an invalid call_at.
	KindProtocolViolation Kind = "protocol_violation"
	// KindDeviceFailure means a Device.Update call panicked or returned
	// an error condition; it is always converted to a ComponentException.
	KindDeviceFailure Kind = "device_failure"
	// KindAdapterFailure means an adapter's Run method returned an error;
	// it terminates only that adapter, never the component or simulation.
	KindAdapterFailure Kind = "adapter_failure"
	// KindBusFailure means a publish or subscribe call failed; it is
	// retried with backoff before being escalated.
	KindBusFailure Kind = "bus_failure"
	// KindTimeout means an adapter's readiness wait exceeded its bound.
	KindTimeout Kind = "timeout"
)

// Error wraps an underlying cause with a Kind and the ComponentID it
// originated from, matching the fields of types.ComponentException.
type Error struct {
	Kind      Kind
	Component types.ComponentID
	Cause     error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Component, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind for the given component.
func New(kind Kind, component types.ComponentID, cause error) *Error {
	return &Error{Kind: kind, Component: component, Cause: cause}
}

// ComponentException converts the error into the bus message that
// fatal kinds are demoted to before publication.
func (e *Error) ComponentException() types.ComponentException {
	return types.ComponentException{
		Source: e.Component,
		Kind:   string(e.Kind),
		Detail: e.Cause.Error(),
	}
}
