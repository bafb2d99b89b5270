package supervisor

import (
	"context"

	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
)

// Launch describes a successfully launched worker target.
type Launch struct {
	PID           int
	ContainerName string
	ContainerID   string
}

// Driver launches, signals, and liveness-checks workers for one runtime kind.
type Driver interface {
	Kind() status.RuntimeKind

	// Launch starts the worker and returns its identifying handles.
	Launch(ctx context.Context, identity statestore.Identity, desc *Descriptor) (*Launch, error)

	// Terminate sends the graceful stop signal, or the kill escalation when
	// force is set. It does not wait for the target to die.
	Terminate(ctx context.Context, identity statestore.Identity, rec *status.Record, force bool) error

	// Alive checks whether the target behind the record still exists.
	Alive(ctx context.Context, identity statestore.Identity, rec *status.Record) bool
}
