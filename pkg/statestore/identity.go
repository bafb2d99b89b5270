package statestore

import (
	"fmt"
	"strings"
)

// Kind classifies a worker: a conversational agent, or a channel integration
// such as "integration:telegram".
type Kind string

// KindAgent is the kind of a conversational agent worker.
const KindAgent Kind = "agent"

const integrationPrefix = "integration:"

// IntegrationKind builds the kind for a channel integration worker.
func IntegrationKind(channel string) Kind {
	return Kind(integrationPrefix + channel)
}

// IsIntegration reports whether the kind names a channel integration.
func (k Kind) IsIntegration() bool {
	return strings.HasPrefix(string(k), integrationPrefix)
}

// Channel returns the integration channel name ("telegram" for
// "integration:telegram"), or "" for non-integration kinds.
func (k Kind) Channel() string {
	if !k.IsIntegration() {
		return ""
	}
	return strings.TrimPrefix(string(k), integrationPrefix)
}

// Valid reports whether the kind is one this platform can manage.
func (k Kind) Valid() bool {
	if k == KindAgent {
		return true
	}
	return k.IsIntegration() && k.Channel() != ""
}

// Identity names a manageable worker process. It is immutable once the worker
// is created and namespaces every status key and channel for that worker.
type Identity struct {
	WorkerID string
	Kind     Kind
}

// NewIdentity validates and builds an identity.
func NewIdentity(workerID string, kind Kind) (Identity, error) {
	if strings.TrimSpace(workerID) == "" {
		return Identity{}, fmt.Errorf("%w: worker id is required", ErrInvalidIdentity)
	}
	if strings.ContainsAny(workerID, ": \t\n") {
		return Identity{}, fmt.Errorf("%w: worker id %q contains reserved characters", ErrInvalidIdentity, workerID)
	}
	if !kind.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentity, kind)
	}
	return Identity{WorkerID: workerID, Kind: kind}, nil
}

// String renders the identity as "id (kind)" for logs.
func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.WorkerID, i.Kind)
}

// StatusKey returns the hash key holding this identity's status record.
// Agents use "agent_status:{id}"; integrations use
// "integration_status:{id}:{channel}".
func (i Identity) StatusKey() string {
	if i.Kind.IsIntegration() {
		return fmt.Sprintf("integration_status:%s:%s", i.WorkerID, i.Kind.Channel())
	}
	return fmt.Sprintf("agent_status:%s", i.WorkerID)
}

// InputChannel returns the channel carrying payloads into the worker.
func (i Identity) InputChannel() string {
	return fmt.Sprintf("worker:%s:input", i.WorkerID)
}

// OutputChannel returns the channel carrying payloads out of the worker.
func (i Identity) OutputChannel() string {
	return fmt.Sprintf("worker:%s:output", i.WorkerID)
}

// ControlChannel returns the channel accepting shutdown/restart commands.
func (i Identity) ControlChannel() string {
	return fmt.Sprintf("worker_control:%s", i.WorkerID)
}

// ContainerName returns the container name used when the worker runs
// containerized.
func (i Identity) ContainerName() string {
	return fmt.Sprintf("worker_runner_%s", i.WorkerID)
}

// Status key patterns for scanning the whole fleet.
const (
	AgentStatusPattern       = "agent_status:*"
	IntegrationStatusPattern = "integration_status:*"
)

// ParseStatusKey recovers the identity from a status hash key.
func ParseStatusKey(key string) (Identity, error) {
	if rest, ok := strings.CutPrefix(key, "agent_status:"); ok {
		return NewIdentity(rest, KindAgent)
	}
	if rest, ok := strings.CutPrefix(key, "integration_status:"); ok {
		id, channel, found := strings.Cut(rest, ":")
		if !found {
			return Identity{}, fmt.Errorf("%w: malformed integration status key %q", ErrInvalidIdentity, key)
		}
		return NewIdentity(id, IntegrationKind(channel))
	}
	return Identity{}, fmt.Errorf("%w: unrecognized status key %q", ErrInvalidIdentity, key)
}
