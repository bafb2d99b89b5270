// Package status defines the typed status record kept for every worker
// identity and the reporter that writes lifecycle transitions into the shared
// store. The wire field names are fixed: child processes and legacy monitoring
// read the same hashes.
package status

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle state of a worker identity.
type State string

const (
	StateInitializing          State = "initializing"
	StateStarting              State = "starting"
	StateRunning               State = "running"
	StateRunningPendingConfirm State = "running_pending_confirm"
	StateStopping              State = "stopping"
	StateStopped               State = "stopped"

	StateErrorStartFailed State = "error_start_failed"
	StateErrorStopFailed  State = "error_stop_failed"
	StateErrorProcessLost State = "error_process_lost"
	StateErrorCrashed     State = "error_crashed"
)

// IsError reports whether the state records a failure cause.
func (s State) IsError() bool {
	return strings.HasPrefix(string(s), "error_")
}

// ShouldBeAlive reports whether a worker in this state is expected to have a
// live process behind it.
func (s State) ShouldBeAlive() bool {
	switch s {
	case StateInitializing, StateStarting, StateRunning, StateRunningPendingConfirm:
		return true
	}
	return false
}

// RuntimeKind says whether the worker executes as a local OS process or
// inside a container.
type RuntimeKind string

const (
	RuntimeLocal     RuntimeKind = "local"
	RuntimeContainer RuntimeKind = "container"
)

// Wire field names of the status hash. Fixed for interoperability.
const (
	FieldStatus            = "status"
	FieldPID               = "pid"
	FieldContainerName     = "container_name"
	FieldActualContainerID = "actual_container_id"
	FieldRuntime           = "runtime"
	FieldLastActive        = "last_active"
	FieldLastUpdated       = "last_updated"
	FieldErrorDetail       = "error_detail"
	FieldStartAttempt      = "start_attempt"
)

// DynamicFields are the fields cleared together when a worker stops.
var DynamicFields = []string{
	FieldPID,
	FieldContainerName,
	FieldActualContainerID,
	FieldRuntime,
	FieldErrorDetail,
	FieldStartAttempt,
	FieldLastActive,
}

const wireTimeFormat = time.RFC3339Nano

// Record is one worker identity's status, decoded from the store hash.
type Record struct {
	Status            State
	PID               int
	ContainerName     string
	ActualContainerID string
	Runtime           RuntimeKind
	LastActive        time.Time
	LastUpdated       time.Time
	ErrorDetail       string
	StartAttempt      time.Time
}

// FromWire decodes a status hash into a typed record. An empty map decodes to
// nil, meaning no record exists for the identity.
func FromWire(fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &Record{
		Status:            State(fields[FieldStatus]),
		ContainerName:     fields[FieldContainerName],
		ActualContainerID: fields[FieldActualContainerID],
		Runtime:           RuntimeKind(fields[FieldRuntime]),
		ErrorDetail:       fields[FieldErrorDetail],
	}

	if raw := fields[FieldPID]; raw != "" {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid pid field %q: %w", raw, err)
		}
		rec.PID = pid
	}

	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{FieldLastActive, &rec.LastActive},
		{FieldLastUpdated, &rec.LastUpdated},
		{FieldStartAttempt, &rec.StartAttempt},
	} {
		raw := fields[f.name]
		if raw == "" {
			continue
		}
		ts, err := time.Parse(wireTimeFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field %q: %w", f.name, raw, err)
		}
		*f.dst = ts
	}

	return rec, nil
}

// Wire encodes the record's set fields into the store hash representation.
// Zero-valued optional fields are omitted rather than written empty.
func (r *Record) Wire() map[string]string {
	fields := map[string]string{
		FieldStatus: string(r.Status),
	}
	if r.PID != 0 {
		fields[FieldPID] = strconv.Itoa(r.PID)
	}
	if r.ContainerName != "" {
		fields[FieldContainerName] = r.ContainerName
	}
	if r.ActualContainerID != "" {
		fields[FieldActualContainerID] = r.ActualContainerID
	}
	if r.Runtime != "" {
		fields[FieldRuntime] = string(r.Runtime)
	}
	if !r.LastActive.IsZero() {
		fields[FieldLastActive] = r.LastActive.Format(wireTimeFormat)
	}
	if !r.LastUpdated.IsZero() {
		fields[FieldLastUpdated] = r.LastUpdated.Format(wireTimeFormat)
	}
	if r.ErrorDetail != "" {
		fields[FieldErrorDetail] = r.ErrorDetail
	}
	if !r.StartAttempt.IsZero() {
		fields[FieldStartAttempt] = r.StartAttempt.Format(wireTimeFormat)
	}
	return fields
}

func formatWireTime(t time.Time) string {
	return t.Format(wireTimeFormat)
}
