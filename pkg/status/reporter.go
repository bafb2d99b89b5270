package status

import (
	"context"
	"fmt"
	"time"

	"github.com/nabil/orka/pkg/statestore"
)

// Reporter writes one identity's status transitions into the shared store.
//
// Ownership is by convention, not by lock: the supervisor writes launch and
// stop transitions, the worker process writes its own running/stopped
// self-reports. Every write stamps last_updated. A non-error transition never
// silently overwrites error_detail; it must be cleared explicitly (MarkStopped
// does so).
type Reporter struct {
	store    statestore.Store
	identity statestore.Identity
	now      func() time.Time
}

// NewReporter creates a reporter for one identity.
func NewReporter(store statestore.Store, identity statestore.Identity) *Reporter {
	return &Reporter{
		store:    store,
		identity: identity,
		now:      time.Now,
	}
}

// Identity returns the identity this reporter writes for.
func (r *Reporter) Identity() statestore.Identity {
	return r.identity
}

// MarkAs writes a status transition plus any extra fields.
func (r *Reporter) MarkAs(ctx context.Context, state State, extra map[string]string) error {
	fields := map[string]string{
		FieldStatus:      string(state),
		FieldLastUpdated: formatWireTime(r.now()),
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := r.store.HSet(ctx, r.identity.StatusKey(), fields); err != nil {
		return fmt.Errorf("mark %s as %s: %w", r.identity, state, err)
	}
	return nil
}

// MarkStarting records a start attempt.
func (r *Reporter) MarkStarting(ctx context.Context) error {
	return r.MarkAs(ctx, StateStarting, map[string]string{
		FieldStartAttempt: formatWireTime(r.now()),
	})
}

// MarkError records a failure state and its detail. The pid and container
// fields are left untouched so an operator can still see what crashed.
func (r *Reporter) MarkError(ctx context.Context, state State, detail string) error {
	if !state.IsError() {
		return fmt.Errorf("state %q is not an error state", state)
	}
	return r.MarkAs(ctx, state, map[string]string{
		FieldErrorDetail: detail,
	})
}

// MarkStopped clears all dynamic fields and leaves only status=stopped plus
// the update stamp. The record itself is retained until explicit teardown.
func (r *Reporter) MarkStopped(ctx context.Context) error {
	key := r.identity.StatusKey()
	if err := r.store.HDel(ctx, key, DynamicFields...); err != nil {
		return fmt.Errorf("clear dynamic fields for %s: %w", r.identity, err)
	}
	return r.MarkAs(ctx, StateStopped, nil)
}

// UpdateLastActive refreshes the activity stamp. Only meaningful while
// running; the idle sweep reclaims workers whose stamp goes stale.
func (r *Reporter) UpdateLastActive(ctx context.Context) error {
	now := formatWireTime(r.now())
	err := r.store.HSet(ctx, r.identity.StatusKey(), map[string]string{
		FieldLastActive:  now,
		FieldLastUpdated: now,
	})
	if err != nil {
		return fmt.Errorf("update last_active for %s: %w", r.identity, err)
	}
	return nil
}

// SetFields writes the given fields plus the update stamp without touching
// the status field.
func (r *Reporter) SetFields(ctx context.Context, fields map[string]string) error {
	merged := map[string]string{
		FieldLastUpdated: formatWireTime(r.now()),
	}
	for k, v := range fields {
		merged[k] = v
	}
	if err := r.store.HSet(ctx, r.identity.StatusKey(), merged); err != nil {
		return fmt.Errorf("set fields for %s: %w", r.identity, err)
	}
	return nil
}

// Get reads the current record. Returns (nil, nil) when none exists.
func (r *Reporter) Get(ctx context.Context) (*Record, error) {
	fields, err := r.store.HGetAll(ctx, r.identity.StatusKey())
	if err != nil {
		return nil, fmt.Errorf("read status for %s: %w", r.identity, err)
	}
	rec, err := FromWire(fields)
	if err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", r.identity, err)
	}
	return rec, nil
}

// ClearFields removes the named fields without touching the rest.
func (r *Reporter) ClearFields(ctx context.Context, fields ...string) error {
	if err := r.store.HDel(ctx, r.identity.StatusKey(), fields...); err != nil {
		return fmt.Errorf("clear fields for %s: %w", r.identity, err)
	}
	return nil
}

// Delete removes the whole record. Used only on explicit identity teardown.
func (r *Reporter) Delete(ctx context.Context) error {
	if err := r.store.Del(ctx, r.identity.StatusKey()); err != nil {
		return fmt.Errorf("delete status for %s: %w", r.identity, err)
	}
	return nil
}
