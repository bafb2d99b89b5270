package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabil/orka/pkg/statestore"
)

func setupReporter(t *testing.T) (*Reporter, *statestore.MemoryStore) {
	store := statestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	identity, err := statestore.NewIdentity("w1", statestore.KindAgent)
	require.NoError(t, err)

	return NewReporter(store, identity), store
}

func TestReporter_MarkAsStampsLastUpdated(t *testing.T) {
	r, store := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkAs(ctx, StateStarting, nil))

	fields, err := store.HGetAll(ctx, "agent_status:w1")
	require.NoError(t, err)
	assert.Equal(t, "starting", fields[FieldStatus])
	assert.NotEmpty(t, fields[FieldLastUpdated])
}

func TestReporter_SetFieldsLeavesStatusAlone(t *testing.T) {
	r, store := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkAs(ctx, StateRunning, nil))
	require.NoError(t, r.SetFields(ctx, map[string]string{FieldPID: "4242"}))

	fields, err := store.HGetAll(ctx, "agent_status:w1")
	require.NoError(t, err)
	assert.Equal(t, "running", fields[FieldStatus])
	assert.Equal(t, "4242", fields[FieldPID])
	assert.NotEmpty(t, fields[FieldLastUpdated])
}

func TestReporter_MarkStarting(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkStarting(ctx))

	rec, err := r.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateStarting, rec.Status)
	assert.False(t, rec.StartAttempt.IsZero())
}

func TestReporter_MarkErrorPreservesPID(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkAs(ctx, StateRunning, map[string]string{FieldPID: "4242"}))
	require.NoError(t, r.MarkError(ctx, StateErrorProcessLost, "claimed running but process not found"))

	rec, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateErrorProcessLost, rec.Status)
	assert.Equal(t, "claimed running but process not found", rec.ErrorDetail)
	assert.Equal(t, 4242, rec.PID)
}

func TestReporter_MarkErrorRejectsNonErrorState(t *testing.T) {
	r, _ := setupReporter(t)
	assert.Error(t, r.MarkError(context.Background(), StateRunning, "detail"))
}

func TestReporter_MarkStoppedClearsDynamicFields(t *testing.T) {
	r, store := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkAs(ctx, StateRunning, map[string]string{
		FieldPID:          "4242",
		FieldRuntime:      string(RuntimeLocal),
		FieldStartAttempt: time.Now().Format(time.RFC3339Nano),
	}))
	require.NoError(t, r.MarkError(ctx, StateErrorStopFailed, "boom"))
	require.NoError(t, r.MarkStopped(ctx))

	fields, err := store.HGetAll(ctx, "agent_status:w1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", fields[FieldStatus])
	assert.NotContains(t, fields, FieldPID)
	assert.NotContains(t, fields, FieldRuntime)
	assert.NotContains(t, fields, FieldErrorDetail)
	assert.NotContains(t, fields, FieldStartAttempt)
	assert.NotEmpty(t, fields[FieldLastUpdated])
}

func TestReporter_ErrorDetailNotOverwrittenByNonErrorTransition(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkError(ctx, StateErrorStartFailed, "image missing"))
	require.NoError(t, r.MarkAs(ctx, StateStarting, nil))

	rec, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, rec.Status)
	assert.Equal(t, "image missing", rec.ErrorDetail)
}

func TestReporter_UpdateLastActive(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkAs(ctx, StateRunning, nil))
	require.NoError(t, r.UpdateLastActive(ctx))

	rec, err := r.Get(ctx)
	require.NoError(t, err)
	first := rec.LastActive
	assert.False(t, first.IsZero())

	r.now = func() time.Time { return first.Add(time.Minute) }
	require.NoError(t, r.UpdateLastActive(ctx))

	rec, err = r.Get(ctx)
	require.NoError(t, err)
	assert.True(t, rec.LastActive.After(first))
}

func TestReporter_GetAbsent(t *testing.T) {
	r, _ := setupReporter(t)

	rec, err := r.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReporter_Delete(t *testing.T) {
	r, _ := setupReporter(t)
	ctx := context.Background()

	require.NoError(t, r.MarkAs(ctx, StateStopped, nil))
	require.NoError(t, r.Delete(ctx))

	rec, err := r.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
