package queueworker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabil/orka/pkg/statestore"
)

type recordingProcessor struct {
	mu       sync.Mutex
	queues   []string
	seen     [][]byte
	failures int // fail the first N messages
	block    time.Duration
}

func (p *recordingProcessor) Queues() []string { return p.queues }

func (p *recordingProcessor) ProcessMessage(ctx context.Context, payload []byte) error {
	if p.block > 0 {
		select {
		case <-time.After(p.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, payload)
	if p.failures > 0 {
		p.failures--
		return errors.New("boom")
	}
	return nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
}

func TestNewValidation(t *testing.T) {
	store := statestore.NewMemoryStore()
	proc := &recordingProcessor{queues: []string{"q"}}

	_, err := New(Config{Processor: proc})
	assert.Error(t, err)

	_, err = New(Config{Store: store})
	assert.Error(t, err)

	_, err = New(Config{Store: store, Processor: &recordingProcessor{}})
	assert.Error(t, err)

	w, err := New(Config{Store: store, Processor: proc, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestDrainsMessages(t *testing.T) {
	store := statestore.NewMemoryStore()
	proc := &recordingProcessor{queues: []string{"jobs"}}
	w, err := New(Config{Name: "test", Store: store, Processor: proc, Logger: zerolog.Nop()})
	require.NoError(t, err)
	runWorker(t, w)

	ctx := context.Background()
	require.NoError(t, store.RPush(ctx, "jobs", []byte(`{"n":1}`)))
	require.NoError(t, store.RPush(ctx, "jobs", []byte(`{"n":2}`)))

	assert.Eventually(t, func() bool { return proc.count() == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestKeepsDrainingAfterFailure(t *testing.T) {
	store := statestore.NewMemoryStore()
	proc := &recordingProcessor{queues: []string{"jobs"}, failures: 1}
	w, err := New(Config{Name: "test", Store: store, Processor: proc, Logger: zerolog.Nop()})
	require.NoError(t, err)
	runWorker(t, w)

	ctx := context.Background()
	require.NoError(t, store.RPush(ctx, "jobs", []byte(`first, fails`)))
	require.NoError(t, store.RPush(ctx, "jobs", []byte(`second, succeeds`)))

	assert.Eventually(t, func() bool { return proc.count() == 2 }, 3*time.Second, 10*time.Millisecond)
}

type panickyProcessor struct {
	recordingProcessor
	panics int // panic on the first N messages
}

func (p *panickyProcessor) ProcessMessage(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.panics > 0 {
		p.panics--
		p.mu.Unlock()
		panic("poisoned payload")
	}
	p.mu.Unlock()
	return p.recordingProcessor.ProcessMessage(ctx, payload)
}

func TestKeepsDrainingAfterPanic(t *testing.T) {
	store := statestore.NewMemoryStore()
	proc := &panickyProcessor{recordingProcessor: recordingProcessor{queues: []string{"jobs"}}, panics: 1}
	w, err := New(Config{Name: "test", Store: store, Processor: proc, Logger: zerolog.Nop()})
	require.NoError(t, err)
	runWorker(t, w)

	ctx := context.Background()
	require.NoError(t, store.RPush(ctx, "jobs", []byte(`first, panics`)))
	require.NoError(t, store.RPush(ctx, "jobs", []byte(`second, succeeds`)))

	assert.Eventually(t, func() bool { return proc.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestProcessPanicBecomesError(t *testing.T) {
	store := statestore.NewMemoryStore()
	proc := &panickyProcessor{recordingProcessor: recordingProcessor{queues: []string{"jobs"}}, panics: 1}
	w, err := New(Config{Name: "test", Store: store, Processor: proc, Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = w.processWithTimeout(context.Background(), []byte(`x`))
	assert.ErrorContains(t, err, "panic processing message")
	assert.Equal(t, "error", outcomeLabel(err))
}

func TestProcessTimeoutClassified(t *testing.T) {
	store := statestore.NewMemoryStore()
	proc := &recordingProcessor{queues: []string{"jobs"}, block: time.Second}
	w, err := New(Config{
		Name:           "test",
		Store:          store,
		Processor:      proc,
		Logger:         zerolog.Nop(),
		ProcessTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	err = w.processWithTimeout(context.Background(), []byte(`x`))
	assert.ErrorIs(t, err, ErrProcessingTimeout)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(json.RawMessage(`{"k":"v"}`))
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.EnqueuedAt.IsZero())

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Payload))
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMessageParse)

	_, err = DecodeEnvelope([]byte(`{"id":"","payload":{}}`))
	assert.ErrorIs(t, err, ErrMessageParse)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "ok", outcomeLabel(nil))
	assert.Equal(t, "parse_error", outcomeLabel(ErrMessageParse))
	assert.Equal(t, "timeout", outcomeLabel(ErrProcessingTimeout))
	assert.Equal(t, "error", outcomeLabel(errors.New("other")))
}
