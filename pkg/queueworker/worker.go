package queueworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nabil/orka/internal/metrics"
	"github.com/nabil/orka/pkg/service"
	"github.com/nabil/orka/pkg/statestore"
)

const (
	// popTimeout keeps BLPop calls short so shutdown is noticed promptly.
	popTimeout = time.Second

	// DefaultProcessTimeout bounds how long a single message may take.
	DefaultProcessTimeout = 30 * time.Second

	storeErrorBackoff = time.Second
)

// Processor handles messages drained from one or more queues.
type Processor interface {
	// Queues lists the queue names this processor consumes from.
	Queues() []string
	// ProcessMessage handles one raw queue payload.
	ProcessMessage(ctx context.Context, payload []byte) error
}

// Config configures a queue worker.
type Config struct {
	Name      string
	Store     statestore.Store
	Processor Processor
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics // optional

	// ProcessTimeout is the hard deadline per message.
	ProcessTimeout time.Duration
}

// Worker drains the processor's queues until stopped. Message failures never
// stop the worker; only shutdown does.
type Worker struct {
	cfg       Config
	logger    zerolog.Logger
	component *service.Component
}

// New creates a queue worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if len(cfg.Processor.Queues()) == 0 {
		return nil, errors.New("processor declares no queues")
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}

	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", cfg.Name).Logger(),
	}
	w.component = service.New(service.Config{
		Name:   cfg.Name,
		Logger: cfg.Logger,
	})
	w.component.AddTask("drain", w.drain)
	return w, nil
}

// Run drives the worker until ctx is cancelled or shutdown is initiated.
func (w *Worker) Run(ctx context.Context) error {
	return w.component.Run(ctx)
}

// InitiateShutdown requests a cooperative stop.
func (w *Worker) InitiateShutdown() {
	w.component.InitiateShutdown()
}

// Done is closed once the worker has fully finished.
func (w *Worker) Done() <-chan struct{} {
	return w.component.Done()
}

func (w *Worker) drain(ctx context.Context) error {
	queues := w.cfg.Processor.Queues()
	w.logger.Info().Strs("queues", queues).Msg("Queue worker draining")

	for {
		if ctx.Err() != nil {
			return nil
		}

		queue, payload, err := w.cfg.Store.BLPop(ctx, popTimeout, queues...)
		if err != nil {
			switch {
			case errors.Is(err, statestore.ErrNoMessage):
				continue
			case ctx.Err() != nil:
				return nil
			default:
				w.logger.Warn().Err(err).Msg("Queue pop failed, backing off")
				sleepCtx(ctx, storeErrorBackoff)
				continue
			}
		}

		w.handleMessage(ctx, queue, payload)
	}
}

// handleMessage processes one popped message. The message is already off the
// queue at this point; any failure here means it is logged and lost.
func (w *Worker) handleMessage(ctx context.Context, queue string, payload []byte) {
	start := time.Now()
	err := w.processWithTimeout(ctx, payload)
	elapsed := time.Since(start)

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.QueueProcessSeconds.WithLabelValues(queue).Observe(elapsed.Seconds())
	}
	w.cfg.Metrics.ObserveQueueMessage(queue, outcomeLabel(err))

	if err != nil {
		w.logger.Error().
			Err(err).
			Str("queue", queue).
			Str("payload", string(payload)).
			Msg("Message processing failed, dropping message")
		return
	}
	w.logger.Debug().Str("queue", queue).Dur("elapsed", elapsed).Msg("Message processed")
}

func (w *Worker) processWithTimeout(ctx context.Context, payload []byte) (err error) {
	procCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	defer cancel()

	// A panicking processor counts as one failed message, not the end of
	// the drain loop.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message: %v", r)
		}
	}()

	err = w.cfg.Processor.ProcessMessage(procCtx, payload)
	if err != nil && errors.Is(procCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProcessingTimeout, err)
	}
	return err
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMessageParse):
		return "parse_error"
	case errors.Is(err, ErrProcessingTimeout):
		return "timeout"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
