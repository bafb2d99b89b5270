package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/queueworker"
	"github.com/nabil/orka/pkg/service"
	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
	"github.com/nabil/orka/pkg/supervisor"
)

// Control commands accepted on the worker's control channel.
const (
	CommandShutdown = "shutdown"
	CommandRestart  = "restart"
)

type controlMessage struct {
	Command string `json:"command"`
}

// Config configures a worker runtime.
type Config struct {
	Identity statestore.Identity
	Store    statestore.Store
	Fetch    supervisor.DescriptorFunc // optional; skipped when nil
	Pipeline Pipeline
	Logger   zerolog.Logger

	HistoryQueue string
	UsageQueue   string
}

// Runtime is the message loop a worker process runs.
type Runtime struct {
	cfg       Config
	logger    zerolog.Logger
	reporter  *status.Reporter
	component *service.Component

	descriptor *supervisor.Descriptor
}

// New creates a worker runtime.
func New(cfg Config) (*Runtime, error) {
	if !cfg.Identity.Kind.Valid() {
		return nil, fmt.Errorf("invalid identity %q", cfg.Identity)
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if cfg.HistoryQueue == "" {
		cfg.HistoryQueue = queueworker.DefaultHistoryQueue
	}
	if cfg.UsageQueue == "" {
		cfg.UsageQueue = queueworker.DefaultUsageQueue
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("worker_id", cfg.Identity.WorkerID).Str("kind", string(cfg.Identity.Kind)).Logger(),
		reporter: status.NewReporter(cfg.Store, cfg.Identity),
	}
	rt.component = service.New(service.Config{
		Name:      "worker:" + cfg.Identity.String(),
		Logger:    cfg.Logger,
		Reporter:  rt.reporter,
		Setup:     rt.setup,
		OnRunning: rt.onRunning,
		Cleanup:   rt.cleanup,
	})
	rt.component.AddTask("input", rt.inputLoop)
	rt.component.AddTask("control", rt.controlLoop)
	return rt, nil
}

// Run drives the runtime until stopped.
func (rt *Runtime) Run(ctx context.Context) error {
	return rt.component.Run(ctx)
}

// InitiateShutdown requests a cooperative stop.
func (rt *Runtime) InitiateShutdown() {
	rt.component.InitiateShutdown()
}

// RestartRequested reports whether a restart command arrived before shutdown.
// The caller decides whether to relaunch.
func (rt *Runtime) RestartRequested() bool {
	return rt.component.RestartRequested()
}

// Done is closed once the runtime has fully finished.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.component.Done()
}

func (rt *Runtime) setup(ctx context.Context) error {
	if err := rt.reporter.MarkAs(ctx, status.StateInitializing, nil); err != nil {
		return err
	}
	if rt.cfg.Fetch != nil {
		desc, err := rt.cfg.Fetch(ctx, rt.cfg.Identity)
		if err != nil {
			return fmt.Errorf("fetch descriptor: %w", err)
		}
		rt.descriptor = desc
	}
	rt.logger.Info().Msg("Worker runtime initialized")
	return nil
}

// Descriptor returns the launch descriptor fetched during setup, if any.
func (rt *Runtime) Descriptor() *supervisor.Descriptor {
	return rt.descriptor
}

func (rt *Runtime) onRunning(ctx context.Context) error {
	// The supervisor left the record at running_pending_confirm; this write
	// is the confirmation.
	return rt.reporter.MarkAs(ctx, status.StateRunning, map[string]string{
		status.FieldLastActive: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (rt *Runtime) cleanup(ctx context.Context) error {
	return markStoppedUnlessFailed(ctx, rt.reporter, rt.logger)
}

// markStoppedUnlessFailed is the stopped self-report shared by the worker
// runtimes. An error status written moments earlier carries the failure cause
// and must survive cleanup.
func markStoppedUnlessFailed(ctx context.Context, rep *status.Reporter, logger zerolog.Logger) error {
	rec, err := rep.Get(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not read status before stopped self-report")
	} else if rec != nil && rec.Status.IsError() {
		return nil
	}
	return rep.MarkStopped(ctx)
}

func (rt *Runtime) inputLoop(ctx context.Context) error {
	return rt.component.SubscribeLoop(ctx, rt.cfg.Store, rt.cfg.Identity.InputChannel(), rt.handleInput)
}

func (rt *Runtime) controlLoop(ctx context.Context) error {
	return rt.component.SubscribeLoop(ctx, rt.cfg.Store, rt.cfg.Identity.ControlChannel(), rt.handleControl)
}

func (rt *Runtime) handleInput(ctx context.Context, payload []byte) error {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode inbound message: %w", err)
	}
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}

	out, err := rt.cfg.Pipeline.Handle(ctx, in)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	rt.enqueueHistory(ctx, in.MessageID, in.SessionID, "user", in.Content)

	if out != nil {
		if out.MessageID == "" {
			out.MessageID = uuid.NewString()
		}
		out.ReplyTo = in.MessageID
		if out.SessionID == "" {
			out.SessionID = in.SessionID
		}
		if out.CreatedAt.IsZero() {
			out.CreatedAt = time.Now().UTC()
		}

		raw, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode outbound message: %w", err)
		}
		if err := rt.cfg.Store.Publish(ctx, rt.cfg.Identity.OutputChannel(), raw); err != nil {
			return fmt.Errorf("publish reply: %w", err)
		}

		rt.enqueueHistory(ctx, out.MessageID, out.SessionID, "assistant", out.Content)
		if out.Usage != nil {
			rt.enqueueUsage(ctx, out.MessageID, *out.Usage)
		}
	}

	if err := rt.reporter.UpdateLastActive(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to refresh last_active")
	}
	return nil
}

func (rt *Runtime) handleControl(ctx context.Context, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}

	switch msg.Command {
	case CommandShutdown:
		rt.logger.Info().Msg("Shutdown command received")
		rt.component.InitiateShutdown()
	case CommandRestart:
		rt.logger.Info().Msg("Restart command received")
		rt.component.SetRestartIntent()
		rt.component.InitiateShutdown()
	default:
		return fmt.Errorf("unknown control command %q", msg.Command)
	}
	return nil
}

// enqueueHistory pushes one chat event onto the history queue. Enqueue
// failures are logged and dropped so the message loop keeps moving.
func (rt *Runtime) enqueueHistory(ctx context.Context, messageID, sessionID, role, content string) {
	payload, err := json.Marshal(map[string]string{
		"message_id": messageID,
		"worker_id":  rt.cfg.Identity.WorkerID,
		"session_id": sessionID,
		"role":       role,
		"content":    content,
	})
	if err != nil {
		rt.logger.Error().Err(err).Msg("Failed to encode history event")
		return
	}
	rt.pushEnvelope(ctx, rt.cfg.HistoryQueue, payload)
}

func (rt *Runtime) enqueueUsage(ctx context.Context, messageID string, u Usage) {
	payload, err := json.Marshal(map[string]any{
		"message_id":        messageID,
		"worker_id":         rt.cfg.Identity.WorkerID,
		"model":             u.Model,
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	})
	if err != nil {
		rt.logger.Error().Err(err).Msg("Failed to encode usage event")
		return
	}
	rt.pushEnvelope(ctx, rt.cfg.UsageQueue, payload)
}

func (rt *Runtime) pushEnvelope(ctx context.Context, queue string, payload json.RawMessage) {
	raw, err := json.Marshal(queueworker.NewEnvelope(payload))
	if err != nil {
		rt.logger.Error().Err(err).Str("queue", queue).Msg("Failed to encode queue envelope")
		return
	}
	if err := rt.cfg.Store.RPush(ctx, queue, raw); err != nil {
		rt.logger.Error().Err(err).Str("queue", queue).Msg("Failed to enqueue event")
	}
}
