package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/service"
	"github.com/nabil/orka/pkg/statestore"
	"github.com/nabil/orka/pkg/status"
)

// TelegramChannel is the channel name of the telegram integration kind.
const TelegramChannel = "telegram"

const telegramPollTimeout = 30 // seconds, long-poll window

// TelegramConfig configures a telegram integration worker.
type TelegramConfig struct {
	Token    string
	WorkerID string
	Store    statestore.Store
	Logger   zerolog.Logger
}

// Telegram bridges a telegram bot to an agent's input and output channels.
// Each chat maps to a session keyed by the chat id, so replies find their way
// back to the conversation they answer.
type Telegram struct {
	cfg       TelegramConfig
	identity  statestore.Identity
	agent     statestore.Identity
	logger    zerolog.Logger
	reporter  *status.Reporter
	component *service.Component

	api     *tgbotapi.BotAPI
	updates tgbotapi.UpdatesChannel

	// send is swappable for tests.
	send func(chatID int64, text string) error
}

// NewTelegram creates the telegram integration worker for one agent.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("bot token is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}

	identity, err := statestore.NewIdentity(cfg.WorkerID, statestore.IntegrationKind(TelegramChannel))
	if err != nil {
		return nil, err
	}
	agent, err := statestore.NewIdentity(cfg.WorkerID, statestore.KindAgent)
	if err != nil {
		return nil, err
	}

	t := &Telegram{
		cfg:      cfg,
		identity: identity,
		agent:    agent,
		logger:   cfg.Logger.With().Str("component", "telegram").Str("worker_id", cfg.WorkerID).Logger(),
		reporter: status.NewReporter(cfg.Store, identity),
	}
	t.send = t.sendViaAPI
	t.component = service.New(service.Config{
		Name:      "telegram:" + cfg.WorkerID,
		Logger:    cfg.Logger,
		Reporter:  t.reporter,
		Setup:     t.setup,
		OnRunning: t.onRunning,
		Cleanup:   t.cleanup,
	})
	t.component.AddTask("updates", t.updateLoop)
	t.component.AddTask("replies", t.replyLoop)
	t.component.AddTask("control", t.controlLoop)
	return t, nil
}

// Run drives the integration until stopped.
func (t *Telegram) Run(ctx context.Context) error {
	return t.component.Run(ctx)
}

// InitiateShutdown requests a cooperative stop.
func (t *Telegram) InitiateShutdown() {
	t.component.InitiateShutdown()
}

// RestartRequested reports whether a restart command arrived before shutdown.
func (t *Telegram) RestartRequested() bool {
	return t.component.RestartRequested()
}

func (t *Telegram) setup(ctx context.Context) error {
	if err := t.reporter.MarkAs(ctx, status.StateInitializing, nil); err != nil {
		return err
	}

	api, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create bot API: %w", err)
	}
	t.api = api

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	t.updates = api.GetUpdatesChan(u)

	t.logger.Info().Str("username", api.Self.UserName).Int64("id", api.Self.ID).Msg("Telegram bot authenticated")
	return nil
}

func (t *Telegram) onRunning(ctx context.Context) error {
	return t.reporter.MarkAs(ctx, status.StateRunning, map[string]string{
		status.FieldLastActive: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (t *Telegram) cleanup(ctx context.Context) error {
	if t.api != nil {
		t.api.StopReceivingUpdates()
	}
	return markStoppedUnlessFailed(ctx, t.reporter, t.logger)
}

func (t *Telegram) updateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-t.updates:
			if !ok {
				return nil
			}
			if err := t.handleUpdate(ctx, update); err != nil {
				t.logger.Error().Err(err).Int("update_id", update.UpdateID).Msg("Failed to handle update")
			}
		}
	}
}

func (t *Telegram) replyLoop(ctx context.Context) error {
	return t.component.SubscribeLoop(ctx, t.cfg.Store, t.agent.OutputChannel(), t.handleReply)
}

func (t *Telegram) controlLoop(ctx context.Context) error {
	return t.component.SubscribeLoop(ctx, t.cfg.Store, t.identity.ControlChannel(), t.handleControl)
}

// handleUpdate forwards one telegram message to the agent's input channel.
func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || update.Message.Text == "" {
		return nil
	}
	msg := update.Message

	in := Inbound{
		MessageID: strconv.Itoa(msg.MessageID),
		SessionID: strconv.FormatInt(msg.Chat.ID, 10),
		Content:   msg.Text,
		SentAt:    msg.Time(),
	}
	if msg.From != nil {
		in.Sender = msg.From.UserName
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	if err := t.cfg.Store.Publish(ctx, t.agent.InputChannel(), raw); err != nil {
		return fmt.Errorf("publish to agent input: %w", err)
	}

	if err := t.reporter.UpdateLastActive(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to refresh last_active")
	}
	return nil
}

// handleReply forwards one agent reply back to its telegram chat.
func (t *Telegram) handleReply(ctx context.Context, payload []byte) error {
	var out Outbound
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if out.Content == "" {
		return nil
	}

	chatID, err := strconv.ParseInt(out.SessionID, 10, 64)
	if err != nil {
		return fmt.Errorf("reply session %q is not a chat id: %w", out.SessionID, err)
	}
	if err := t.send(chatID, out.Content); err != nil {
		return err
	}

	if err := t.reporter.UpdateLastActive(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to refresh last_active")
	}
	return nil
}

func (t *Telegram) handleControl(ctx context.Context, payload []byte) error {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}

	switch msg.Command {
	case CommandShutdown:
		t.component.InitiateShutdown()
	case CommandRestart:
		t.component.SetRestartIntent()
		t.component.InitiateShutdown()
	default:
		return fmt.Errorf("unknown control command %q", msg.Command)
	}
	return nil
}

func (t *Telegram) sendViaAPI(chatID int64, text string) error {
	if _, err := t.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
