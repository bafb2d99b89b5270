package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nabil/orka/pkg/statestore"
)

const hubReceiveTimeout = time.Second

// client is one websocket connection attached to a hub. Writes go through
// the mutex; gorilla connections allow only one concurrent writer.
type client struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func (c *client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// hub fans one worker's output channel out to every websocket client watching
// it. The underlying store subscription is shared: created when the first
// client attaches, closed when the last one leaves.
type hub struct {
	identity statestore.Identity
	store    statestore.Store
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	clients map[string]*client
	refs    int
}

func newHub(identity statestore.Identity, store statestore.Store, logger zerolog.Logger) (*hub, error) {
	h := &hub{
		identity: identity,
		store:    store,
		logger:   logger.With().Str("worker_id", identity.WorkerID).Logger(),
		clients:  make(map[string]*client),
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := store.Subscribe(ctx, identity.OutputChannel())
	if err != nil {
		cancel()
		return nil, err
	}
	h.cancel = cancel

	go h.pump(ctx, sub)
	return h, nil
}

// pump moves messages from the shared subscription to every attached client.
func (h *hub) pump(ctx context.Context, sub statestore.Subscription) {
	defer close(h.done)
	defer sub.Close()

	for {
		msg, err := sub.Receive(ctx, hubReceiveTimeout)
		if err != nil {
			switch {
			case errors.Is(err, statestore.ErrNoMessage):
				continue
			case ctx.Err() != nil, errors.Is(err, statestore.ErrSubscriptionClosed):
				return
			default:
				h.logger.Warn().Err(err).Msg("Output subscription lost, bridge hub closing")
				return
			}
		}

		h.mu.Lock()
		targets := make([]*client, 0, len(h.clients))
		for _, c := range h.clients {
			targets = append(targets, c)
		}
		h.mu.Unlock()

		for _, c := range targets {
			if err := c.write(msg.Payload); err != nil {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Dropping client, write failed")
				_ = c.conn.Close()
			}
		}
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.refs++
}

// remove detaches a client and reports whether the hub is now empty.
func (h *hub) remove(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, clientID)
	h.refs--
	return h.refs <= 0
}

func (h *hub) close() {
	h.cancel()
	<-h.done
}
