// Package bridge exposes worker conversations over websockets: a client
// connects to /ws/{worker-id}, sees everything the worker publishes on its
// output channel, and every frame the client sends is published to the
// worker's input channel. Output subscriptions are shared per worker and torn
// down when the last client disconnects.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/nabil/orka/internal/metrics"
	"github.com/nabil/orka/pkg/statestore"
)

// Config holds bridge server configuration.
type Config struct {
	Port    int
	Store   statestore.Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional
}

// Server is the websocket bridge.
type Server struct {
	port    int
	store   statestore.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	server   *http.Server

	mu             sync.Mutex
	hubs           map[string]*hub
	isShuttingDown bool

	clientWG sync.WaitGroup
}

// NewServer creates a bridge server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	return &Server{
		port:    cfg.Port,
		store:   cfg.Store,
		logger:  cfg.Logger.With().Str("component", "bridge").Logger(),
		metrics: cfg.Metrics,
		hubs:    make(map[string]*hub),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the bridge's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start begins serving. Non-blocking; the listener runs in its own goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting bridge server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Bridge server error")
		}
	}()
	return nil
}

// Stop drains clients and shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.isShuttingDown = true
	hubs := make([]*hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down bridge server")

	for _, h := range hubs {
		h.mu.Lock()
		for _, c := range h.clients {
			_ = c.conn.Close()
		}
		h.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.clientWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Bridge clients did not drain in time")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown bridge server: %w", err)
		}
	}

	s.logger.Info().Msg("Bridge server stopped")
	return nil
}

// workerIdentity extracts and validates the worker id from a /ws/{worker-id}
// path.
func workerIdentity(path string) (statestore.Identity, error) {
	id := strings.TrimPrefix(path, "/ws/")
	if id == "" || strings.Contains(id, "/") {
		return statestore.Identity{}, fmt.Errorf("invalid bridge path %q", path)
	}
	return statestore.NewIdentity(id, statestore.KindAgent)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	shuttingDown := s.isShuttingDown
	s.mu.Unlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	identity, err := workerIdentity(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	c := &client{id: clientID, conn: conn}

	h, err := s.acquireHub(identity, c)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", identity.WorkerID).Msg("Failed to subscribe to worker output")
		_ = conn.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.BridgeClientsActive.Inc()
	}
	s.logger.Info().
		Str("client_id", clientID).
		Str("worker_id", identity.WorkerID).
		Str("ip", r.RemoteAddr).
		Msg("Bridge client connected")

	s.clientWG.Add(1)
	go s.handleClient(c, h, identity)
}

// handleClient reads frames from the client and publishes them to the
// worker's input channel until the connection drops.
func (s *Server) handleClient(c *client, h *hub, identity statestore.Identity) {
	defer func() {
		_ = c.conn.Close()
		s.releaseHub(h, c.id, identity)
		if s.metrics != nil {
			s.metrics.BridgeClientsActive.Dec()
		}
		s.clientWG.Done()
		s.logger.Info().Str("client_id", c.id).Str("worker_id", identity.WorkerID).Msg("Bridge client disconnected")
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket error")
			}
			return
		}

		if err := s.store.Publish(context.Background(), identity.InputChannel(), message); err != nil {
			s.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to publish client frame")
		}
	}
}

// acquireHub attaches the client to the worker's hub, creating the shared
// subscription if this is the first watcher. Attachment happens under the
// server lock so a concurrent last-client teardown cannot strand the client
// on a closed hub.
func (s *Server) acquireHub(identity statestore.Identity, c *client) (*hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hubs[identity.WorkerID]
	if !ok {
		var err error
		h, err = newHub(identity, s.store, s.logger)
		if err != nil {
			return nil, err
		}
		s.hubs[identity.WorkerID] = h
		if s.metrics != nil {
			s.metrics.BridgeSubscriptionsActive.Inc()
		}
		s.logger.Debug().Str("worker_id", identity.WorkerID).Msg("Bridge hub created")
	}
	h.add(c)
	return h, nil
}

// releaseHub detaches a client and tears the hub down if it was the last one.
func (s *Server) releaseHub(h *hub, clientID string, identity statestore.Identity) {
	s.mu.Lock()
	last := h.remove(clientID)
	if last {
		delete(s.hubs, identity.WorkerID)
		if s.metrics != nil {
			s.metrics.BridgeSubscriptionsActive.Dec()
		}
	}
	s.mu.Unlock()

	if last {
		h.close()
		s.logger.Debug().Str("worker_id", identity.WorkerID).Msg("Bridge hub torn down")
	}
}

// HubCount reports how many shared worker subscriptions are live.
func (s *Server) HubCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hubs)
}
