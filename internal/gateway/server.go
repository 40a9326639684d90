// Package gateway serves the WebSocket RPC protocol and the HTTP surface of cloudserve.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/cloudserve/internal/agent"
	"github.com/nextlevelbuilder/cloudserve/internal/bus"
	"github.com/nextlevelbuilder/cloudserve/internal/config"
	"github.com/nextlevelbuilder/cloudserve/internal/scheduler"
	"github.com/nextlevelbuilder/cloudserve/pkg/protocol"
)

const busSubscriberID = "gateway"

// Server owns the HTTP listener, the WebSocket clients and the method router.
type Server struct {
	cfg         *config.Config
	eventPub    *bus.MessageBus
	agents      *agent.Router
	sched       *scheduler.Scheduler
	router      *MethodRouter
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	mux         chi.Router

	clients   map[string]*Client
	mu        sync.RWMutex
	startedAt time.Time
}

// NewServer builds the server and its routes. Extra HTTP handlers are added
// with Mount before Start.
func NewServer(cfg *config.Config, eventPub *bus.MessageBus, agents *agent.Router, sched *scheduler.Scheduler) *Server {
	s := &Server{
		cfg:         cfg,
		eventPub:    eventPub,
		agents:      agents,
		sched:       sched,
		rateLimiter: NewRateLimiter(cfg.Gateway.RateLimitRPM, 5),
		clients:     make(map[string]*Client),
		startedAt:   time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)

	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Get("/ws", s.handleWebSocket)
	mux.Get("/health", s.handleHealth)
	s.mux = mux

	if eventPub != nil {
		eventPub.Subscribe(busSubscriberID, s.forwardEvent)
	}
	return s
}

// Router returns the RPC method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// RateLimiter returns the shared per-user limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Mount attaches an HTTP handler under pattern; sub-routers see paths
// relative to it.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Mount(pattern, h)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) token() string { return s.cfg.Gateway.Token }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Gateway.Host, strconv.Itoa(s.cfg.Gateway.Port))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway listen: %w", err)
	case <-ctx.Done():
	}

	s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))
	s.shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	slog.Info("gateway stopped")
	return nil
}

func (s *Server) shutdown() {
	if s.eventPub != nil {
		s.eventPub.Unsubscribe(busSubscriberID)
	}
	s.rateLimiter.Stop()
	s.mu.Lock()
	for id, c := range s.clients {
		c.Close()
		delete(s.clients, id)
	}
	s.mu.Unlock()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("security.origin_rejected", "origin", origin)
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	slog.Debug("client connected", "client", client.id, "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		client.Close()
		slog.Debug("client disconnected", "client", client.id)
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.ClientCount())
}

// forwardEvent pushes a bus event to every connected client.
func (s *Server) forwardEvent(ev bus.Event) {
	s.BroadcastEvent(*protocol.NewEvent(ev.Name, ev.Payload))
}

// BroadcastEvent sends an event frame to all authenticated clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.isAuthenticated() {
			c.SendEvent(event)
		}
	}
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Status is the payload of the status method.
func (s *Server) Status() map[string]interface{} {
	st := map[string]interface{}{
		"agents":     s.agents.ListInfo(),
		"clients":    s.ClientCount(),
		"activeRuns": s.agents.ActiveRunCount(),
		"uptimeSec":  int(time.Since(s.startedAt).Seconds()),
	}
	if s.sched != nil {
		st["lanes"] = s.sched.LaneStats()
		st["sessions"] = s.sched.ActiveSessions()
	}
	return st
}

// ApplyConfig picks up hot-reloaded gateway settings.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.rateLimiter.SetRPM(cfg.Gateway.RateLimitRPM)
}

// AgentEventPublisher returns an agent event hook that broadcasts on mb.
// Streaming chunks go out as chat events, everything else as agent events.
func AgentEventPublisher(mb *bus.MessageBus) func(agent.AgentEvent) {
	return func(ev agent.AgentEvent) {
		name := protocol.EventAgent
		if ev.Type == protocol.ChatEventChunk {
			name = protocol.EventChat
		}
		mb.Broadcast(bus.Event{Name: name, Payload: ev})
	}
}

// tokenMatch compares tokens in constant time.
func tokenMatch(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
