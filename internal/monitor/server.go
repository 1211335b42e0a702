// Package monitor serves a read-only observation surface for a running
// controller: a websocket stream of status updates, a JSON status
// endpoint, and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/loop"
)

// Server broadcasts controller status to websocket subscribers and
// exposes /status and /metrics. It implements loop.Observer.
type Server struct {
	port    int
	logger  *logging.Logger
	metrics *Metrics

	server   *http.Server
	listener net.Listener

	mu         sync.RWMutex
	last       loop.Status
	lastSignal string
	subs       map[*websocket.Conn]chan loop.Status
	started    bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The monitor is a local observation surface; origin checks
	// belong to whatever proxies it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer creates a monitor server listening on port.
func NewServer(port int, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New()
	}
	return &Server{
		port:    port,
		logger:  logger,
		metrics: NewMetrics(),
		subs:    make(map[*websocket.Conn]chan loop.Status),
	}
}

// Publish receives a status update from the controller. It updates the
// metrics and fans the status out to every websocket subscriber
// without blocking the loop.
func (s *Server) Publish(status loop.Status) {
	s.metrics.Record(status)

	s.mu.Lock()
	if status.LastSignal != "none" && status.LastSignal != s.lastSignal {
		s.metrics.RecordSignal(status.LastSignal)
	}
	s.lastSignal = status.LastSignal
	s.last = status
	for _, ch := range s.subs {
		select {
		case ch <- status:
		default:
			// Slow subscriber: drop the update, the next one
			// supersedes it anyway.
		}
	}
	s.mu.Unlock()
}

// Start runs the HTTP server until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("monitor already started")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.Info("monitor listening", "addr", listener.Addr().String())
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor server error: %w", err)
	}
	return nil
}

// Stop shuts the server down and closes every subscriber.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.server == nil {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	for conn := range s.subs {
		conn.Close()
	}
	s.subs = make(map[*websocket.Conn]chan loop.Status)
	server := s.server
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// ListenAddr returns the bound address, for tests using port 0.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleStatus serves the most recent status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(last); err != nil {
		s.logger.Warn("failed to encode status", "error", err)
	}
}

// handleWS upgrades the connection and streams status updates until
// the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan loop.Status, 8)
	s.mu.Lock()
	s.subs[conn] = ch
	last := s.last
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// Send the current snapshot immediately so clients render without
	// waiting for the next loop transition.
	if err := conn.WriteJSON(last); err != nil {
		return
	}

	// Drain client frames so pings and closes are processed; a read
	// error means the connection is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case status := <-ch:
			if err := conn.WriteJSON(status); err != nil {
				return
			}
		}
	}
}
