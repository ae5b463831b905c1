// internal/server/server.go
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/browsermux/browsermux/api/schemas"
	"github.com/browsermux/browsermux/internal/browser"
	"github.com/browsermux/browsermux/internal/config"
	"github.com/browsermux/browsermux/internal/security"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// limiterSweepInterval paces the janitor pass over per-client rate-limit
// windows.
const limiterSweepInterval = time.Minute

// CommandRunner is the execution backend the server dispatches into.
// *browser.Manager satisfies it; tests substitute a fake.
type CommandRunner interface {
	Submit(ctx context.Context, clientID string, cmd schemas.Command) (<-chan browser.ExecResult, error)
	ReleaseClient(clientID string)
	SessionCount() int
}

// Server accepts websocket connections and routes validated commands
// into the session manager.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger
	runner CommandRunner

	auth      *security.Authenticator
	sanitizer *security.Sanitizer
	limiter   *security.RateLimiter
	// admission bounds total inbound frames per second across all clients.
	admission *rate.Limiter

	upgrader   websocket.Upgrader
	httpServer *http.Server

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	// hubDone unblocks pump teardown when the hub has already exited.
	hubDone chan struct{}
	mu      sync.RWMutex

	started time.Time
	wg      sync.WaitGroup
}

// New wires a dispatch server over a command runner.
func New(cfg *config.Config, logger *zap.Logger, runner CommandRunner) *Server {
	s := &Server{
		cfg:       cfg.Server,
		logger:    logger.Named("server"),
		runner:    runner,
		auth:      security.NewAuthenticator(cfg.Server.APIKey),
		sanitizer: security.NewSanitizer(cfg.Security),
		limiter: security.NewRateLimiter(
			cfg.Server.RateLimitPerMinute, time.Minute,
			cfg.Server.RateLimitRejectThreshold, cfg.Server.RateLimitRejectWindow,
			cfg.Server.RateLimitBlock,
		),
		admission: rate.NewLimiter(rate.Limit(cfg.Server.GlobalRatePerSecond), cfg.Server.GlobalRateBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Clients are programmatic, not browsers; origin is meaningless.
				return true
			},
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		hubDone:    make(chan struct{}),
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is canceled, then drains connections within the
// shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHub(hubCtx)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLimiter(hubCtx, limiterSweepInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening.", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down.", zap.Duration("grace", s.cfg.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	cancelHub()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Shutdown grace expired with connections still draining.")
	}
	return err
}

// runHub owns the client set. Registration and teardown flow through
// channels so pump goroutines never touch the map.
func (s *Server) runHub(ctx context.Context) {
	defer close(s.hubDone)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.clients {
				// Shutdown does not close hijacked connections; do it here
				// so read pumps exit.
				c.conn.Close()
				close(c.send)
				delete(s.clients, c)
				s.runner.ReleaseClient(c.id)
			}
			s.mu.Unlock()
			return
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
			s.logger.Info("Client connected.", zap.String("client_id", c.id))
		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()
			s.runner.ReleaseClient(c.id)
			s.limiter.Forget(c.id)
			s.logger.Info("Client disconnected.", zap.String("client_id", c.id))
		}
	}
}

// sweepLimiter periodically drops drained rate-limit windows so ids of
// long-gone clients do not accumulate between sweeps of Forget.
func (s *Server) sweepLimiter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.limiter.Sweep(); removed > 0 {
				s.logger.Debug("Swept idle rate-limit windows.", zap.Int("removed", removed))
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// handleWS upgrades a connection and starts its pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket.", zap.Error(err))
		return
	}
	c := newClient(s, conn)
	select {
	case s.register <- c:
	case <-s.hubDone:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// handleHealthz reports liveness and basic load figures.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(map[string]interface{}{
		"status":         "ok",
		"clients":        s.ClientCount(),
		"sessions":       s.runner.SessionCount(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
