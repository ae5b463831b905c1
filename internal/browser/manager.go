// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browsermux/browsermux/api/schemas"
	"github.com/browsermux/browsermux/internal/cache"
	"github.com/browsermux/browsermux/internal/config"
)

// Manager owns the session table. A command with an empty session_id
// creates a fresh session bound to its client; every other command must
// name a live session that client owns.
type Manager struct {
	cfg    config.SessionConfig
	logger *zap.Logger
	pool   *Pool
	cache  *cache.ResultCache

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session

	// capture is swappable so state-diff wiring is testable without a
	// browser.
	capture func(ctx context.Context) (schemas.PageState, error)

	wg sync.WaitGroup
}

// NewManager wires a manager over a pool and result cache.
func NewManager(cfg config.SessionConfig, logger *zap.Logger, pool *Pool, resultCache *cache.ResultCache) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		logger:   logger.Named("manager"),
		pool:     pool,
		cache:    resultCache,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		capture:  capturePageState,
	}
}

// Submit routes a validated command to its session, creating one when the
// command carries no session id. The enqueue is synchronous so a caller
// issuing commands in order gets them executed in order. The resolved
// session id is stamped back onto the command so replies and cache keys
// carry it.
func (m *Manager) Submit(ctx context.Context, clientID string, cmd schemas.Command) (<-chan ExecResult, error) {
	s, err := m.resolve(ctx, clientID, cmd.Base().SessionID)
	if err != nil {
		return nil, err
	}
	cmd.Base().SessionID = s.ID()
	return s.Submit(ctx, cmd)
}

// resolve returns the live session for sessionID, or creates one under a
// server-generated id when sessionID is empty. Session ids are minted by
// the server; a name the table does not hold is simply unknown, whether
// it was never issued or has since been reaped.
func (m *Manager) resolve(ctx context.Context, clientID, sessionID string) (*Session, error) {
	if sessionID == "" {
		return m.create(ctx, clientID)
	}

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, schemas.NewCommandError(schemas.ErrSessionNotFound, "no such session").
			WithDetail("session_id", sessionID)
	}
	return m.checkOwner(s, clientID)
}

// create acquires a pooled context and registers a new session for
// clientID.
func (m *Manager) create(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	if m.cfg.HardCeiling > 0 && n >= m.cfg.HardCeiling {
		return nil, schemas.NewCommandError(schemas.ErrResourceExhausted, "session limit reached").
			WithDetail("limit", m.cfg.HardCeiling)
	}

	pc, err := m.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			return nil, schemas.NewCommandError(schemas.ErrResourceExhausted, "no browser context available")
		}
		return nil, schemas.AsCommandError(err)
	}
	return m.install(uuid.New().String(), clientID, pc), nil
}

// install registers a new session over an acquired pooled context.
func (m *Manager) install(sessionID, clientID string, pc *PooledContext) *Session {
	s := newSession(m.ctx, sessionID, clientID, pc, m.cfg, m.logger, m.execute, m.resetSession)
	m.wg.Add(1)
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.cache.InvalidateSession(sessionID)
		m.pool.Release(pc)
		m.wg.Done()
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("Created session.",
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID))
	return s
}

// checkOwner enforces the session's client binding.
func (m *Manager) checkOwner(s *Session, clientID string) (*Session, error) {
	if s.Owner() != clientID {
		return nil, schemas.NewCommandError(schemas.ErrSessionNotOwned, "session belongs to another client").
			WithDetail("session_id", s.ID())
	}
	return s, nil
}

// resetSession returns a session's page to about:blank.
func (m *Manager) resetSession(ctx context.Context, s *Session) error {
	rc, cancel := CombineContext(s.pc.Context(), ctx)
	defer cancel()
	return resetPage(rc)
}

// execute runs one command inside the session worker. Extract results go
// through the cache; mutating commands carry a state diff and invalidate
// the session's cached extracts when the page actually changed.
func (m *Manager) execute(ctx context.Context, s *Session, cmd schemas.Command) (schemas.Payload, bool, error) {
	rc, cancel := CombineContext(s.pc.Context(), ctx)
	defer cancel()

	switch c := cmd.(type) {
	case *schemas.NavigateCommand:
		payload, err := m.runMutating(rc, s, func() (schemas.Payload, error) {
			return executeNavigate(rc, c)
		})
		return payload, false, err

	case *schemas.ClickCommand:
		payload, err := m.runMutating(rc, s, func() (schemas.Payload, error) {
			return executeClick(rc, c)
		})
		return payload, false, err

	case *schemas.FillCommand:
		payload, err := m.runMutating(rc, s, func() (schemas.Payload, error) {
			return executeFill(rc, c)
		})
		return payload, false, err

	case *schemas.ExtractCommand:
		key, cacheable := cache.Fingerprint(c)
		if !cacheable {
			resp, err := executeExtract(rc, c)
			return resp, false, err
		}
		resp, fromCache, err := m.cache.GetOrCompute(key, s.ID(), func() (*schemas.ExtractResponse, error) {
			return executeExtract(rc, c)
		})
		if err != nil {
			return nil, false, err
		}
		return resp, fromCache, nil

	case *schemas.WaitCommand:
		resp, err := executeWait(rc, c)
		return resp, false, err

	default:
		return nil, false, schemas.NewCommandError(schemas.ErrInvalidCommand, "unsupported command type")
	}
}

// runMutating brackets a page-changing command with state captures. The
// diff rides on the response; a real change drops the session's cached
// extract results.
func (m *Manager) runMutating(ctx context.Context, s *Session, run func() (schemas.Payload, error)) (schemas.Payload, error) {
	before, beforeErr := m.capture(ctx)

	payload, err := run()
	if err != nil {
		// The page may have changed before the command failed.
		m.cache.InvalidateSession(s.ID())
		return nil, err
	}

	after, afterErr := m.capture(ctx)
	if beforeErr != nil || afterErr != nil {
		// State capture is best effort; without both snapshots assume the
		// page changed.
		m.cache.InvalidateSession(s.ID())
		return payload, nil
	}

	diff := schemas.DiffStates(before, after)
	payload.Base().StateDiff = diff
	if diff.Changed() {
		m.cache.InvalidateSession(s.ID())
	}
	return payload, nil
}

// ReleaseClient closes every session owned by clientID. Called when its
// connection goes away.
func (m *Manager) ReleaseClient(clientID string) {
	m.mu.RLock()
	var owned []*Session
	for _, s := range m.sessions {
		if s.Owner() == clientID {
			owned = append(owned, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range owned {
		s.Close()
	}
	if len(owned) > 0 {
		m.logger.Info("Released client sessions.",
			zap.String("client_id", clientID),
			zap.Int("count", len(owned)))
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap closes idle sessions until ctx is canceled. Busy sessions are
// never reaped regardless of age.
func (m *Manager) Reap(ctx context.Context) {
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle closes sessions past the idle timeout.
func (m *Manager) reapIdle() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if !s.Busy() && s.IdleFor() > m.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.logger.Info("Reaping idle session.",
			zap.String("session_id", s.ID()),
			zap.Duration("idle_for", s.IdleFor()))
		s.Close()
	}
}

// Shutdown closes every session and waits for their workers, bounded by
// ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.Close()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("Shutdown grace period expired with sessions still closing.")
		return ctx.Err()
	}
}
