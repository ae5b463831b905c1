// internal/browser/session.go
package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/browsermux/browsermux/api/schemas"
	"github.com/browsermux/browsermux/internal/config"
)

// ExecResult is the outcome of one command delivered on a Submit channel.
type ExecResult struct {
	Payload   schemas.Payload
	Err       error
	FromCache bool
	Duration  time.Duration
}

// execFunc runs one command against a session's browser context. It is
// provided by the manager so the session stays free of cache and
// executor wiring.
type execFunc func(ctx context.Context, s *Session, cmd schemas.Command) (schemas.Payload, bool, error)

// job is one queued command with its reply channel.
type job struct {
	ctx   context.Context
	cmd   schemas.Command
	reply chan ExecResult
}

// Session binds a client-chosen session id to one pooled browser context
// and serializes its commands through a single worker goroutine.
// Commands on the same session execute in arrival order; sessions are
// independent of each other.
type Session struct {
	id     string
	owner  string
	pc     *PooledContext
	cfg    config.SessionConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	createdAt    time.Time
	lastActivity atomic.Int64
	commandCount atomic.Int64
	inFlight     atomic.Int32

	// needsReset is set when a command is abandoned mid-flight; the next
	// command sees a neutral page instead of a half-finished one.
	needsReset atomic.Bool

	queue chan *job
	exec  execFunc
	reset func(ctx context.Context, s *Session) error

	closeOnce sync.Once
	onClose   func()
	done      chan struct{}
}

// newSession builds a session and starts its worker.
func newSession(parentCtx context.Context, id, owner string, pc *PooledContext, cfg config.SessionConfig, logger *zap.Logger, exec execFunc, reset func(ctx context.Context, s *Session) error) *Session {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Session{
		id:        id,
		owner:     owner,
		pc:        pc,
		cfg:       cfg,
		logger:    logger.With(zap.String("session_id", id)),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		queue:     make(chan *job, cfg.QueueDepth),
		exec:      exec,
		reset:     reset,
		done:      make(chan struct{}),
	}
	s.Touch()
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Owner returns the client id the session is bound to.
func (s *Session) Owner() string { return s.owner }

// Touch records activity, deferring the idle reaper.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Busy reports whether a command is queued or executing.
func (s *Session) Busy() bool {
	return s.inFlight.Load() > 0 || len(s.queue) > 0
}

// CommandCount returns how many commands the session has executed.
func (s *Session) CommandCount() int64 {
	return s.commandCount.Load()
}

// Submit enqueues a command and returns the channel its result will be
// delivered on. Enqueueing is synchronous so two Submits from the same
// reader preserve their order.
func (s *Session) Submit(ctx context.Context, cmd schemas.Command) (<-chan ExecResult, error) {
	j := &job{ctx: ctx, cmd: cmd, reply: make(chan ExecResult, 1)}
	select {
	case <-s.ctx.Done():
		return nil, schemas.NewCommandError(schemas.ErrSessionNotFound, "session is closed")
	default:
	}
	select {
	case s.queue <- j:
		s.Touch()
		return j.reply, nil
	default:
		return nil, schemas.NewCommandError(schemas.ErrResourceExhausted, "session command queue is full").
			WithDetail("session_id", s.id)
	}
}

// run is the session worker. One goroutine per session gives strict
// per-session ordering without any locking in the execute path.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case j := <-s.queue:
			if s.ctx.Err() != nil {
				j.reply <- ExecResult{Err: schemas.NewCommandError(schemas.ErrSessionNotFound, "session closed before execution")}
				s.drain()
				return
			}
			s.inFlight.Store(1)
			s.execute(j)
			s.inFlight.Store(0)
		}
	}
}

// drain fails any jobs still queued when the session closes.
func (s *Session) drain() {
	for {
		select {
		case j := <-s.queue:
			j.reply <- ExecResult{Err: schemas.NewCommandError(schemas.ErrSessionNotFound, "session closed before execution")}
		default:
			return
		}
	}
}

// execute runs one job under its clamped deadline.
func (s *Session) execute(j *job) {
	start := time.Now()
	s.Touch()
	s.commandCount.Add(1)

	// A previously abandoned command may have left the page mid-action.
	if s.needsReset.CompareAndSwap(true, false) && s.reset != nil {
		resetCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		if err := s.reset(resetCtx, s); err != nil {
			s.logger.Warn("Failed to reset page after abandoned command.", zap.Error(err))
		}
		cancel()
	}

	timeout := s.clampTimeout(j.cmd.Base().TimeoutMs)
	runCtx, cancelRun := CombineContext(s.ctx, j.ctx)
	tctx, cancel := context.WithTimeout(runCtx, timeout)

	payload, fromCache, err := s.exec(tctx, s, j.cmd)
	deadlineHit := tctx.Err() == context.DeadlineExceeded
	cancel()
	cancelRun()

	if err != nil && deadlineHit {
		err = s.timeoutError(j.cmd, err, time.Since(start))
		s.needsReset.Store(true)
	}
	if err == nil && payload != nil {
		payload.Base().SessionID = s.id
	}

	s.Touch()
	j.reply <- ExecResult{
		Payload:   payload,
		Err:       err,
		FromCache: fromCache,
		Duration:  time.Since(start),
	}
}

// timeoutError maps a deadline expiry to its protocol error. Wait
// commands have their own code so clients can distinguish "the condition
// never held" from "the browser stalled".
func (s *Session) timeoutError(cmd schemas.Command, err error, elapsed time.Duration) error {
	if ce, ok := err.(*schemas.CommandError); ok &&
		(ce.Code == schemas.ErrTimeout || ce.Code == schemas.ErrWaitTimeout) {
		return ce
	}
	code := schemas.ErrTimeout
	msg := "command exceeded its deadline"
	if cmd.Base().Method == schemas.MethodWait {
		code = schemas.ErrWaitTimeout
		msg = "wait condition was not met before the deadline"
	}
	return schemas.NewCommandError(code, msg).
		WithDetail("elapsed_ms", elapsed.Milliseconds())
}

// clampTimeout bounds a client timeout to the configured ceiling.
func (s *Session) clampTimeout(timeoutMs int) time.Duration {
	if timeoutMs <= 0 {
		timeoutMs = s.cfg.DefaultCommandTimeoutMs
	}
	if s.cfg.MaxCommandTimeoutMs > 0 && timeoutMs > s.cfg.MaxCommandTimeoutMs {
		timeoutMs = s.cfg.MaxCommandTimeoutMs
	}
	return time.Duration(timeoutMs) * time.Millisecond
}

// Close stops the worker, waits for it to finish, and hands the pooled
// context back through onClose. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.logger.Info("Closing session.")
		s.cancel()
		<-s.done
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// CombineContext creates a context canceled when either input is
// canceled. Needed because operations must respect both the session
// lifecycle and the per-request deadline.
func CombineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(parentCtx)

	go func() {
		select {
		case <-secondaryCtx.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}
