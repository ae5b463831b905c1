// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/browsermux/browsermux/internal/config"
)

// ErrPoolExhausted is returned when the hard ceiling is reached and no
// context frees up within the acquire timeout.
var ErrPoolExhausted = errors.New("browser pool exhausted")

// ErrPoolClosed is returned once Shutdown has started.
var ErrPoolClosed = errors.New("browser pool closed")

// PooledContext is one isolated browser context (tab) owned by the pool.
type PooledContext struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
}

// ID returns the context's pool identifier.
func (pc *PooledContext) ID() string { return pc.id }

// Context returns the chromedp context commands run against.
func (pc *PooledContext) Context() context.Context { return pc.ctx }

// Age returns how long the context has been alive.
func (pc *PooledContext) Age() time.Duration { return time.Since(pc.createdAt) }

// Pool maintains a warm set of isolated browser contexts over a single
// shared browser process. The semaphore bounds total live contexts, warm
// and leased alike, to the configured hard ceiling.
type Pool struct {
	cfg      config.PoolConfig
	logger   *zap.Logger
	viewport [2]int64

	allocCtx    context.Context
	allocCancel context.CancelFunc

	sem *semaphore.Weighted

	mu     sync.Mutex
	warm   []*PooledContext
	closed bool

	// Hooks are swappable so pool bookkeeping is testable without a
	// browser process.
	newContext  func() (*PooledContext, error)
	healthCheck func(pc *PooledContext) bool
}

// NewPool launches the shared browser process, verifies it responds, and
// pre-warms the pool to its target.
func NewPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Pool, error) {
	p := newPool(cfg.Pool, logger)
	p.viewport = [2]int64{int64(cfg.Browser.ViewportWidth), int64(cfg.Browser.ViewportHeight)}

	opts := buildAllocatorOptions(cfg.Browser)
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	p.newContext = p.newChromeContext
	p.healthCheck = p.chromeHealthy

	// Confirm the browser starts and responds before accepting work.
	testCtx, cancelTest := context.WithTimeout(p.allocCtx, 30*time.Second)
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()
	defer cancelTest()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		p.allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	p.logger.Info("Browser launched successfully and is responsive.")
	p.fill()
	return p, nil
}

// newPool builds the bookkeeping shell without any browser wiring.
func newPool(cfg config.PoolConfig, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logger.Named("pool"),
		sem:    semaphore.NewWeighted(int64(cfg.HardCeiling)),
	}
}

// buildAllocatorOptions assembles the browser process flags.
func buildAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	// Custom arguments from configuration.
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Flags required for running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}

	return opts
}

// newChromeContext creates one isolated browser context and confirms it
// is usable.
func (p *Pool) newChromeContext() (*PooledContext, error) {
	ctx, cancel := chromedp.NewContext(p.allocCtx)
	if err := chromedp.Run(ctx,
		chromedp.EmulateViewport(p.viewport[0], p.viewport[1]),
		chromedp.Navigate("about:blank"),
	); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open browser context: %w", err)
	}
	return &PooledContext{
		id:        uuid.New().String(),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
	}, nil
}

// chromeHealthy probes a context with a trivial evaluation.
func (p *Pool) chromeHealthy(pc *PooledContext) bool {
	if pc.ctx.Err() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(pc.ctx, 5*time.Second)
	defer cancel()
	var one int
	return chromedp.Run(probeCtx, chromedp.Evaluate("1", &one)) == nil && one == 1
}

// Acquire returns a warm context or creates a fresh one, blocking up to
// the acquire timeout when the pool is at its ceiling.
func (p *Pool) Acquire(ctx context.Context) (*PooledContext, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.warm) > 0 {
		pc := p.warm[len(p.warm)-1]
		p.warm = p.warm[:len(p.warm)-1]
		p.mu.Unlock()

		// Warm contexts already hold a permit; a stale one gives it back.
		if !p.overAge(pc) && p.healthCheck(pc) {
			return pc, nil
		}
		p.destroy(pc)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
	}
	p.mu.Unlock()

	acquireCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}

	pc, err := p.newContext()
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return pc, nil
}

// Release returns a context to the pool. Unhealthy, over-age, or surplus
// contexts are destroyed instead of parked.
func (p *Pool) Release(pc *PooledContext) {
	if pc == nil {
		return
	}
	if p.overAge(pc) || !p.healthCheck(pc) {
		p.destroy(pc)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.warm) >= p.cfg.WarmTarget {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	p.warm = append(p.warm, pc)
	p.mu.Unlock()
}

// overAge reports whether a context has outlived the configured maximum.
// A zero MaxAge means contexts never age out.
func (p *Pool) overAge(pc *PooledContext) bool {
	return p.cfg.MaxAge > 0 && pc.Age() >= p.cfg.MaxAge
}

// destroy tears down a context and frees its permit.
func (p *Pool) destroy(pc *PooledContext) {
	pc.cancel()
	p.sem.Release(1)
}

// fill creates warm contexts up to the target without exceeding the
// ceiling. Creation failures are logged and retried on the next pass.
func (p *Pool) fill() {
	for {
		p.mu.Lock()
		if p.closed || len(p.warm) >= p.cfg.WarmTarget {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if !p.sem.TryAcquire(1) {
			return
		}
		pc, err := p.newContext()
		if err != nil {
			p.sem.Release(1)
			p.logger.Warn("Failed to warm a browser context.", zap.Error(err))
			return
		}

		p.mu.Lock()
		if p.closed || len(p.warm) >= p.cfg.WarmTarget {
			p.mu.Unlock()
			p.destroy(pc)
			return
		}
		p.warm = append(p.warm, pc)
		p.mu.Unlock()
	}
}

// Maintain replenishes the warm set and retires over-age warm contexts
// until ctx is canceled.
func (p *Pool) Maintain(ctx context.Context) {
	interval := p.cfg.MaintainInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.retireAged()
			p.fill()
		}
	}
}

// retireAged discards warm contexts past their maximum age.
func (p *Pool) retireAged() {
	p.mu.Lock()
	var keep, aged []*PooledContext
	for _, pc := range p.warm {
		if p.overAge(pc) {
			aged = append(aged, pc)
		} else {
			keep = append(keep, pc)
		}
	}
	p.warm = keep
	p.mu.Unlock()

	for _, pc := range aged {
		p.destroy(pc)
	}
	if len(aged) > 0 {
		p.logger.Debug("Retired aged warm contexts.", zap.Int("count", len(aged)))
	}
}

// WarmCount returns the number of parked warm contexts.
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// Shutdown destroys warm contexts and terminates the browser process.
// Leased contexts are expected to have been released by session teardown
// before this is called.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	for _, pc := range warm {
		p.destroy(pc)
	}

	if p.allocCancel != nil {
		p.logger.Info("Shutting down browser process...")
		p.allocCancel()
		select {
		case <-p.allocCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
