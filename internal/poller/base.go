// Package poller runs periodic background work for the daemon: renewal resync,
// change-triggered CA backups, interval data snapshots and retention cleanup.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one periodic job.
type Task interface {
	// PollOnce performs a single cycle.
	PollOnce(ctx context.Context) error
}

// Cleaner is implemented by tasks that also prune old state on their own cadence.
type Cleaner interface {
	RunCleanup(ctx context.Context) error
}

// Config contains configuration for a poller.
type Config struct {
	// Name is the poller name for logging (e.g., "ca_backup").
	Name string

	// Interval is the time between two PollOnce calls.
	Interval time.Duration

	// CleanupInterval is how often RunCleanup runs for tasks implementing
	// Cleaner. Zero means once a day.
	CleanupInterval time.Duration

	// SkipInitial delays the first cycle by one Interval instead of running it
	// on Start.
	SkipInitial bool

	Logger zerolog.Logger
}

// BasePoller manages the poll loop, the cleanup loop and their lifecycle.
type BasePoller struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cfg     Config
	logger  zerolog.Logger
}

// NewBasePoller creates a poller whose loops stop when parentCtx is done or Stop is called.
func NewBasePoller(parentCtx context.Context, cfg Config) *BasePoller {
	ctx, cancel := context.WithCancel(parentCtx)
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	return &BasePoller{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("poller", cfg.Name).Logger(),
	}
}

// Start launches the loops. Starting a running poller is a no-op.
func (b *BasePoller) Start(task Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.logger.Info().
		Dur("interval", b.cfg.Interval).
		Msg("Starting poller")

	b.wg.Add(1)
	go b.pollLoop(task)

	if cleaner, ok := task.(Cleaner); ok {
		b.wg.Add(1)
		go b.cleanupLoop(cleaner)
	}

	b.running = true
	return nil
}

// Stop cancels the loops and waits for an in-flight cycle to return.
func (b *BasePoller) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.logger.Info().Msg("Stopping poller")

	b.cancel()
	b.wg.Wait()

	b.running = false
	return nil
}

// IsRunning returns whether the poller is currently running.
func (b *BasePoller) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *BasePoller) pollLoop(task Task) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	if !b.cfg.SkipInitial {
		b.runOnce(task)
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.runOnce(task)
		}
	}
}

func (b *BasePoller) runOnce(task Task) {
	if err := task.PollOnce(b.ctx); err != nil && b.ctx.Err() == nil {
		b.logger.Error().Err(err).Msg("Poll failed")
	}
}

func (b *BasePoller) cleanupLoop(cleaner Cleaner) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := cleaner.RunCleanup(b.ctx); err != nil {
				b.logger.Warn().Err(err).Msg("Cleanup failed")
			}
		}
	}
}
