package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/port"
)

// CacheSweeperConfig holds configuration for the upload cache sweeper
type CacheSweeperConfig struct {
	Interval time.Duration
	TTL      time.Duration
}

// DefaultCacheSweeperConfig returns default configuration
func DefaultCacheSweeperConfig() CacheSweeperConfig {
	return CacheSweeperConfig{
		Interval: 10 * time.Minute,
		TTL:      24 * time.Hour,
	}
}

// CacheSweeper periodically drops staged uploads that were never claimed
// by a resubmitted form.
type CacheSweeper struct {
	config CacheSweeperConfig
	cache  port.UploadCache
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	isRunning    bool
	removedTotal int
}

// NewCacheSweeper creates a new sweeper
func NewCacheSweeper(config CacheSweeperConfig, cache port.UploadCache, logger *zap.Logger) *CacheSweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultCacheSweeperConfig().Interval
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheSweeperConfig().TTL
	}
	return &CacheSweeper{
		config: config,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Start sweeps once and then on every tick until ctx is cancelled or Stop is called
func (w *CacheSweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isRunning {
		return fmt.Errorf("cache sweeper already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.isRunning = true

	w.logger.Info("CacheSweeper started",
		zap.Duration("interval", w.config.Interval),
		zap.Duration("ttl", w.config.TTL))

	go w.loop(runCtx, w.done)
	return nil
}

// Stop terminates the sweep loop and waits for it to exit
func (w *CacheSweeper) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.logger.Info("CacheSweeper stopped", zap.Int("removed_total", w.RemovedTotal()))
	return nil
}

// Name returns the worker name for identification
func (w *CacheSweeper) Name() string {
	return "CacheSweeper"
}

// RemovedTotal returns how many staged uploads this sweeper has removed
func (w *CacheSweeper) RemovedTotal() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removedTotal
}

// SweepOnce removes staged uploads older than the TTL
func (w *CacheSweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.config.TTL)
	removed, err := w.cache.Sweep(ctx, cutoff)

	w.mu.Lock()
	w.removedTotal += removed
	w.mu.Unlock()

	if err != nil {
		return removed, fmt.Errorf("failed to sweep upload cache: %w", err)
	}
	if removed > 0 {
		w.logger.Info("Swept expired staged uploads",
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

func (w *CacheSweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Cache sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
