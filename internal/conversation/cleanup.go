package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/sage/internal/clock"
)

const (
	// DefaultCleanupInterval is the default interval between idle sweeps.
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultIdleTTL is how long a session may go without activity.
	DefaultIdleTTL = 45 * time.Minute
)

// Expirer ends and removes sessions that have been idle for longer than maxIdle.
type Expirer interface {
	ExpireIdle(maxIdle time.Duration) int
}

// CleanupService periodically asks an Expirer to reap idle sessions.
type CleanupService struct {
	expirer  Expirer
	clock    clock.Clock
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	idleTTL  time.Duration
	mu       sync.Mutex
	running  bool
}

// NewCleanupService creates a cleanup service with default interval and TTL.
func NewCleanupService(expirer Expirer, clk clock.Clock) *CleanupService {
	return NewCleanupServiceWithInterval(expirer, clk, DefaultCleanupInterval, DefaultIdleTTL)
}

// NewCleanupServiceWithInterval creates a cleanup service with custom timing.
func NewCleanupServiceWithInterval(expirer Expirer, clk clock.Clock, interval, idleTTL time.Duration) *CleanupService {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &CleanupService{
		expirer:  expirer,
		clock:    clk,
		interval: interval,
		idleTTL:  idleTTL,
	}
}

// Start begins the periodic sweep. Starting a running service is a no-op.
func (c *CleanupService) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	cleanupCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	// Register the ticker before returning so callers driving a fake
	// clock can advance immediately.
	ticker := c.clock.NewTicker(c.interval)
	go c.run(cleanupCtx, ticker, c.done)

	return nil
}

// Stop stops the sweep and waits for it to exit.
func (c *CleanupService) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// IsRunning returns whether the sweep is active.
func (c *CleanupService) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *CleanupService) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer func() {
		ticker.Stop()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	logger := slog.Default().With(slog.String("component", "conversation.cleanup"))

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "Cleanup service stopping")
			return
		case <-ticker.C:
			if removed := c.expirer.ExpireIdle(c.idleTTL); removed > 0 {
				logger.InfoContext(ctx, "Expired idle sessions",
					slog.Int("removed", removed),
					slog.Duration("idle_ttl", c.idleTTL),
				)
			}
		}
	}
}
