package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/sage/internal/clock"
)

// ErrStopped is returned by Schedule after CancelAll.
var ErrStopped = errors.New("scheduler stopped")

// group holds the tasks of a single key.
type group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[uint64]clock.Timer
	running int
}

// Deferred is the clock-driven Scheduler implementation.
type Deferred struct {
	clock  clock.Clock
	logger *slog.Logger
	groups map[string]*group
	wg     sync.WaitGroup
	mu     sync.Mutex
	nextID uint64
	closed bool
}

// Option configures a Deferred scheduler.
type Option func(*Deferred)

// WithLogger sets the logger used for task panics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deferred) {
		d.logger = logger
	}
}

// NewDeferred creates a scheduler driven by clk.
func NewDeferred(clk clock.Clock, opts ...Option) *Deferred {
	d := &Deferred{
		clock:  clk,
		logger: slog.Default().With(slog.String("component", "scheduler")),
		groups: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ Scheduler = (*Deferred)(nil)

// Schedule implements Scheduler.
func (d *Deferred) Schedule(key string, delay time.Duration, task Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStopped
	}

	g, ok := d.groups[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		g = &group{ctx: ctx, cancel: cancel, timers: make(map[uint64]clock.Timer)}
		d.groups[key] = g
	}

	d.nextID++
	id := d.nextID
	d.wg.Add(1)
	// Registered before AfterFunc so that a zero delay on the fake
	// clock, which fires inline, finds its own entry.
	g.timers[id] = nil
	d.mu.Unlock()

	timer := d.clock.AfterFunc(delay, func() { d.fire(key, g, id, task) })

	d.mu.Lock()
	if _, pending := g.timers[id]; pending {
		g.timers[id] = timer
	}
	d.mu.Unlock()
	return nil
}

func (d *Deferred) fire(key string, g *group, id uint64, task Task) {
	defer d.wg.Done()

	d.mu.Lock()
	if _, pending := g.timers[id]; !pending {
		d.mu.Unlock()
		return
	}
	delete(g.timers, id)
	g.running++
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deferred task panicked",
				slog.String("key", key),
				slog.Any("panic", r))
		}
		d.mu.Lock()
		g.running--
		d.dropIfIdleLocked(key, g)
		d.mu.Unlock()
	}()

	task(g.ctx)
}

// dropIfIdleLocked forgets a group with nothing pending or running.
func (d *Deferred) dropIfIdleLocked(key string, g *group) {
	if len(g.timers) > 0 || g.running > 0 {
		return
	}
	if d.groups[key] == g {
		delete(d.groups, key)
	}
	g.cancel()
}

// Cancel implements Scheduler.
func (d *Deferred) Cancel(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[key]
	if !ok {
		return 0
	}
	delete(d.groups, key)
	return d.cancelGroupLocked(g)
}

func (d *Deferred) cancelGroupLocked(g *group) int {
	dropped := 0
	for id, timer := range g.timers {
		delete(g.timers, id)
		dropped++
		if timer != nil && timer.Stop() {
			d.wg.Done()
		}
	}
	g.cancel()
	return dropped
}

// CancelAll implements Scheduler.
func (d *Deferred) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for key, g := range d.groups {
		delete(d.groups, key)
		d.cancelGroupLocked(g)
	}
}

// Pending implements Scheduler.
func (d *Deferred) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if g, ok := d.groups[key]; ok {
		return len(g.timers)
	}
	return 0
}

// Wait blocks until every task that was not stopped before firing has
// returned. Must not be called while holding a lock a task needs.
func (d *Deferred) Wait() {
	d.wg.Wait()
}
