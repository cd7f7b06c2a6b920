// Package coordinator polls a fetch function on an interval, caches the last
// good value and notifies listeners after every refresh.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/srpenergy/pkg/log"
	"github.com/raterudder/srpenergy/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// FetchFunc retrieves a fresh value.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Listener is called after every refresh, successful or not.
type Listener func()

// Config describes a Coordinator.
type Config[T any] struct {
	// Name identifies the coordinator in logs and metrics.
	Name string
	// Interval between refreshes in Run.
	Interval time.Duration
	// Timeout bounds a single fetch. Zero means no extra bound.
	Timeout time.Duration
	// Cooldown is the minimum time between a successful refresh and a
	// refresh made through RequestRefresh.
	Cooldown time.Duration
	Fetch    FetchFunc[T]
}

// Coordinator fetches on an interval and caches the last successful value.
// At most one fetch is in flight at a time.
type Coordinator[T any] struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	cooldown time.Duration
	fetch    FetchFunc[T]
	now      func() time.Time

	group singleflight.Group

	mu                sync.RWMutex
	data              T
	seeded            bool
	lastUpdateSuccess bool
	lastUpdate        time.Time
	lastSuccess       time.Time
	lastErr           error
	listeners         map[int]Listener
	nextListenerID    int
}

// New returns a Coordinator for cfg. It does not fetch until Refresh or Run
// is called.
func New[T any](cfg Config[T]) *Coordinator[T] {
	if cfg.Fetch == nil {
		panic(fmt.Sprintf("coordinator %s: fetch is required", cfg.Name))
	}
	if cfg.Interval <= 0 {
		panic(fmt.Sprintf("coordinator %s: interval must be positive", cfg.Name))
	}
	return &Coordinator[T]{
		name:     cfg.Name,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		cooldown: cfg.Cooldown,
		fetch:    cfg.Fetch,
		now:      time.Now,
		// the host assumes success until told otherwise
		lastUpdateSuccess: true,
		listeners:         make(map[int]Listener),
	}
}

// Name returns the coordinator name.
func (c *Coordinator[T]) Name() string {
	return c.name
}

// Interval returns the refresh interval.
func (c *Coordinator[T]) Interval() time.Duration {
	return c.interval
}

// Data returns the last successfully fetched value and whether any fetch has
// ever succeeded.
func (c *Coordinator[T]) Data() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.seeded
}

// LastUpdateSuccess reports whether the most recent refresh succeeded.
func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateSuccess
}

// LastUpdate returns when the most recent refresh finished.
func (c *Coordinator[T]) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// LastError returns the error from the most recent refresh, if it failed.
func (c *Coordinator[T]) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// AddListener registers fn to be called after each refresh. The returned
// function removes it.
func (c *Coordinator[T]) AddListener(fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Refresh fetches a new value now. Concurrent callers share a single fetch
// and its result. Canceling ctx stops the wait but not the shared fetch, which
// is bounded by the fetch timeout instead.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.refresh(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRefresh refreshes unless the last successful refresh happened within
// the cooldown.
func (c *Coordinator[T]) RequestRefresh(ctx context.Context) error {
	c.mu.RLock()
	recent := c.cooldown > 0 && c.lastUpdateSuccess && !c.lastSuccess.IsZero() && c.now().Sub(c.lastSuccess) < c.cooldown
	c.mu.RUnlock()
	if recent {
		log.Ctx(ctx).DebugContext(ctx, "skipping requested refresh during cooldown", slog.String("coordinator", c.name))
		return nil
	}
	return c.Refresh(ctx)
}

func (c *Coordinator[T]) refresh(ctx context.Context) (err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := c.now()
	var data T
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("fetch panicked: %v", r)
			}
		}()
		data, err = c.fetch(ctx)
	}()
	finished := c.now()

	metrics.RefreshesTotal.WithLabelValues(c.name, metrics.Result(err)).Inc()
	metrics.RefreshDuration.WithLabelValues(c.name).Observe(finished.Sub(start).Seconds())

	c.mu.Lock()
	wasSuccess := c.lastUpdateSuccess
	c.lastUpdate = finished
	if err != nil {
		c.lastUpdateSuccess = false
		c.lastErr = err
	} else {
		c.data = data
		c.seeded = true
		c.lastUpdateSuccess = true
		c.lastSuccess = finished
		c.lastErr = nil
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	if err != nil {
		metrics.LastUpdateSuccess.WithLabelValues(c.name).Set(0)
		// only log loudly on the transition to failing
		if wasSuccess {
			log.Ctx(ctx).ErrorContext(ctx, "error fetching data", slog.String("coordinator", c.name), slog.Any("error", err))
		} else {
			log.Ctx(ctx).DebugContext(ctx, "error fetching data", slog.String("coordinator", c.name), slog.Any("error", err))
		}
	} else {
		metrics.LastUpdateSuccess.WithLabelValues(c.name).Set(1)
		if !wasSuccess {
			log.Ctx(ctx).InfoContext(ctx, "fetching data recovered", slog.String("coordinator", c.name))
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"finished fetching data",
			slog.String("coordinator", c.name),
			slog.Duration("took", finished.Sub(start)),
		)
	}

	for _, l := range listeners {
		l()
	}
	return err
}

// Run refreshes every interval until ctx is done. It does not refresh
// immediately; callers wanting data before the first tick should call Refresh
// first.
func (c *Coordinator[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).DebugContext(ctx, "stopping coordinator", slog.String("coordinator", c.name))
			return
		case <-ticker.C:
			// errors are recorded on the coordinator and already logged
			_ = c.Refresh(ctx)
		}
	}
}
