// Package coordinator schedules refreshes of a cached value and serves the
// latest successful result to many readers
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/baely/monzo/internal/common/errors"
)

// DefaultTimeout bounds a single refresh
const DefaultTimeout = 10 * time.Second

// RefreshFunc produces a complete new value. It must not return a partially
// built value alongside a nil error.
type RefreshFunc[T any] func(ctx context.Context) (T, error)

// Update is delivered to subscribers after every refresh attempt
type Update[T any] struct {
	Data    T
	HasData bool
	Err     error
}

// Status describes the freshness of the cached value
type Status struct {
	Name        string    `json:"name"`
	Available   bool      `json:"available"`
	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	Refreshes   int64     `json:"refreshes"`
}

// Config contains configuration for a Coordinator
type Config[T any] struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Refresh  RefreshFunc[T]
	Logger   *slog.Logger
}

// Coordinator owns a single cached value, refreshed on an interval or on
// demand. At most one refresh runs at a time; callers arriving while one is
// in flight wait for it and share its result.
type Coordinator[T any] struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	refresh  RefreshFunc[T]
	logger   *slog.Logger

	data  atomic.Pointer[T]
	group singleflight.Group
	count atomic.Int64

	mutex       sync.RWMutex
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
	subscribers map[int]func(Update[T])
	nextID      int
}

// New creates a Coordinator. Nothing is fetched until Refresh or Run is
// called.
func New[T any](cfg Config[T]) *Coordinator[T] {
	c := &Coordinator[T]{
		name:        cfg.Name,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		refresh:     cfg.Refresh,
		logger:      cfg.Logger,
		subscribers: make(map[int]func(Update[T])),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Data returns the latest successfully refreshed value
func (c *Coordinator[T]) Data() (T, bool) {
	p := c.data.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Refresh runs a refresh, or joins the one already in flight, and returns
// its error. The refresh itself is not cancelled when ctx is; ctx only
// bounds how long this caller waits.
func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	ch := c.group.DoChan(c.name, func() (interface{}, error) {
		return nil, c.run(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceRefresh requests an out-of-band refresh without waiting for it
func (c *Coordinator[T]) ForceRefresh() {
	go func() {
		if err := c.Refresh(context.Background()); err != nil {
			c.logger.Warn("Forced refresh failed", "coordinator", c.name, "error", err)
		}
	}()
}

func (c *Coordinator[T]) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	data, err := c.refresh(ctx)
	c.count.Add(1)

	c.mutex.Lock()
	c.lastAttempt = started
	if err != nil {
		err = fmt.Errorf("%w: %w", errors.ErrUnavailable, err)
		c.lastErr = err
	} else {
		c.data.Store(&data)
		c.lastSuccess = started
		c.lastErr = nil
	}
	subscribers := make([]func(Update[T]), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.mutex.Unlock()

	if err != nil {
		c.logger.Warn("Refresh failed, keeping previous data",
			"coordinator", c.name,
			"duration", time.Since(started).String(),
			"error", err)
	} else {
		c.logger.Debug("Refresh complete",
			"coordinator", c.name,
			"duration", time.Since(started).String())
	}

	update := Update[T]{Err: err}
	update.Data, update.HasData = c.Data()
	for _, fn := range subscribers {
		fn(update)
	}

	return err
}

// fresh reports whether the last success happened less than an interval ago
func (c *Coordinator[T]) fresh() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interval > 0 && !c.lastSuccess.IsZero() && time.Since(c.lastSuccess) < c.interval
}

// Subscribe registers fn to be called after every refresh attempt. The
// returned function removes the subscription.
func (c *Coordinator[T]) Subscribe(fn func(Update[T])) func() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.subscribers, id)
	}
}

// Status reports when the value was last refreshed and whether the last
// attempt succeeded
func (c *Coordinator[T]) Status() Status {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	status := Status{
		Name:        c.name,
		Available:   c.data.Load() != nil && c.lastErr == nil,
		LastAttempt: c.lastAttempt,
		LastSuccess: c.lastSuccess,
		Refreshes:   c.count.Load(),
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Run refreshes immediately, unless the data is younger than one interval,
// and then on every interval until ctx is done. Failed refreshes are logged
// and retried on the next tick.
func (c *Coordinator[T]) Run(ctx context.Context) error {
	c.logger.Info("Starting coordinator", "coordinator", c.name, "interval", c.interval.String())

	if !c.fresh() {
		_ = c.Refresh(ctx)
	}

	if c.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping coordinator", "coordinator", c.name)
			return nil
		case <-ticker.C:
			_ = c.Refresh(ctx)
		}
	}
}
