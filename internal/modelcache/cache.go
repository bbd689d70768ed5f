// Package modelcache holds expensive model instances shared by concurrent
// transcription jobs.
//
// A [Cache] maps a [Key] (capability, language, device) to one loaded value.
// Concurrent first use of a key blocks every caller on the same in-flight
// load; a failed load is reported to all of them and is not cached, so the
// next request tries again. Callers borrow values through reference-counted
// [Handle]s. Values stay loaded until [Cache.Evict] or [Cache.Close].
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/meetflow/internal/observe"
)

// Capability names the kind of model a key refers to.
type Capability string

const (
	CapabilityTranscribe Capability = "transcribe"
	CapabilityAlign      Capability = "align"
)

// AnyLanguage is the language of a model that serves every language.
const AnyLanguage = "*"

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("modelcache: cache closed")

	// ErrInUse is returned by Evict when handles to the key are outstanding.
	ErrInUse = errors.New("modelcache: model in use")
)

// Key identifies one cached model.
type Key struct {
	Capability Capability
	Language   string
	Device     string
}

func (k Key) String() string {
	return string(k.Capability) + "/" + k.Language + "/" + k.Device
}

// Loader loads the model for key. It runs at most once concurrently per key
// and with a context detached from any single caller's cancellation.
type Loader[T io.Closer] func(ctx context.Context, key Key) (T, error)

type entry[T io.Closer] struct {
	value T
	refs  int
}

// Cache is a thread-safe, single-flight registry of loaded models.
type Cache[T io.Closer] struct {
	load    Loader[T]
	metrics *observe.Metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[Key]*entry[T]
	closed  bool

	loads     atomic.Int64
	preloaded atomic.Bool
}

// Option configures a [Cache].
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics records load counts and latency on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates an empty cache that loads missing keys with load.
func New[T io.Closer](load Loader[T], opts ...Option) *Cache[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return &Cache[T]{
		load:    load,
		metrics: o.metrics,
		entries: make(map[Key]*entry[T]),
	}
}

// Handle is a borrowed reference to a cached model. Release it when done;
// the value must not be used afterwards.
type Handle[T io.Closer] struct {
	cache *Cache[T]
	key   Key
	value T
	once  sync.Once
}

// Value returns the cached model.
func (h *Handle[T]) Value() T { return h.value }

// Key returns the key the handle was acquired for.
func (h *Handle[T]) Key() Key { return h.key }

// Release returns the reference to the cache. Further calls are no-ops.
func (h *Handle[T]) Release() {
	h.once.Do(func() { h.cache.release(h.key) })
}

// Acquire returns a handle to the model for key, loading it on first use.
// Callers racing on an unloaded key share one load. If ctx ends while waiting,
// Acquire returns ctx.Err() and the load continues for the other waiters.
func (c *Cache[T]) Acquire(ctx context.Context, key Key) (*Handle[T], error) {
	for {
		if h, ok, err := c.tryAcquire(key); ok || err != nil {
			return h, err
		}

		ch := c.group.DoChan(key.String(), func() (any, error) {
			return nil, c.loadEntry(context.WithoutCancel(ctx), key)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		// Loop: take the reference under the lock. If the entry was evicted
		// between load and now, the next iteration loads it again.
	}
}

// tryAcquire takes a reference when key is loaded. ok is false when the
// caller must load.
func (c *Cache[T]) tryAcquire(key Key) (*Handle[T], bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}
	e, found := c.entries[key]
	if !found {
		return nil, false, nil
	}
	e.refs++
	return &Handle[T]{cache: c, key: key, value: e.value}, true, nil
}

func (c *Cache[T]) loadEntry(ctx context.Context, key Key) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	start := time.Now()
	value, err := c.load(ctx, key)
	c.loads.Add(1)
	c.metrics.RecordModelLoad(ctx, string(key.Capability), observe.Status(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("modelcache: load %s: %w", key, err)
	}
	slog.Info("model loaded", "key", key.String(), "duration", time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		value.Close() //nolint:errcheck // cache shut down during load
		return ErrClosed
	}
	c.entries[key] = &entry[T]{value: value}
	return nil
}

func (c *Cache[T]) release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.refs > 0 {
		e.refs--
	}
}

// Preload loads every key and marks the cache as preloaded, even when some
// loads fail. The returned error joins all failures.
func (c *Cache[T]) Preload(ctx context.Context, keys ...Key) error {
	defer c.preloaded.Store(true)

	var errs []error
	for _, key := range keys {
		h, err := c.Acquire(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		h.Release()
	}
	return errors.Join(errs...)
}

// Preloaded reports whether Preload has finished.
func (c *Cache[T]) Preloaded() bool { return c.preloaded.Load() }

// Loads returns how many load attempts the cache has made.
func (c *Cache[T]) Loads() int64 { return c.loads.Load() }

// Len returns the number of loaded models.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evict unloads key. It returns ErrInUse while handles are outstanding and
// nil when key is not loaded.
func (c *Cache[T]) Evict(key Key) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if e.refs > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s has %d handles", ErrInUse, key, e.refs)
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if err := e.value.Close(); err != nil {
		return fmt.Errorf("modelcache: close %s: %w", key, err)
	}
	return nil
}

// Close unloads every model and rejects further Acquire calls. Handles still
// outstanding must not be used after Close.
func (c *Cache[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[Key]*entry[T])
	c.mu.Unlock()

	var errs []error
	for key, e := range entries {
		if e.refs > 0 {
			slog.Warn("closing model with outstanding handles", "key", key.String(), "refs", e.refs)
		}
		if err := e.value.Close(); err != nil {
			errs = append(errs, fmt.Errorf("modelcache: close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
