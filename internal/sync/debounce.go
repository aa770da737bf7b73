package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultDebounceWindow = time.Second

var errMissingApplier = errors.New("applier is required")

const (
	opEngineNew  = "sync.engine.new"
	opEngineFire = "sync.engine.fire"
)

// Applier writes one merged event into the local store. The boolean reports
// whether the cache actually changed.
type Applier interface {
	Apply(ctx context.Context, event Event) (bool, error)
}

// Interceptor may claim an event before it enters the debounce table. The
// mutation coordinator uses this to buffer server events for keys with an
// optimistic write in flight.
type Interceptor interface {
	Intercept(event Event) bool
}

// EngineConfig wires the Engine's dependencies.
type EngineConfig struct {
	Applier     Applier
	Notifier    *Notifier
	Interceptor Interceptor
	Window      time.Duration
	Logger      *zap.Logger
}

// Engine coalesces bursts of events per entity key: within the window the
// latest event replaces the pending one, except that a DELETE always wins.
// When a key's timer fires the engine applies the merge rules once and
// publishes one notification. Keys are independent; one key's burst never
// delays another key's timer.
type Engine struct {
	mu          sync.Mutex
	pending     map[string]*pendingEntry
	applier     Applier
	notifier    *Notifier
	interceptor Interceptor
	window      time.Duration
	logger      *zap.Logger
	closed      bool
}

type pendingEntry struct {
	event Event
	timer *time.Timer
}

// NewEngine constructs a debounced merge engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Applier == nil {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingApplier)
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		pending:     make(map[string]*pendingEntry),
		applier:     cfg.Applier,
		notifier:    cfg.Notifier,
		interceptor: cfg.Interceptor,
		window:      window,
		logger:      logger,
	}, nil
}

// SetInterceptor installs the interceptor after construction. The mutation
// coordinator needs the engine as its event sink, so the two are wired in
// two steps.
func (e *Engine) SetInterceptor(interceptor Interceptor) {
	e.mu.Lock()
	e.interceptor = interceptor
	e.mu.Unlock()
}

// Enqueue schedules an event for merging. Repeated events for the same key
// within the window collapse into the latest one; a pending DELETE survives
// any later INSERT or UPDATE inside the same window.
func (e *Engine) Enqueue(event Event) {
	e.mu.Lock()
	interceptor := e.interceptor
	e.mu.Unlock()
	if interceptor != nil && interceptor.Intercept(event) {
		return
	}

	key := event.EntityKey()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if entry, ok := e.pending[key]; ok {
		entry.timer.Stop()
		if entry.event.Op != OpDelete || event.Op == OpDelete {
			entry.event = event
		}
		entry.timer = e.startTimer(key)
		return
	}

	e.pending[key] = &pendingEntry{
		event: event,
		timer: e.startTimer(key),
	}
}

// Flush applies every pending event immediately. Used on shutdown so queued
// changes are not lost, and by tests for determinism.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	keys := make([]string, 0, len(e.pending))
	for key, entry := range e.pending {
		entry.timer.Stop()
		keys = append(keys, key)
	}
	e.mu.Unlock()

	for _, key := range keys {
		e.fire(ctx, key)
	}
}

// Close stops accepting events and flushes the pending table. A key's fire
// is serialized by the pending-table pop, so a timer racing Close applies at
// most once.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.Flush(context.Background())
}

func (e *Engine) startTimer(key string) *time.Timer {
	return time.AfterFunc(e.window, func() {
		e.fire(context.Background(), key)
	})
}

func (e *Engine) fire(ctx context.Context, key string) {
	e.mu.Lock()
	entry, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	applied, err := e.applier.Apply(ctx, entry.event)
	if err != nil {
		// One bad event must not halt the feed; it is logged and dropped.
		e.logger.Error("merge apply failed",
			zap.String("operation", opEngineFire),
			zap.String("entity_key", key),
			zap.String("table", entry.event.Table),
			zap.Error(err))
		return
	}
	if !applied || e.notifier == nil {
		return
	}
	e.notifier.Publish(Notification{
		Table:     entry.event.Table,
		Key:       entry.event.Key,
		Op:        entry.event.Op,
		Timestamp: entry.event.ObservedAt,
	})
}
