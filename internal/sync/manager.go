package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opManagerNew = "sync.manager.new"
	opManagerRun = "sync.manager.run"

	malformedBurstThreshold = 5
	malformedBurstWindow    = 30 * time.Second
)

var (
	errMissingTransport = errors.New("transport is required")
	errMissingEngine    = errors.New("merge engine is required")
)

// Transport opens one realtime connection covering the watched tables. The
// returned channel closes when the connection drops; the manager owns
// reconnection.
type Transport interface {
	Open(ctx context.Context, tables []string) (<-chan RemoteChange, error)
}

// Snapshots serves a full read of one remote table. After a reconnect the
// manager replays a snapshot because events missed during the gap are
// unrecoverable.
type Snapshots interface {
	Snapshot(ctx context.Context, table string) ([]map[string]any, error)
}

// Health reports the manager's sync condition for UI surfacing.
type Health struct {
	Connected bool
	Degraded  bool
	LastError string
}

// ManagerConfig wires the Manager's dependencies.
type ManagerConfig struct {
	Transport        Transport
	Snapshots        Snapshots
	Engine           *Engine
	Tables           []string
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Manager maintains the realtime subscription across the watched tables,
// normalizes incoming changes, and feeds them to the merge engine. On a
// transport drop it reconnects with capped backoff and resyncs a full
// snapshot of every watched table before consuming new events; until a failed
// resync lands, Health reports the sync as degraded.
type Manager struct {
	transport Transport
	snapshots Snapshots
	engine    *Engine
	tables    []string
	minWait   time.Duration
	maxWait   time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu             sync.Mutex
	connected      bool
	degraded       bool
	lastError      string
	malformedCount int
	malformedSince time.Time
}

// NewManager constructs a realtime subscription manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%s: %w", opManagerNew, errMissingTransport)
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%s: %w", opManagerNew, errMissingEngine)
	}
	minWait := cfg.ReconnectMinWait
	if minWait <= 0 {
		minWait = time.Second
	}
	maxWait := cfg.ReconnectMaxWait
	if maxWait < minWait {
		maxWait = 30 * time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport: cfg.Transport,
		snapshots: cfg.Snapshots,
		engine:    cfg.Engine,
		tables:    cfg.Tables,
		minWait:   minWait,
		maxWait:   maxWait,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Run consumes the realtime feed until ctx ends. It only returns early when
// the context is cancelled; transport failures are retried indefinitely.
func (m *Manager) Run(ctx context.Context) error {
	wait := m.minWait
	reconnecting := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		changes, err := m.transport.Open(ctx, m.tables)
		if err != nil {
			m.setConnected(false, err)
			m.logger.Warn("realtime transport open failed",
				zap.String("operation", opManagerRun),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			wait = nextWait(wait, m.maxWait)
			reconnecting = true
			continue
		}

		wait = m.minWait
		m.setConnected(true, nil)
		if reconnecting {
			// Events missed during the gap are unrecoverable, so a failed
			// snapshot cannot be shrugged off: mark the sync degraded and keep
			// retrying with the same capped backoff until the replay lands.
			resyncWait := m.minWait
			for {
				err := m.resync(ctx)
				if err == nil {
					m.clearDegraded()
					break
				}
				m.markDegraded(err)
				m.logger.Warn("post-reconnect resync failed",
					zap.String("operation", opManagerRun),
					zap.Duration("retry_in", resyncWait),
					zap.Error(err))
				if !sleepCtx(ctx, resyncWait) {
					return ctx.Err()
				}
				resyncWait = nextWait(resyncWait, m.maxWait)
			}
		}
		reconnecting = true

		m.consume(ctx, changes)
		m.setConnected(false, errors.New("realtime feed closed"))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Info("realtime feed dropped, reconnecting",
			zap.String("operation", opManagerRun))
	}
}

// Health reports the current sync condition.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Health{Connected: m.connected, Degraded: m.degraded, LastError: m.lastError}
}

func (m *Manager) consume(ctx context.Context, changes <-chan RemoteChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			event, err := Normalize(change, m.clock().UTC())
			if err != nil {
				m.recordMalformed(err)
				continue
			}
			m.recordHealthy()
			m.engine.Enqueue(event)
		}
	}
}

// resync replays full snapshots of the watched tables through the merge
// rules, so stale replays within the snapshot cannot regress the cache.
func (m *Manager) resync(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}
	for _, table := range m.tables {
		rows, err := m.snapshots.Snapshot(ctx, table)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", table, err)
		}
		for _, row := range rows {
			event, err := Normalize(RemoteChange{Type: string(OpUpdate), Table: table, Record: row}, m.clock().UTC())
			if err != nil {
				m.recordMalformed(err)
				continue
			}
			m.engine.Enqueue(event)
		}
		m.logger.Debug("table resynced",
			zap.String("operation", opManagerRun),
			zap.String("table", table),
			zap.Int("rows", len(rows)))
	}
	return nil
}

func (m *Manager) recordMalformed(err error) {
	m.logger.Warn("malformed realtime event skipped",
		zap.String("operation", opManagerRun),
		zap.Error(err))

	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.malformedCount == 0 || now.Sub(m.malformedSince) > malformedBurstWindow {
		m.malformedSince = now
		m.malformedCount = 0
	}
	m.malformedCount++
	if m.malformedCount >= malformedBurstThreshold {
		m.degraded = true
	}
}

func (m *Manager) markDegraded(err error) {
	m.mu.Lock()
	m.degraded = true
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) clearDegraded() {
	m.mu.Lock()
	m.degraded = false
	m.lastError = ""
	m.malformedCount = 0
	m.mu.Unlock()
}

func (m *Manager) recordHealthy() {
	m.mu.Lock()
	m.malformedCount = 0
	m.degraded = false
	m.mu.Unlock()
}

func (m *Manager) setConnected(connected bool, err error) {
	m.mu.Lock()
	m.connected = connected
	if err != nil {
		m.lastError = err.Error()
	} else {
		m.lastError = ""
	}
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextWait(current, max time.Duration) time.Duration {
	doubled := current * 2
	if doubled > max {
		return max
	}
	return doubled
}
