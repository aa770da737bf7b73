package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
)

// Op enumerates the change operations carried by the realtime feed.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

var (
	// ErrMalformedChange indicates a change notification that cannot be
	// normalized. The manager logs and skips these without halting the feed.
	ErrMalformedChange = errors.New("sync: malformed change notification")
)

// RemoteChange is the raw change notification shape pushed by the backend:
// record is present for INSERT/UPDATE, old_record for UPDATE/DELETE.
type RemoteChange struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record,omitempty"`
	OldRecord map[string]any `json:"old_record,omitempty"`
}

// Event is the normalized per-entity change handed to the merge engine.
// Payload is nil for deletes.
type Event struct {
	Op         Op
	Table      string
	Key        []any
	Payload    cache.Record
	ObservedAt time.Time
}

// EntityKey returns the debounce identity for a table row.
func EntityKey(table string, keyValues ...any) string {
	parts := make([]string, 0, len(keyValues)+1)
	parts = append(parts, table)
	for _, value := range keyValues {
		parts = append(parts, fmt.Sprint(value))
	}
	return strings.Join(parts, "|")
}

// EntityKey returns the event's debounce identity.
func (e Event) EntityKey() string {
	return EntityKey(e.Table, e.Key...)
}

// Normalize translates a raw change notification into an Event, mapping the
// carried row through the table's record mapper.
func Normalize(change RemoteChange, observedAt time.Time) (Event, error) {
	op := Op(strings.ToUpper(strings.TrimSpace(change.Type)))
	switch op {
	case OpInsert, OpUpdate:
		if change.Record == nil {
			return Event{}, fmt.Errorf("%w: %s without record", ErrMalformedChange, op)
		}
		record, err := cache.MapRow(change.Table, change.Record)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformedChange, err)
		}
		key, err := cache.KeyOf(record)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformedChange, err)
		}
		return Event{Op: op, Table: change.Table, Key: key, Payload: record, ObservedAt: observedAt}, nil
	case OpDelete:
		if change.OldRecord == nil {
			return Event{}, fmt.Errorf("%w: DELETE without old_record", ErrMalformedChange)
		}
		record, err := cache.MapRow(change.Table, change.OldRecord)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformedChange, err)
		}
		key, err := cache.KeyOf(record)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformedChange, err)
		}
		return Event{Op: OpDelete, Table: change.Table, Key: key, ObservedAt: observedAt}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown op %q", ErrMalformedChange, change.Type)
	}
}
