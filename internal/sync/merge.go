package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("cache store is required")

const (
	opMergeNew   = "sync.merger.new"
	opMergeApply = "sync.merge.apply"
)

// MergerConfig wires the Merger's dependencies.
type MergerConfig struct {
	Store  *cache.Store
	Logger *zap.Logger
}

// Merger applies normalized events to the local store under the per-table
// merge rules: monotonic timestamps for activity summaries and last-viewed
// markers, field replacement without reordering for messages, and plain
// last-write-wins for the remaining tables. Applying the same event twice
// converges to the same state.
type Merger struct {
	store  *cache.Store
	logger *zap.Logger
}

// NewMerger constructs a Merger.
func NewMerger(cfg MergerConfig) (*Merger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opMergeNew, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: cfg.Store, logger: logger}, nil
}

// Apply writes one event into the store. The boolean reports whether the
// cache changed; stale and duplicate events return false with no error.
func (m *Merger) Apply(ctx context.Context, event Event) (bool, error) {
	if event.Op == OpDelete {
		return m.applyDelete(ctx, event)
	}

	switch payload := event.Payload.(type) {
	case cache.ChannelActivity:
		return m.applyActivity(ctx, payload)
	case cache.ChannelMessage:
		return m.applyMessage(ctx, payload)
	case cache.LastViewedMarker:
		return m.applyLastViewed(ctx, payload)
	case cache.TenantRequest:
		return m.applyTenantRequest(ctx, payload)
	case cache.CachedUser:
		return true, cache.Put(ctx, m.store, payload)
	case cache.FollowRelation:
		return true, cache.Put(ctx, m.store, payload)
	case cache.UserLocation:
		return true, cache.Put(ctx, m.store, payload)
	case cache.PushSubscription:
		return true, cache.Put(ctx, m.store, payload)
	case nil:
		return false, fmt.Errorf("%s: %w: %s without payload", opMergeApply, ErrMalformedChange, event.Op)
	default:
		return false, fmt.Errorf("%s: %w: unsupported payload %T", opMergeApply, ErrMalformedChange, event.Payload)
	}
}

func (m *Merger) applyDelete(ctx context.Context, event Event) (bool, error) {
	switch event.Table {
	case cache.CachedUser{}.TableName():
		return true, deleteByKey[cache.CachedUser](ctx, m.store, event.Key)
	case cache.ChannelMessage{}.TableName():
		return true, deleteByKey[cache.ChannelMessage](ctx, m.store, event.Key)
	case cache.ChannelActivity{}.TableName():
		return true, deleteByKey[cache.ChannelActivity](ctx, m.store, event.Key)
	case cache.FollowRelation{}.TableName():
		return true, deleteByKey[cache.FollowRelation](ctx, m.store, event.Key)
	case cache.LastViewedMarker{}.TableName():
		return true, deleteByKey[cache.LastViewedMarker](ctx, m.store, event.Key)
	case cache.TenantRequest{}.TableName():
		return true, deleteByKey[cache.TenantRequest](ctx, m.store, event.Key)
	case cache.UserLocation{}.TableName():
		return true, deleteByKey[cache.UserLocation](ctx, m.store, event.Key)
	case cache.PushSubscription{}.TableName():
		return true, deleteByKey[cache.PushSubscription](ctx, m.store, event.Key)
	default:
		return false, fmt.Errorf("%s: %w: unknown table %q", opMergeApply, ErrMalformedChange, event.Table)
	}
}

func deleteByKey[R cache.Record](ctx context.Context, store *cache.Store, key []any) error {
	return cache.Delete[R](ctx, store, key...)
}

// applyActivity enforces the monotonic last_updated_at invariant: an event
// carrying a timestamp at or before the cached one is a duplicate or a stale
// replay and never changes the summary.
func (m *Merger) applyActivity(ctx context.Context, incoming cache.ChannelActivity) (bool, error) {
	existing, found, err := cache.Get[cache.ChannelActivity](ctx, m.store, incoming.ChannelUsername)
	if err != nil {
		return false, err
	}
	if found && incoming.LastUpdatedAtSeconds <= existing.LastUpdatedAtSeconds {
		return false, nil
	}
	return true, cache.Put(ctx, m.store, incoming)
}

// applyMessage replaces the fields of an existing message id without ever
// moving it in history: the stored created_at is kept on updates.
func (m *Merger) applyMessage(ctx context.Context, incoming cache.ChannelMessage) (bool, error) {
	existing, found, err := cache.Get[cache.ChannelMessage](ctx, m.store, incoming.MessageID)
	if err != nil {
		return false, err
	}
	if found {
		if incoming.UpdatedAtSeconds < existing.UpdatedAtSeconds {
			return false, nil
		}
		incoming.CreatedAtSeconds = existing.CreatedAtSeconds
	}
	return true, cache.Put(ctx, m.store, incoming)
}

func (m *Merger) applyLastViewed(ctx context.Context, incoming cache.LastViewedMarker) (bool, error) {
	existing, found, err := cache.Get[cache.LastViewedMarker](ctx, m.store, incoming.UserID, incoming.ChannelUsername)
	if err != nil {
		return false, err
	}
	if found && existing.ViewedAtSeconds >= incoming.ViewedAtSeconds {
		return false, nil
	}
	return true, cache.Put(ctx, m.store, incoming)
}

// applyTenantRequest lets the server value win while flagging transitions
// the status machine does not allow, such as approved straight to rejected.
// A reset to pending is an explicit admin action and is accepted.
func (m *Merger) applyTenantRequest(ctx context.Context, incoming cache.TenantRequest) (bool, error) {
	existing, found, err := cache.Get[cache.TenantRequest](ctx, m.store, incoming.RequestID)
	if err != nil {
		return false, err
	}
	if found && !validRequestTransition(existing.Status, incoming.Status) {
		m.logger.Warn("tenant request transition outside status machine, server value kept",
			zap.String("operation", opMergeApply),
			zap.String("request_id", incoming.RequestID),
			zap.String("from", string(existing.Status)),
			zap.String("to", string(incoming.Status)))
	}
	if found && existing.Status == incoming.Status && incoming.UpdatedAtSeconds <= existing.UpdatedAtSeconds {
		return false, nil
	}
	return true, cache.Put(ctx, m.store, incoming)
}

func validRequestTransition(from, to cache.RequestStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case cache.RequestStatusPending:
		return to == cache.RequestStatusApproved || to == cache.RequestStatusRejected
	case cache.RequestStatusApproved, cache.RequestStatusRejected:
		return to == cache.RequestStatusPending
	default:
		return false
	}
}
