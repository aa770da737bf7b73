package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	syncengine "github.com/MarcoPoloResearchLab/currents/clientcore/internal/sync"
	"go.uber.org/zap"
)

const (
	opCoordinatorNew = "channels.coordinator.new"
	opFollow         = "channels.follow"
	opUnfollow       = "channels.unfollow"
	opSendMessage    = "channels.send_message"
)

var (
	// ErrMutationInFlight rejects a second mutation for a key whose first
	// mutation has not resolved yet.
	ErrMutationInFlight = errors.New("channels: mutation already in flight for key")

	errMissingGateway = errors.New("gateway is required")
	errMissingIDs     = errors.New("id provider is required")
)

// Gateway performs the network writes behind optimistic mutations.
type Gateway interface {
	Follow(ctx context.Context, username, userID string) error
	Unfollow(ctx context.Context, username, userID string) error
	SendMessage(ctx context.Context, channel, text, userID string) (map[string]any, error)
}

// Enqueuer re-enqueues buffered realtime events once a mutation resolves.
type Enqueuer interface {
	Enqueue(event syncengine.Event)
}

// MutationState tracks one pending mutation's lifecycle.
type MutationState string

const (
	MutationOptimistic MutationState = "optimistic"
	MutationConfirmed  MutationState = "confirmed"
	MutationRolledBack MutationState = "rolled_back"
)

// CoordinatorConfig wires the Coordinator's dependencies.
type CoordinatorConfig struct {
	Store   *cache.Store
	Gateway Gateway
	Events  Enqueuer
	IDs     IDProvider
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Coordinator applies user-initiated writes locally before their network call
// resolves. Each mutation snapshots the prior cached state; a network failure
// restores that snapshot exactly. While a mutation is pending, realtime
// events for its key are buffered and only applied after resolution, so a
// server event cannot overwrite an in-flight optimistic value with stale
// pre-mutation data.
type Coordinator struct {
	store   *cache.Store
	gateway Gateway
	events  Enqueuer
	ids     IDProvider
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingMutation
}

type pendingMutation struct {
	state    MutationState
	buffered []syncengine.Event
}

// NewCoordinator constructs an optimistic mutation coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingStore)
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingGateway)
	}
	if cfg.IDs == nil {
		return nil, fmt.Errorf("%s: %w", opCoordinatorNew, errMissingIDs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:   cfg.Store,
		gateway: cfg.Gateway,
		events:  cfg.Events,
		ids:     cfg.IDs,
		clock:   clock,
		logger:  logger,
		pending: make(map[string]*pendingMutation),
	}, nil
}

// Intercept implements the merge engine's interceptor hook: events for keys
// with a pending mutation are buffered instead of merged.
func (c *Coordinator) Intercept(event syncengine.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutation, ok := c.pending[event.EntityKey()]
	if !ok {
		return false
	}
	mutation.buffered = append(mutation.buffered, event)
	return true
}

// Follow records a follow relation locally, then confirms it with the
// backend, rolling the cache back if the call fails.
func (c *Coordinator) Follow(ctx context.Context, userID, username string) error {
	key := syncengine.EntityKey(cache.FollowRelation{}.TableName(), userID, username)
	if err := c.begin(key); err != nil {
		return fmt.Errorf("%s.busy: %w", opFollow, err)
	}

	snapshot, existed, snapErr := cache.Get[cache.FollowRelation](ctx, c.store, userID, username)
	c.bestEffortPut(ctx, opFollow, cache.FollowRelation{
		UserID:           userID,
		ChannelUsername:  username,
		CreatedAtSeconds: c.clock().UTC().Unix(),
	})

	if err := c.gateway.Follow(ctx, username, userID); err != nil {
		c.rollbackFollow(ctx, opFollow, userID, username, snapshot, existed, snapErr)
		c.resolve(key, MutationRolledBack)
		return fmt.Errorf("%s.gateway_failed: %w", opFollow, err)
	}

	c.resolve(key, MutationConfirmed)
	return nil
}

// Unfollow removes a follow relation locally, then confirms the removal with
// the backend, restoring the relation if the call fails.
func (c *Coordinator) Unfollow(ctx context.Context, userID, username string) error {
	key := syncengine.EntityKey(cache.FollowRelation{}.TableName(), userID, username)
	if err := c.begin(key); err != nil {
		return fmt.Errorf("%s.busy: %w", opUnfollow, err)
	}

	snapshot, existed, snapErr := cache.Get[cache.FollowRelation](ctx, c.store, userID, username)
	if deleteErr := cache.Delete[cache.FollowRelation](ctx, c.store, userID, username); deleteErr != nil {
		c.logger.Warn("optimistic delete failed, continuing network-only",
			zap.String("operation", opUnfollow), zap.Error(deleteErr))
	}

	if err := c.gateway.Unfollow(ctx, username, userID); err != nil {
		c.rollbackFollow(ctx, opUnfollow, userID, username, snapshot, existed, snapErr)
		c.resolve(key, MutationRolledBack)
		return fmt.Errorf("%s.gateway_failed: %w", opUnfollow, err)
	}

	c.resolve(key, MutationConfirmed)
	return nil
}

// SendMessage writes an optimistic local message row, posts it, and replaces
// the optimistic row with the server's canonical one on success.
func (c *Coordinator) SendMessage(ctx context.Context, channel, text, userID string) (cache.ChannelMessage, error) {
	clientID, err := c.ids.NewID()
	if err != nil {
		return cache.ChannelMessage{}, fmt.Errorf("%s.id_generation_failed: %w", opSendMessage, err)
	}

	now := c.clock().UTC().Unix()
	optimistic := cache.ChannelMessage{
		MessageID:        clientID,
		ChannelUsername:  channel,
		Text:             text,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	key := syncengine.EntityKey(optimistic.TableName(), clientID)
	if err := c.begin(key); err != nil {
		return cache.ChannelMessage{}, fmt.Errorf("%s.busy: %w", opSendMessage, err)
	}

	c.bestEffortPut(ctx, opSendMessage, optimistic)

	row, sendErr := c.gateway.SendMessage(ctx, channel, text, userID)
	if sendErr != nil {
		restoreCtx := context.WithoutCancel(ctx)
		if deleteErr := cache.Delete[cache.ChannelMessage](restoreCtx, c.store, clientID); deleteErr != nil {
			c.logger.Warn("optimistic message rollback failed",
				zap.String("operation", opSendMessage), zap.Error(deleteErr))
		}
		c.resolve(key, MutationRolledBack)
		return cache.ChannelMessage{}, fmt.Errorf("%s.gateway_failed: %w", opSendMessage, sendErr)
	}

	canonical, mapErr := cache.MapChannelMessage(row)
	if mapErr != nil {
		// The send succeeded; keep the optimistic row until realtime delivers
		// the canonical one.
		c.logger.Warn("canonical message row unmappable, keeping optimistic copy",
			zap.String("operation", opSendMessage), zap.Error(mapErr))
		c.resolve(key, MutationConfirmed)
		return optimistic, nil
	}

	writeCtx := context.WithoutCancel(ctx)
	if canonical.MessageID != clientID {
		if deleteErr := cache.Delete[cache.ChannelMessage](writeCtx, c.store, clientID); deleteErr != nil {
			c.logger.Warn("optimistic message cleanup failed",
				zap.String("operation", opSendMessage), zap.Error(deleteErr))
		}
	}
	c.bestEffortPut(writeCtx, opSendMessage, canonical)
	c.resolve(key, MutationConfirmed)
	return canonical, nil
}

// PendingCount reports in-flight mutations; derived UI badges use it.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) begin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; ok {
		return ErrMutationInFlight
	}
	c.pending[key] = &pendingMutation{state: MutationOptimistic}
	return nil
}

// resolve finalizes a mutation and replays any realtime events buffered for
// its key. Replay happens after the local state settled, so the server's view
// wins over both the optimistic value and the rollback.
func (c *Coordinator) resolve(key string, state MutationState) {
	c.mu.Lock()
	mutation, ok := c.pending[key]
	if ok {
		mutation.state = state
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok || c.events == nil {
		return
	}
	for _, event := range mutation.buffered {
		c.events.Enqueue(event)
	}
}

func (c *Coordinator) rollbackFollow(ctx context.Context, operation, userID, username string, snapshot cache.FollowRelation, existed bool, snapErr error) {
	restoreCtx := context.WithoutCancel(ctx)
	if snapErr != nil {
		c.logger.Warn("rollback skipped, snapshot was unavailable",
			zap.String("operation", operation), zap.Error(snapErr))
		return
	}
	var err error
	if existed {
		err = cache.Put(restoreCtx, c.store, snapshot)
	} else {
		err = cache.Delete[cache.FollowRelation](restoreCtx, c.store, userID, username)
	}
	if err != nil {
		c.logger.Warn("follow rollback failed",
			zap.String("operation", operation),
			zap.String("user_id", userID),
			zap.String("channel", username),
			zap.Error(err))
	}
}

// bestEffortPut tolerates storage unavailability: the mutation continues
// network-only and the cache simply misses this write.
func (c *Coordinator) bestEffortPut(ctx context.Context, operation string, record cache.Record) {
	var err error
	switch r := record.(type) {
	case cache.FollowRelation:
		err = cache.Put(ctx, c.store, r)
	case cache.ChannelMessage:
		err = cache.Put(ctx, c.store, r)
	default:
		err = fmt.Errorf("%w: unsupported record %T", cache.ErrInvalidArgument, record)
	}
	if err != nil {
		c.logger.Warn("optimistic write skipped, continuing network-only",
			zap.String("operation", operation), zap.Error(err))
	}
}
