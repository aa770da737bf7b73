package interactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"go.uber.org/zap"
)

const (
	opGateNew     = "interactions.gate.new"
	opCanInteract = "interactions.can_interact"
	opRecord      = "interactions.record"
	opClear       = "interactions.clear"
	opClearAll    = "interactions.clear_all"
)

var (
	// ErrNotAuthenticated guards the destructive reset: clearing interaction
	// history requires a signed-in user.
	ErrNotAuthenticated = errors.New("interactions: authenticated user required")

	errMissingStore = errors.New("cache store is required")
)

// Denial explains why the gate refused an attempt.
type Denial string

const (
	DenialNone           Denial = ""
	DenialCompleted      Denial = "already_completed"
	DenialOutsideWindow  Denial = "outside_time_window"
	DenialAttemptsSpent  Denial = "max_attempts_reached"
	DenialCooldownActive Denial = "cooldown_active"
)

// Policy bounds repeat attempts on one-shot interactive feed content.
// Zero-valued fields disable their check.
type Policy struct {
	StartTime   *time.Time
	EndTime     *time.Time
	MaxAttempts int64
	// Cooldown is the minimum wait since the last attempt, per the content's
	// duration setting (minutes on the wire).
	Cooldown time.Duration
}

// GateConfig wires the Gate's dependencies.
type GateConfig struct {
	Store  *cache.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Gate enforces per-user attempt policies for polls and quizzes. State lives
// in the local store keyed by (user, feed item), so it survives restarts.
// Full completion is terminal: once a user fully interacted with an item, no
// policy can reopen it short of an explicit clear.
type Gate struct {
	store  *cache.Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewGate constructs an interaction gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opGateNew, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: cfg.Store, clock: clock, logger: logger}, nil
}

// CanInteract evaluates the policy checks in order: terminal completion,
// time window, attempt cap, cooldown. The Denial names the first failed check.
func (g *Gate) CanInteract(ctx context.Context, userID, feedItemID string, policy Policy) (bool, Denial, error) {
	state, found, err := cache.Get[cache.InteractionState](ctx, g.store, userID, feedItemID)
	if err != nil {
		return false, DenialNone, fmt.Errorf("%s.state_read_failed: %w", opCanInteract, err)
	}

	if found && state.HasFullyInteracted {
		return false, DenialCompleted, nil
	}

	now := g.clock().UTC()
	if policy.StartTime != nil && now.Before(*policy.StartTime) {
		return false, DenialOutsideWindow, nil
	}
	if policy.EndTime != nil && now.After(*policy.EndTime) {
		return false, DenialOutsideWindow, nil
	}

	if found && policy.MaxAttempts > 0 && state.AttemptsCount >= policy.MaxAttempts {
		return false, DenialAttemptsSpent, nil
	}

	if found && policy.Cooldown > 0 && state.LastInteractionAtSeconds > 0 {
		lastInteraction := time.Unix(state.LastInteractionAtSeconds, 0)
		if now.Sub(lastInteraction) < policy.Cooldown {
			return false, DenialCooldownActive, nil
		}
	}

	return true, DenialNone, nil
}

// RecordInteraction counts one attempt unconditionally. A non-partial attempt
// marks the item fully interacted, which is terminal. The duration is how
// long the user engaged; the cooldown runs from the attempt's completion.
func (g *Gate) RecordInteraction(ctx context.Context, userID, feedItemID string, isPartial bool, duration time.Duration) error {
	state, found, err := cache.Get[cache.InteractionState](ctx, g.store, userID, feedItemID)
	if err != nil {
		return fmt.Errorf("%s.state_read_failed: %w", opRecord, err)
	}
	if !found {
		state = cache.InteractionState{UserID: userID, FeedItemID: feedItemID}
	}

	completedAt := g.clock().UTC().Add(duration)
	state.AttemptsCount++
	state.LastInteractionAtSeconds = completedAt.Unix()
	state.HasPartiallyInteracted = state.HasPartiallyInteracted || isPartial
	if !isPartial {
		state.HasFullyInteracted = true
	}

	if err := cache.Put(ctx, g.store, state); err != nil {
		return fmt.Errorf("%s.state_write_failed: %w", opRecord, err)
	}
	return nil
}

// ClearInteraction forgets one (user, feed item) record.
func (g *Gate) ClearInteraction(ctx context.Context, userID, feedItemID string) error {
	if err := cache.Delete[cache.InteractionState](ctx, g.store, userID, feedItemID); err != nil {
		return fmt.Errorf("%s.state_delete_failed: %w", opClear, err)
	}
	return nil
}

// ClearAllInteractions irreversibly resets a user's interaction history. It
// refuses guest sessions.
func (g *Gate) ClearAllInteractions(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%s.guest_session: %w", opClearAll, ErrNotAuthenticated)
	}
	if err := cache.DeleteByIndex[cache.InteractionState](ctx, g.store, cache.IndexInteractionsByUser, userID); err != nil {
		return fmt.Errorf("%s.state_delete_failed: %w", opClearAll, err)
	}
	g.logger.Info("interaction history cleared",
		zap.String("operation", opClearAll),
		zap.String("user_id", userID))
	return nil
}
