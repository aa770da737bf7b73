package sync

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
)

func activityEvent(activity cache.ChannelActivity) Event {
	return Event{
		Op:      OpUpdate,
		Table:   activity.TableName(),
		Key:     []any{activity.ChannelUsername},
		Payload: activity,
	}
}

func messageEvent(op Op, message cache.ChannelMessage) Event {
	return Event{
		Op:      op,
		Table:   message.TableName(),
		Key:     []any{message.MessageID},
		Payload: message,
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	activity := cache.ChannelActivity{ChannelUsername: "alice", LastMessageID: "m1", LastMessageText: "hi", LastUpdatedAtSeconds: 100}

	if !mustApply(t, merger, activityEvent(activity)) {
		t.Fatal("expected first apply to change the cache")
	}
	if mustApply(t, merger, activityEvent(activity)) {
		t.Fatal("expected duplicate apply to be a no-op")
	}

	stored, found, err := cache.Get[cache.ChannelActivity](context.Background(), store, "alice")
	if err != nil || !found {
		t.Fatalf("expected cached activity, found=%v err=%v", found, err)
	}
	if stored != activity {
		t.Fatalf("expected %+v, got %+v", activity, stored)
	}
}

func TestStaleActivityEventNeverRegressesSummary(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	mustApply(t, merger, activityEvent(cache.ChannelActivity{ChannelUsername: "alice", LastMessageID: "m2", LastMessageText: "newer", LastUpdatedAtSeconds: 200}))

	stale := cache.ChannelActivity{ChannelUsername: "alice", LastMessageID: "m1", LastMessageText: "older", LastUpdatedAtSeconds: 100}
	if mustApply(t, merger, activityEvent(stale)) {
		t.Fatal("expected stale event to be dropped")
	}

	stored, _, err := cache.Get[cache.ChannelActivity](context.Background(), store, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.LastMessageID != "m2" || stored.LastUpdatedAtSeconds != 200 {
		t.Fatalf("summary regressed: %+v", stored)
	}
}

func TestMessageUpdatePreservesCreatedAt(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	original := cache.ChannelMessage{MessageID: "m1", ChannelUsername: "alice", Text: "first", CreatedAtSeconds: 100, UpdatedAtSeconds: 100}
	mustApply(t, merger, messageEvent(OpInsert, original))

	edited := cache.ChannelMessage{MessageID: "m1", ChannelUsername: "alice", Text: "edited", CreatedAtSeconds: 999, UpdatedAtSeconds: 150}
	if !mustApply(t, merger, messageEvent(OpUpdate, edited)) {
		t.Fatal("expected edit to apply")
	}

	stored, _, err := cache.Get[cache.ChannelMessage](context.Background(), store, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Text != "edited" {
		t.Fatalf("expected edited text, got %q", stored.Text)
	}
	if stored.CreatedAtSeconds != 100 {
		t.Fatalf("created_at must not move on update, got %d", stored.CreatedAtSeconds)
	}
}

func TestStaleMessageUpdateIsDropped(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	mustApply(t, merger, messageEvent(OpInsert, cache.ChannelMessage{MessageID: "m1", ChannelUsername: "alice", Text: "current", CreatedAtSeconds: 100, UpdatedAtSeconds: 200}))

	stale := cache.ChannelMessage{MessageID: "m1", ChannelUsername: "alice", Text: "out of order", CreatedAtSeconds: 100, UpdatedAtSeconds: 150}
	if mustApply(t, merger, messageEvent(OpUpdate, stale)) {
		t.Fatal("expected out-of-order update to be dropped")
	}

	stored, _, _ := cache.Get[cache.ChannelMessage](context.Background(), store, "m1")
	if stored.Text != "current" {
		t.Fatalf("expected current text to survive, got %q", stored.Text)
	}
}

func TestLastViewedMarkerNeverMovesBackward(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	marker := cache.LastViewedMarker{UserID: "user-1", ChannelUsername: "alice", ViewedAtSeconds: 500}
	event := Event{Op: OpUpdate, Table: marker.TableName(), Key: []any{marker.UserID, marker.ChannelUsername}, Payload: marker}
	mustApply(t, merger, event)

	stale := marker
	stale.ViewedAtSeconds = 400
	event.Payload = stale
	if mustApply(t, merger, event) {
		t.Fatal("expected backward marker to be dropped")
	}

	stored, _, _ := cache.Get[cache.LastViewedMarker](context.Background(), store, "user-1", "alice")
	if stored.ViewedAtSeconds != 500 {
		t.Fatalf("expected marker to hold at 500, got %d", stored.ViewedAtSeconds)
	}
}

func TestTenantRequestTransitions(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	request := func(status cache.RequestStatus, updatedAt int64) Event {
		row := cache.TenantRequest{RequestID: "req-1", ChannelUsername: "alice", UserID: "user-1", Status: status, CreatedAtSeconds: 100, UpdatedAtSeconds: updatedAt}
		return Event{Op: OpUpdate, Table: row.TableName(), Key: []any{row.RequestID}, Payload: row}
	}

	mustApply(t, merger, request(cache.RequestStatusPending, 100))
	if !mustApply(t, merger, request(cache.RequestStatusApproved, 200)) {
		t.Fatal("expected pending to approved to apply")
	}

	// Outside the status machine, but the server value still wins.
	if !mustApply(t, merger, request(cache.RequestStatusRejected, 300)) {
		t.Fatal("expected server value to win on invalid transition")
	}
	stored, _, _ := cache.Get[cache.TenantRequest](context.Background(), store, "req-1")
	if stored.Status != cache.RequestStatusRejected {
		t.Fatalf("expected REJECTED after server override, got %s", stored.Status)
	}

	// Same status with an older timestamp is a duplicate.
	if mustApply(t, merger, request(cache.RequestStatusRejected, 250)) {
		t.Fatal("expected stale duplicate to be dropped")
	}

	// Admin reset back to pending is a valid transition.
	if !mustApply(t, merger, request(cache.RequestStatusPending, 400)) {
		t.Fatal("expected reset to pending to apply")
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	mustApply(t, merger, messageEvent(OpInsert, cache.ChannelMessage{MessageID: "m1", ChannelUsername: "alice", Text: "bye", CreatedAtSeconds: 100, UpdatedAtSeconds: 100}))

	deleteEvent := Event{Op: OpDelete, Table: cache.ChannelMessage{}.TableName(), Key: []any{"m1"}}
	if !mustApply(t, merger, deleteEvent) {
		t.Fatal("expected delete to apply")
	}
	_, found, err := cache.Get[cache.ChannelMessage](context.Background(), store, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected message to be gone")
	}
}

func TestLastWriteWinsTables(t *testing.T) {
	store := newTestStore(t)
	merger := newTestMerger(t, store)
	first := cache.UserLocation{UserID: "user-1", Latitude: 1, Longitude: 2, UpdatedAtSeconds: 100}
	second := cache.UserLocation{UserID: "user-1", Latitude: 3, Longitude: 4, UpdatedAtSeconds: 50}
	event := Event{Op: OpUpdate, Table: first.TableName(), Key: []any{first.UserID}, Payload: first}
	mustApply(t, merger, event)
	event.Payload = second
	mustApply(t, merger, event)

	stored, _, _ := cache.Get[cache.UserLocation](context.Background(), store, "user-1")
	if stored.Latitude != 3 {
		t.Fatalf("expected last write to win, got %+v", stored)
	}
}
