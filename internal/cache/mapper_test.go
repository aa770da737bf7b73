package cache

import (
	"errors"
	"testing"
)

func TestNormalizeRequestStatus(t *testing.T) {
	testCases := []struct {
		name     string
		value    any
		expected RequestStatus
		wantErr  bool
	}{
		{name: "boolean true", value: true, expected: RequestStatusApproved},
		{name: "boolean false", value: false, expected: RequestStatusPending},
		{name: "string true", value: "true", expected: RequestStatusApproved},
		{name: "string false", value: "false", expected: RequestStatusPending},
		{name: "approved", value: "APPROVED", expected: RequestStatusApproved},
		{name: "approved lower case", value: "approved", expected: RequestStatusApproved},
		{name: "rejected", value: "REJECTED", expected: RequestStatusRejected},
		{name: "pending", value: "PENDING", expected: RequestStatusPending},
		{name: "empty string", value: "", expected: RequestStatusPending},
		{name: "nil", value: nil, expected: RequestStatusPending},
		{name: "unrecognized string", value: "MAYBE", wantErr: true},
		{name: "unrecognized type", value: 42, wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, err := NormalizeRequestStatus(testCase.value)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error for %v", testCase.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, status)
			}
		})
	}
}

func TestMapChannelMessage(t *testing.T) {
	row := map[string]any{
		"id":               "m1",
		"channel_username": "alice",
		"text":             "hello",
		"created_at":       "2026-02-01T10:00:00Z",
	}
	message, err := MapChannelMessage(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.MessageID != "m1" || message.ChannelUsername != "alice" || message.Text != "hello" {
		t.Fatalf("unexpected mapping: %+v", message)
	}
	if message.CreatedAtSeconds == 0 {
		t.Fatal("expected created_at to be parsed")
	}
	if message.UpdatedAtSeconds != message.CreatedAtSeconds {
		t.Fatalf("expected updated_at to default to created_at, got %d", message.UpdatedAtSeconds)
	}
}

func TestMapChannelMessageAcceptsUnixSeconds(t *testing.T) {
	row := map[string]any{
		"message_id": "m2",
		"username":   "alice",
		"content":    "numeric timestamps",
		"created_at": float64(1700000000),
		"updated_at": float64(1700000050),
	}
	message, err := MapChannelMessage(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if message.CreatedAtSeconds != 1700000000 || message.UpdatedAtSeconds != 1700000050 {
		t.Fatalf("unexpected timestamps: %+v", message)
	}
}

func TestMapChannelMessageRejectsMalformedRows(t *testing.T) {
	testCases := []struct {
		name string
		row  map[string]any
	}{
		{name: "missing id", row: map[string]any{"channel_username": "alice", "created_at": "2026-02-01T10:00:00Z"}},
		{name: "missing channel", row: map[string]any{"id": "m1", "created_at": "2026-02-01T10:00:00Z"}},
		{name: "missing created_at", row: map[string]any{"id": "m1", "channel_username": "alice"}},
		{name: "garbage created_at", row: map[string]any{"id": "m1", "channel_username": "alice", "created_at": "yesterday"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := MapChannelMessage(testCase.row); !errors.Is(err, ErrMalformedRow) {
				t.Fatalf("expected ErrMalformedRow, got %v", err)
			}
		})
	}
}

func TestMapChannelActivity(t *testing.T) {
	row := map[string]any{
		"channel_username": "alice",
		"last_message_id":  "m9",
		"last_message":     "latest",
		"last_updated_at":  "2026-02-01T12:30:00Z",
	}
	activity, err := MapChannelActivity(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if activity.ChannelUsername != "alice" || activity.LastMessageID != "m9" || activity.LastMessageText != "latest" {
		t.Fatalf("unexpected mapping: %+v", activity)
	}
	if activity.LastUpdatedAtSeconds == 0 {
		t.Fatal("expected last_updated_at to be parsed")
	}
}

func TestMapTenantRequestFoldsLegacyStatus(t *testing.T) {
	row := map[string]any{
		"id":               "req-1",
		"channel_username": "alice",
		"user_id":          "user-1",
		"status":           true,
		"created_at":       float64(1700000000),
	}
	request, err := MapTenantRequest(row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Status != RequestStatusApproved {
		t.Fatalf("expected APPROVED from boolean true, got %s", request.Status)
	}
	if request.UpdatedAtSeconds != request.CreatedAtSeconds {
		t.Fatalf("expected updated_at to default to created_at, got %d", request.UpdatedAtSeconds)
	}
}

func TestMapRowDispatchesByTable(t *testing.T) {
	record, err := MapRow(FollowRelation{}.TableName(), map[string]any{
		"user_id":          "user-1",
		"channel_username": "alice",
		"created_at":       float64(1700000000),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	follow, ok := record.(FollowRelation)
	if !ok {
		t.Fatalf("expected FollowRelation, got %T", record)
	}
	if follow.UserID != "user-1" || follow.ChannelUsername != "alice" {
		t.Fatalf("unexpected mapping: %+v", follow)
	}

	if _, err := MapRow("no_such_table", map[string]any{}); !errors.Is(err, ErrMalformedRow) {
		t.Fatalf("expected ErrMalformedRow for unknown table, got %v", err)
	}
}

func TestKeyOfReturnsDeclarationOrder(t *testing.T) {
	key, err := KeyOf(FollowRelation{UserID: "user-1", ChannelUsername: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 2 || key[0] != "user-1" || key[1] != "alice" {
		t.Fatalf("unexpected key: %v", key)
	}

	key, err = KeyOf(ChannelMessage{MessageID: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 1 || key[0] != "m1" {
		t.Fatalf("unexpected key: %v", key)
	}
}
