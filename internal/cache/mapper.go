package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedRow indicates a remote row that cannot be mapped into its local
// record shape. The sync engine skips such rows; they never reach the store.
var ErrMalformedRow = errors.New("cache: malformed remote row")

func malformedRow(table, detail string) error {
	return fmt.Errorf("%w: table %s: %s", ErrMalformedRow, table, detail)
}

// MapRow translates one raw remote row into the local record for its table.
func MapRow(table string, row map[string]any) (Record, error) {
	switch table {
	case CachedUser{}.TableName():
		return MapUser(row)
	case ChannelMessage{}.TableName():
		return MapChannelMessage(row)
	case ChannelActivity{}.TableName():
		return MapChannelActivity(row)
	case FollowRelation{}.TableName():
		return MapFollowRelation(row)
	case LastViewedMarker{}.TableName():
		return MapLastViewedMarker(row)
	case TenantRequest{}.TableName():
		return MapTenantRequest(row)
	case UserLocation{}.TableName():
		return MapUserLocation(row)
	case PushSubscription{}.TableName():
		return MapPushSubscription(row)
	default:
		return nil, malformedRow(table, "unknown table")
	}
}

// KeyOf returns a record's primary key values in declaration order.
func KeyOf(record Record) ([]any, error) {
	switch r := record.(type) {
	case CachedUser:
		return []any{r.UserID}, nil
	case ChannelMessage:
		return []any{r.MessageID}, nil
	case ChannelActivity:
		return []any{r.ChannelUsername}, nil
	case FollowRelation:
		return []any{r.UserID, r.ChannelUsername}, nil
	case LastViewedMarker:
		return []any{r.UserID, r.ChannelUsername}, nil
	case TenantRequest:
		return []any{r.RequestID}, nil
	case UserLocation:
		return []any{r.UserID}, nil
	case PushSubscription:
		return []any{r.SubscriptionID}, nil
	case InteractionState:
		return []any{r.UserID, r.FeedItemID}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported record type %T", ErrInvalidArgument, record)
	}
}

// MapUser translates a session or profile row.
func MapUser(row map[string]any) (CachedUser, error) {
	table := CachedUser{}.TableName()
	userID := stringField(row, "id", "user_id")
	if userID == "" {
		return CachedUser{}, malformedRow(table, "missing user id")
	}
	fetchedAt, err := timestampField(row, "fetched_at", "created_at")
	if err != nil {
		fetchedAt = time.Now().UTC().Unix()
	}
	return CachedUser{
		UserID:           userID,
		DisplayName:      stringField(row, "display_name", "name"),
		Email:            stringField(row, "email"),
		AvatarURL:        stringField(row, "avatar_url"),
		IsGuest:          boolField(row, "is_guest"),
		FetchedAtSeconds: fetchedAt,
	}, nil
}

// MapChannelMessage translates a channel message row.
func MapChannelMessage(row map[string]any) (ChannelMessage, error) {
	table := ChannelMessage{}.TableName()
	messageID := stringField(row, "id", "message_id")
	if messageID == "" {
		return ChannelMessage{}, malformedRow(table, "missing message id")
	}
	channel := stringField(row, "channel_username", "username", "channel")
	if channel == "" {
		return ChannelMessage{}, malformedRow(table, "missing channel username")
	}
	createdAt, err := timestampField(row, "created_at")
	if err != nil {
		return ChannelMessage{}, malformedRow(table, err.Error())
	}
	updatedAt, err := timestampField(row, "updated_at")
	if err != nil {
		updatedAt = createdAt
	}
	return ChannelMessage{
		MessageID:        messageID,
		ChannelUsername:  channel,
		Text:             stringField(row, "text", "content"),
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: updatedAt,
	}, nil
}

// MapChannelActivity translates a channel activity summary row.
func MapChannelActivity(row map[string]any) (ChannelActivity, error) {
	table := ChannelActivity{}.TableName()
	channel := stringField(row, "channel_username", "username")
	if channel == "" {
		return ChannelActivity{}, malformedRow(table, "missing channel username")
	}
	lastUpdatedAt, err := timestampField(row, "last_updated_at", "updated_at")
	if err != nil {
		return ChannelActivity{}, malformedRow(table, err.Error())
	}
	return ChannelActivity{
		ChannelUsername:      channel,
		LastMessageID:        stringField(row, "last_message_id"),
		LastMessageText:      stringField(row, "last_message_text", "last_message"),
		LastUpdatedAtSeconds: lastUpdatedAt,
	}, nil
}

// MapFollowRelation translates a follow row.
func MapFollowRelation(row map[string]any) (FollowRelation, error) {
	table := FollowRelation{}.TableName()
	userID := stringField(row, "user_id")
	channel := stringField(row, "channel_username", "username")
	if userID == "" || channel == "" {
		return FollowRelation{}, malformedRow(table, "missing user id or channel username")
	}
	createdAt, err := timestampField(row, "created_at")
	if err != nil {
		createdAt = time.Now().UTC().Unix()
	}
	return FollowRelation{
		UserID:           userID,
		ChannelUsername:  channel,
		CreatedAtSeconds: createdAt,
	}, nil
}

// MapLastViewedMarker translates a last-viewed row.
func MapLastViewedMarker(row map[string]any) (LastViewedMarker, error) {
	table := LastViewedMarker{}.TableName()
	userID := stringField(row, "user_id")
	channel := stringField(row, "channel_username", "username")
	if userID == "" || channel == "" {
		return LastViewedMarker{}, malformedRow(table, "missing user id or channel username")
	}
	viewedAt, err := timestampField(row, "viewed_at", "last_viewed_at", "updated_at")
	if err != nil {
		return LastViewedMarker{}, malformedRow(table, err.Error())
	}
	return LastViewedMarker{
		UserID:          userID,
		ChannelUsername: channel,
		ViewedAtSeconds: viewedAt,
	}, nil
}

// MapTenantRequest translates an access request row, folding the backend's
// historical status encodings into the canonical enum.
func MapTenantRequest(row map[string]any) (TenantRequest, error) {
	table := TenantRequest{}.TableName()
	requestID := stringField(row, "id", "request_id")
	if requestID == "" {
		return TenantRequest{}, malformedRow(table, "missing request id")
	}
	status, err := NormalizeRequestStatus(row["status"])
	if err != nil {
		return TenantRequest{}, malformedRow(table, err.Error())
	}
	createdAt, err := timestampField(row, "created_at")
	if err != nil {
		return TenantRequest{}, malformedRow(table, err.Error())
	}
	updatedAt, err := timestampField(row, "updated_at")
	if err != nil {
		updatedAt = createdAt
	}
	return TenantRequest{
		RequestID:        requestID,
		ChannelUsername:  stringField(row, "channel_username", "username"),
		UserID:           stringField(row, "user_id"),
		Status:           status,
		CreatedAtSeconds: createdAt,
		UpdatedAtSeconds: updatedAt,
	}, nil
}

// MapUserLocation translates a location row.
func MapUserLocation(row map[string]any) (UserLocation, error) {
	table := UserLocation{}.TableName()
	userID := stringField(row, "user_id")
	if userID == "" {
		return UserLocation{}, malformedRow(table, "missing user id")
	}
	latitude, latErr := floatField(row, "latitude", "lat")
	longitude, lonErr := floatField(row, "longitude", "lng", "lon")
	if latErr != nil || lonErr != nil {
		return UserLocation{}, malformedRow(table, "missing coordinates")
	}
	updatedAt, err := timestampField(row, "updated_at")
	if err != nil {
		updatedAt = time.Now().UTC().Unix()
	}
	return UserLocation{
		UserID:           userID,
		Latitude:         latitude,
		Longitude:        longitude,
		UpdatedAtSeconds: updatedAt,
	}, nil
}

// MapPushSubscription translates a push subscription row.
func MapPushSubscription(row map[string]any) (PushSubscription, error) {
	table := PushSubscription{}.TableName()
	subscriptionID := stringField(row, "id", "subscription_id")
	if subscriptionID == "" {
		return PushSubscription{}, malformedRow(table, "missing subscription id")
	}
	userID := stringField(row, "user_id")
	endpoint := stringField(row, "endpoint")
	if userID == "" || endpoint == "" {
		return PushSubscription{}, malformedRow(table, "missing user id or endpoint")
	}
	createdAt, err := timestampField(row, "created_at")
	if err != nil {
		createdAt = time.Now().UTC().Unix()
	}
	return PushSubscription{
		SubscriptionID:   subscriptionID,
		UserID:           userID,
		Endpoint:         endpoint,
		AuthKey:          stringField(row, "auth", "auth_key"),
		P256DHKey:        stringField(row, "p256dh", "p256dh_key"),
		CreatedAtSeconds: createdAt,
	}, nil
}

// NormalizeRequestStatus folds every status encoding the backend has ever
// emitted into the canonical enum. The canonical wire value is the upper-case
// status string. Booleans are a legacy encoding where true meant approved and
// false meant not-yet-approved, so false maps to pending, not rejected.
func NormalizeRequestStatus(value any) (RequestStatus, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return RequestStatusApproved, nil
		}
		return RequestStatusPending, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "TRUE", "APPROVED":
			return RequestStatusApproved, nil
		case "FALSE", "PENDING", "":
			return RequestStatusPending, nil
		case "REJECTED":
			return RequestStatusRejected, nil
		default:
			return "", fmt.Errorf("unrecognized status %q", v)
		}
	case nil:
		return RequestStatusPending, nil
	default:
		return "", fmt.Errorf("unrecognized status type %T", value)
	}
}

func stringField(row map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := row[key]; ok {
			if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
				return strings.TrimSpace(text)
			}
		}
	}
	return ""
}

func boolField(row map[string]any, keys ...string) bool {
	for _, key := range keys {
		if value, ok := row[key]; ok {
			if flag, ok := value.(bool); ok {
				return flag
			}
		}
	}
	return false
}

func floatField(row map[string]any, keys ...string) (float64, error) {
	for _, key := range keys {
		if value, ok := row[key]; ok {
			switch v := value.(type) {
			case float64:
				return v, nil
			case int64:
				return float64(v), nil
			case int:
				return float64(v), nil
			}
		}
	}
	return 0, fmt.Errorf("missing numeric field %v", keys)
}

// timestampField accepts RFC 3339 strings, unix second numbers, and time.Time
// values; JSON decoding yields the first two in practice.
func timestampField(row map[string]any, keys ...string) (int64, error) {
	for _, key := range keys {
		value, ok := row[key]
		if !ok || value == nil {
			continue
		}
		seconds, err := timestampSeconds(value)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return seconds, nil
	}
	return 0, fmt.Errorf("missing timestamp field %v", keys)
}

func timestampSeconds(value any) (int64, error) {
	switch v := value.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("unparseable timestamp %q", v)
		}
		return parsed.UTC().Unix(), nil
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case time.Time:
		return v.UTC().Unix(), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", value)
	}
}
