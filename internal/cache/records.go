package cache

// Record is implemented by every locally mirrored row shape. The local store
// is a read-optimized replica; the remote relational store stays the source
// of truth for all of these tables.
type Record interface {
	TableName() string
}

// IndexName identifies a logical secondary index declared in the schema
// registry below.
type IndexName string

const (
	IndexMessagesByChannel  IndexName = "messages_by_channel"
	IndexActivityByUsername IndexName = "activity_by_username"
	IndexFollowsByUser      IndexName = "follows_by_user"
	IndexLastViewedByUser   IndexName = "last_viewed_by_user"
	IndexRequestsByUsername IndexName = "requests_by_username"
	IndexRequestsByUser     IndexName = "requests_by_user"
	IndexLocationsByUser    IndexName = "locations_by_user"
	IndexPushByUser         IndexName = "push_by_user"
	IndexInteractionsByUser IndexName = "interactions_by_user"
)

// RequestStatus is the canonical tenant-request status enum. The backend has
// historically emitted `true`, `"true"` and `"APPROVED"` interchangeably;
// mappers fold all of those into these three values before anything reaches
// the cache.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
)

// CachedUser mirrors the session user. It is replaced wholesale on sign-in
// and sign-out, never field-merged.
type CachedUser struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	Email            string `gorm:"column:email;size:320"`
	AvatarURL        string `gorm:"column:avatar_url;size:512"`
	IsGuest          bool   `gorm:"column:is_guest;not null;default:false"`
	FetchedAtSeconds int64  `gorm:"column:fetched_at_s;not null"`
}

func (CachedUser) TableName() string {
	return "users"
}

// ChannelMessage mirrors one row of a channel's message history. History is
// append-only from the client's perspective; an update replaces fields of an
// existing id and never reorders anything.
type ChannelMessage struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null"`
	ChannelUsername  string `gorm:"column:channel_username;size:190;not null;index:idx_messages_channel_created,priority:1"`
	Text             string `gorm:"column:text;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_messages_channel_created,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (ChannelMessage) TableName() string {
	return "channels_messages"
}

// ChannelActivity holds one row per channel with the latest message snapshot.
// LastUpdatedAtSeconds is monotonically non-decreasing; stale events are
// dropped by the merge rules.
type ChannelActivity struct {
	ChannelUsername      string `gorm:"column:channel_username;primaryKey;size:190;not null"`
	LastMessageID        string `gorm:"column:last_message_id;size:190"`
	LastMessageText      string `gorm:"column:last_message_text;type:text"`
	LastUpdatedAtSeconds int64  `gorm:"column:last_updated_at_s;not null"`
}

func (ChannelActivity) TableName() string {
	return "channels_activity"
}

// FollowRelation is a pure existence record: insert on follow, delete on
// unfollow, no updates.
type FollowRelation struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_follow_user"`
	ChannelUsername  string `gorm:"column:channel_username;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (FollowRelation) TableName() string {
	return "user_channel_follow"
}

// LastViewedMarker records the newest message timestamp a user has seen in a
// channel. It never moves backward; unread counts derive from it.
type LastViewedMarker struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_last_viewed_user"`
	ChannelUsername string `gorm:"column:channel_username;primaryKey;size:190;not null"`
	ViewedAtSeconds int64  `gorm:"column:viewed_at_s;not null"`
}

func (LastViewedMarker) TableName() string {
	return "user_channel_last_viewed"
}

// TenantRequest mirrors a pending access request. Valid transitions are
// pending to approved or rejected; a reset back to pending happens only by
// explicit admin action on the backend.
type TenantRequest struct {
	RequestID        string        `gorm:"column:request_id;primaryKey;size:190;not null"`
	ChannelUsername  string        `gorm:"column:channel_username;size:190;not null;index:idx_requests_username"`
	UserID           string        `gorm:"column:user_id;size:190;not null;index:idx_requests_user"`
	Status           RequestStatus `gorm:"column:status;size:16;not null"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64         `gorm:"column:updated_at_s;not null"`
}

func (TenantRequest) TableName() string {
	return "tenant_requests"
}

// UserLocation mirrors the user's last reported location.
type UserLocation struct {
	UserID           string  `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_location_user"`
	Latitude         float64 `gorm:"column:latitude;not null"`
	Longitude        float64 `gorm:"column:longitude;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

func (UserLocation) TableName() string {
	return "user_location"
}

// PushSubscription mirrors one registered push endpoint for a user.
type PushSubscription struct {
	SubscriptionID   string `gorm:"column:subscription_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_push_user"`
	Endpoint         string `gorm:"column:endpoint;size:512;not null"`
	AuthKey          string `gorm:"column:auth_key;size:190"`
	P256DHKey        string `gorm:"column:p256dh_key;size:190"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (PushSubscription) TableName() string {
	return "push_subscriptions"
}

// InteractionState tracks per-user attempts against one-shot feed content.
// AttemptsCount only grows; HasFullyInteracted is terminal until an explicit
// clear.
type InteractionState struct {
	UserID                   string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_interactions_user"`
	FeedItemID               string `gorm:"column:feed_item_id;primaryKey;size:190;not null"`
	HasFullyInteracted       bool   `gorm:"column:has_fully_interacted;not null;default:false"`
	HasPartiallyInteracted   bool   `gorm:"column:has_partially_interacted;not null;default:false"`
	LastInteractionAtSeconds int64  `gorm:"column:last_interaction_at_s;not null"`
	AttemptsCount            int64  `gorm:"column:attempts_count;not null;default:0"`
}

func (InteractionState) TableName() string {
	return "user_feed_interactions"
}

// tableKeys lists primary key columns in declaration order for each mirrored
// table. Get and Delete bind positional key values against these columns.
var tableKeys = map[string][]string{
	CachedUser{}.TableName():       {"user_id"},
	ChannelMessage{}.TableName():   {"message_id"},
	ChannelActivity{}.TableName():  {"channel_username"},
	FollowRelation{}.TableName():   {"user_id", "channel_username"},
	LastViewedMarker{}.TableName(): {"user_id", "channel_username"},
	TenantRequest{}.TableName():    {"request_id"},
	UserLocation{}.TableName():     {"user_id"},
	PushSubscription{}.TableName(): {"subscription_id"},
	InteractionState{}.TableName(): {"user_id", "feed_item_id"},
}

// tableIndexes maps logical index names to the column they constrain.
var tableIndexes = map[string]map[IndexName]string{
	ChannelMessage{}.TableName():   {IndexMessagesByChannel: "channel_username"},
	ChannelActivity{}.TableName():  {IndexActivityByUsername: "channel_username"},
	FollowRelation{}.TableName():   {IndexFollowsByUser: "user_id"},
	LastViewedMarker{}.TableName(): {IndexLastViewedByUser: "user_id"},
	TenantRequest{}.TableName(): {
		IndexRequestsByUsername: "channel_username",
		IndexRequestsByUser:     "user_id",
	},
	UserLocation{}.TableName():     {IndexLocationsByUser: "user_id"},
	PushSubscription{}.TableName(): {IndexPushByUser: "user_id"},
	InteractionState{}.TableName(): {IndexInteractionsByUser: "user_id"},
}

// AllRecords returns one prototype per mirrored table for schema migration.
func AllRecords() []any {
	return []any{
		&CachedUser{},
		&ChannelMessage{},
		&ChannelActivity{},
		&FollowRelation{},
		&LastViewedMarker{},
		&TenantRequest{},
		&UserLocation{},
		&PushSubscription{},
		&InteractionState{},
	}
}
