package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew        = "cache.store.new"
	opGet             = "cache.get"
	opAll             = "cache.all"
	opAllByIndex      = "cache.all_by_index"
	opPut             = "cache.put"
	opDelete          = "cache.delete"
	opChannelHistory  = "cache.channel_history"
	opRecentMessages  = "cache.recent_messages"
	opReplaceUser     = "cache.replace_user"
	opAdvanceViewed   = "cache.advance_last_viewed"
	opUnreadCount     = "cache.unread_count"
	opClearByIndex    = "cache.clear_by_index"
)

// StoreConfig wires the Store's dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the single durable source of truth on the client. Every mirrored
// table lives here; in-memory state elsewhere is derived and rebuildable.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store over an opened database handle.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get fetches one record by primary key. The second return reports presence;
// absence is not an error.
func Get[R Record](ctx context.Context, s *Store, keyValues ...any) (R, bool, error) {
	var record R
	condition, err := primaryKeyCondition(record.TableName(), keyValues)
	if err != nil {
		return record, false, err
	}
	queryErr := s.db.WithContext(ctx).Where(condition, keyValues...).Take(&record).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return record, false, nil
	}
	if queryErr != nil {
		s.logError(opGet, "engine_read_failed", queryErr, zap.String("table", record.TableName()))
		return record, false, storageUnavailable(opGet, "engine_read_failed", queryErr)
	}
	return record, true, nil
}

// All returns every row of a mirrored table.
func All[R Record](ctx context.Context, s *Store) ([]R, error) {
	var prototype R
	var records []R
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		s.logError(opAll, "engine_read_failed", err, zap.String("table", prototype.TableName()))
		return nil, storageUnavailable(opAll, "engine_read_failed", err)
	}
	return records, nil
}

// AllByIndex returns every row matching a declared secondary index value.
// An index name not registered for the record's table is caller misuse.
func AllByIndex[R Record](ctx context.Context, s *Store, index IndexName, value any) ([]R, error) {
	var prototype R
	column, err := indexColumn(prototype.TableName(), index)
	if err != nil {
		return nil, err
	}
	var records []R
	if queryErr := s.db.WithContext(ctx).Where(fmt.Sprintf("%s = ?", column), value).Find(&records).Error; queryErr != nil {
		s.logError(opAllByIndex, "engine_read_failed", queryErr,
			zap.String("table", prototype.TableName()),
			zap.String("index", string(index)))
		return nil, storageUnavailable(opAllByIndex, "engine_read_failed", queryErr)
	}
	return records, nil
}

// Put upserts a record by primary key. The write is atomic per call: either
// the full record becomes visible to subsequent reads or nothing does.
func Put[R Record](ctx context.Context, s *Store, record R) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		s.logError(opPut, "engine_write_failed", err, zap.String("table", record.TableName()))
		return storageUnavailable(opPut, "engine_write_failed", err)
	}
	return nil
}

// Delete removes a record by primary key. Deleting an absent row is a no-op.
func Delete[R Record](ctx context.Context, s *Store, keyValues ...any) error {
	var record R
	condition, err := primaryKeyCondition(record.TableName(), keyValues)
	if err != nil {
		return err
	}
	if deleteErr := s.db.WithContext(ctx).Where(condition, keyValues...).Delete(&record).Error; deleteErr != nil {
		s.logError(opDelete, "engine_delete_failed", deleteErr, zap.String("table", record.TableName()))
		return storageUnavailable(opDelete, "engine_delete_failed", deleteErr)
	}
	return nil
}

// DeleteByIndex removes every row matching a declared secondary index value.
func DeleteByIndex[R Record](ctx context.Context, s *Store, index IndexName, value any) error {
	var prototype R
	column, err := indexColumn(prototype.TableName(), index)
	if err != nil {
		return err
	}
	if deleteErr := s.db.WithContext(ctx).Where(fmt.Sprintf("%s = ?", column), value).Delete(&prototype).Error; deleteErr != nil {
		s.logError(opClearByIndex, "engine_delete_failed", deleteErr,
			zap.String("table", prototype.TableName()),
			zap.String("index", string(index)))
		return storageUnavailable(opClearByIndex, "engine_delete_failed", deleteErr)
	}
	return nil
}

// ChannelHistory returns a channel's full cached history ordered by
// created_at with ties broken by message id.
func (s *Store) ChannelHistory(ctx context.Context, channelUsername string) ([]ChannelMessage, error) {
	var messages []ChannelMessage
	err := s.db.WithContext(ctx).
		Where("channel_username = ?", channelUsername).
		Order("created_at_s ASC, message_id ASC").
		Find(&messages).Error
	if err != nil {
		s.logError(opChannelHistory, "engine_read_failed", err, zap.String("channel", channelUsername))
		return nil, storageUnavailable(opChannelHistory, "engine_read_failed", err)
	}
	return messages, nil
}

// RecentMessages returns the newest cached messages for a channel,
// newest-first, for a cached first paint before any network round-trip.
func (s *Store) RecentMessages(ctx context.Context, channelUsername string, limit int) ([]ChannelMessage, error) {
	if limit <= 0 {
		return nil, invalidArgument(opRecentMessages, "non_positive_limit", fmt.Errorf("limit %d", limit))
	}
	var messages []ChannelMessage
	err := s.db.WithContext(ctx).
		Where("channel_username = ?", channelUsername).
		Order("created_at_s DESC, message_id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		s.logError(opRecentMessages, "engine_read_failed", err, zap.String("channel", channelUsername))
		return nil, storageUnavailable(opRecentMessages, "engine_read_failed", err)
	}
	return messages, nil
}

// ReplaceUser swaps the cached session user wholesale. Sign-in and sign-out
// both go through here; the users table never holds more than one row.
func (s *Store) ReplaceUser(ctx context.Context, user CachedUser) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&CachedUser{}).Error; err != nil {
			return err
		}
		return tx.Create(&user).Error
	})
	if txErr != nil {
		s.logError(opReplaceUser, "engine_write_failed", txErr, zap.String("user_id", user.UserID))
		return storageUnavailable(opReplaceUser, "engine_write_failed", txErr)
	}
	return nil
}

// AdvanceLastViewed moves a user's last-viewed marker forward. A marker never
// moves backward; a stale timestamp is silently ignored.
func (s *Store) AdvanceLastViewed(ctx context.Context, marker LastViewedMarker) error {
	existing, found, err := Get[LastViewedMarker](ctx, s, marker.UserID, marker.ChannelUsername)
	if err != nil {
		return err
	}
	if found && existing.ViewedAtSeconds >= marker.ViewedAtSeconds {
		return nil
	}
	if err := Put(ctx, s, marker); err != nil {
		s.logError(opAdvanceViewed, "marker_write_failed", err,
			zap.String("user_id", marker.UserID),
			zap.String("channel", marker.ChannelUsername))
		return err
	}
	return nil
}

// UnreadCount derives the number of cached messages newer than the user's
// last-viewed marker for a channel. Without a marker every cached message is
// unread.
func (s *Store) UnreadCount(ctx context.Context, userID, channelUsername string) (int64, error) {
	marker, found, err := Get[LastViewedMarker](ctx, s, userID, channelUsername)
	if err != nil {
		return 0, err
	}
	var viewedAt int64
	if found {
		viewedAt = marker.ViewedAtSeconds
	}
	var count int64
	countErr := s.db.WithContext(ctx).
		Model(&ChannelMessage{}).
		Where("channel_username = ? AND created_at_s > ?", channelUsername, viewedAt).
		Count(&count).Error
	if countErr != nil {
		s.logError(opUnreadCount, "engine_read_failed", countErr,
			zap.String("user_id", userID),
			zap.String("channel", channelUsername))
		return 0, storageUnavailable(opUnreadCount, "engine_read_failed", countErr)
	}
	return count, nil
}

func primaryKeyCondition(table string, keyValues []any) (string, error) {
	columns, ok := tableKeys[table]
	if !ok {
		return "", invalidArgument(opGet, "unknown_table", fmt.Errorf("table %q", table))
	}
	if len(keyValues) != len(columns) {
		return "", invalidArgument(opGet, "key_arity_mismatch",
			fmt.Errorf("table %q expects %d key values, got %d", table, len(columns), len(keyValues)))
	}
	clauses := make([]string, 0, len(columns))
	for _, column := range columns {
		clauses = append(clauses, fmt.Sprintf("%s = ?", column))
	}
	return strings.Join(clauses, " AND "), nil
}

func indexColumn(table string, index IndexName) (string, error) {
	indexes, ok := tableIndexes[table]
	if !ok {
		return "", invalidArgument(opAllByIndex, "unindexed_table", fmt.Errorf("table %q", table))
	}
	column, ok := indexes[index]
	if !ok {
		return "", invalidArgument(opAllByIndex, "unknown_index", fmt.Errorf("table %q index %q", table, index))
	}
	return column, nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cache store error", attrs...)
}
