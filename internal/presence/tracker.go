package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultActiveWindow bounds how old a heartbeat may be for the user to
	// still count as active.
	DefaultActiveWindow = 30 * time.Second
	// DefaultStaleWindow bounds how old a heartbeat may be before the sweep
	// removes the entry.
	DefaultStaleWindow = 60 * time.Second

	opTrackerNew    = "presence.tracker.new"
	opHeartbeat     = "presence.heartbeat"
	opActiveUsers   = "presence.active_users"
	opLeave         = "presence.leave"
	opCleanupStale  = "presence.cleanup_stale"

	fieldResourceType = "resource_type"
	fieldResourceID   = "resource_id"
	fieldUserID       = "user_id"

	reasonMissingDatabase = "missing_database"
	reasonWindowOrder     = "window_order"
	reasonUpsertFailed    = "upsert_failed"
	reasonQueryFailed     = "query_failed"
	reasonDeleteFailed    = "delete_failed"

	queryResource     = fieldResourceType + " = ? AND " + fieldResourceID + " = ?"
	queryResourceUser = queryResource + " AND " + fieldUserID + " = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errWindowOrder     = errors.New("stale window must not be shorter than active window")
	noOpLogger         = zap.NewNop()
)

// TrackerError carries an operation.reason code for presence failures.
type TrackerError struct {
	code string
	err  error
}

func (e *TrackerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *TrackerError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *TrackerError) Code() string {
	return e.code
}

func newTrackerError(operation, reason string, cause error) error {
	return &TrackerError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// HeartbeatRequest describes one presence refresh. UserName, UserColor and
// Cursor are optional; absent fields keep their stored values empty.
type HeartbeatRequest struct {
	ResourceType ResourceType
	ResourceID   ResourceID
	UserID       UserID
	UserName     string
	UserColor    string
	Cursor       *Cursor
}

// TrackerConfig describes the dependencies and windows for the tracker.
type TrackerConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	Logger       *zap.Logger
	ActiveWindow time.Duration
	StaleWindow  time.Duration
}

// Tracker maintains per-resource live-user entries with TTL-style expiry.
type Tracker struct {
	db           *gorm.DB
	clock        func() time.Time
	logger       *zap.Logger
	activeWindow time.Duration
	staleWindow  time.Duration
}

// NewTracker validates the configuration and returns a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, newTrackerError(opTrackerNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	activeWindow := cfg.ActiveWindow
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	staleWindow := cfg.StaleWindow
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	if staleWindow < activeWindow {
		return nil, newTrackerError(opTrackerNew, reasonWindowOrder, errWindowOrder)
	}
	return &Tracker{
		db:           cfg.Database,
		clock:        clock,
		logger:       logger,
		activeWindow: activeWindow,
		staleWindow:  staleWindow,
	}, nil
}

// Heartbeat upserts the entry for the composite key and refreshes
// last_active_at. A repeated heartbeat never duplicates the row.
func (t *Tracker) Heartbeat(ctx context.Context, request HeartbeatRequest) error {
	entry := Entry{
		ResourceType:        request.ResourceType.String(),
		ResourceID:          request.ResourceID.String(),
		UserID:              request.UserID.String(),
		UserName:            request.UserName,
		UserColor:           request.UserColor,
		LastActiveAtSeconds: t.clock().UTC().Unix(),
	}
	if request.Cursor != nil {
		cursorX := request.Cursor.X
		cursorY := request.Cursor.Y
		entry.CursorX = &cursorX
		entry.CursorY = &cursorY
	}

	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: fieldResourceType},
			{Name: fieldResourceID},
			{Name: fieldUserID},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_name", "user_color", "cursor_x", "cursor_y", "last_active_at_s",
		}),
	}).Create(&entry).Error
	if err != nil {
		t.logError(opHeartbeat, reasonUpsertFailed, err,
			zap.String(fieldResourceType, entry.ResourceType),
			zap.String(fieldResourceID, entry.ResourceID),
			zap.String(fieldUserID, entry.UserID))
		return newTrackerError(opHeartbeat, reasonUpsertFailed, err)
	}
	return nil
}

// ActiveUsers returns every entry on the resource whose heartbeat is newer
// than the active window.
func (t *Tracker) ActiveUsers(ctx context.Context, resourceType ResourceType, resourceID ResourceID) ([]Entry, error) {
	threshold := t.clock().UTC().Add(-t.activeWindow).Unix()
	var entries []Entry
	err := t.db.WithContext(ctx).
		Where(queryResource, resourceType.String(), resourceID.String()).
		Where("last_active_at_s > ?", threshold).
		Order("user_id ASC").
		Find(&entries).Error
	if err != nil {
		t.logError(opActiveUsers, reasonQueryFailed, err,
			zap.String(fieldResourceType, resourceType.String()),
			zap.String(fieldResourceID, resourceID.String()))
		return nil, newTrackerError(opActiveUsers, reasonQueryFailed, err)
	}
	return entries, nil
}

// Leave removes the entry immediately, bypassing the staleness windows.
// Removing an absent entry is not an error.
func (t *Tracker) Leave(ctx context.Context, resourceType ResourceType, resourceID ResourceID, userID UserID) error {
	err := t.db.WithContext(ctx).
		Where(queryResourceUser, resourceType.String(), resourceID.String(), userID.String()).
		Delete(&Entry{}).Error
	if err != nil {
		t.logError(opLeave, reasonDeleteFailed, err,
			zap.String(fieldResourceType, resourceType.String()),
			zap.String(fieldResourceID, resourceID.String()),
			zap.String(fieldUserID, userID.String()))
		return newTrackerError(opLeave, reasonDeleteFailed, err)
	}
	return nil
}

// CleanupStale deletes every entry older than the stale window and returns
// the number removed. It is idempotent and intended to be invoked by an
// external scheduler.
func (t *Tracker) CleanupStale(ctx context.Context) (int64, error) {
	threshold := t.clock().UTC().Add(-t.staleWindow).Unix()
	result := t.db.WithContext(ctx).
		Where("last_active_at_s < ?", threshold).
		Delete(&Entry{})
	if result.Error != nil {
		t.logError(opCleanupStale, reasonDeleteFailed, result.Error)
		return 0, newTrackerError(opCleanupStale, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected > 0 {
		t.logger.Info("stale presence entries removed", zap.Int64("removed", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("presence tracker error", attrs...)
}
