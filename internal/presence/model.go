package presence

import (
	"errors"
	"fmt"
	"strings"
)

// ResourceType enumerates the resources presence can be reported against.
type ResourceType string

const (
	// ResourceTypeDocument tracks attention on a collaborative document.
	ResourceTypeDocument ResourceType = "document"
	// ResourceTypeDeal tracks attention on a deal record.
	ResourceTypeDeal ResourceType = "deal"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidResourceType indicates an unsupported resource type value.
	ErrInvalidResourceType = errors.New("presence: invalid resource type")
	// ErrInvalidResourceID indicates that a resource identifier is empty or exceeds storage bounds.
	ErrInvalidResourceID = errors.New("presence: invalid resource id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("presence: invalid user id")
)

// NewResourceType validates raw input and returns a ResourceType.
func NewResourceType(rawInput string) (ResourceType, error) {
	switch ResourceType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ResourceTypeDocument:
		return ResourceTypeDocument, nil
	case ResourceTypeDeal:
		return ResourceTypeDeal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResourceType, rawInput)
	}
}

// String returns the underlying resource type value.
func (t ResourceType) String() string {
	return string(t)
}

// ResourceID represents a validated resource identifier.
type ResourceID string

// NewResourceID validates raw input and returns a ResourceID.
func NewResourceID(rawInput string) (ResourceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidResourceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidResourceID, maxIdentifierLength)
	}
	return ResourceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ResourceID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Cursor is a viewport position reported alongside a heartbeat.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Entry stores one user's live attention on a resource. There is at most one
// row per (resource_type, resource_id, user_id); a repeated heartbeat updates
// it in place. Staleness is derived from LastActiveAtSeconds at read time and
// is never stored.
type Entry struct {
	ResourceType        string   `gorm:"column:resource_type;primaryKey;size:32;not null"`
	ResourceID          string   `gorm:"column:resource_id;primaryKey;size:190;not null"`
	UserID              string   `gorm:"column:user_id;primaryKey;size:190;not null"`
	UserName            string   `gorm:"column:user_name;size:320;not null;default:''"`
	UserColor           string   `gorm:"column:user_color;size:32;not null;default:''"`
	CursorX             *float64 `gorm:"column:cursor_x"`
	CursorY             *float64 `gorm:"column:cursor_y"`
	LastActiveAtSeconds int64    `gorm:"column:last_active_at_s;not null;index:idx_presence_last_active"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "presence_entries"
}

// Cursor returns the stored cursor position, or nil when none was reported.
func (e Entry) Cursor() *Cursor {
	if e.CursorX == nil || e.CursorY == nil {
		return nil
	}
	return &Cursor{X: *e.CursorX, Y: *e.CursorY}
}
