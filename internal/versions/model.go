package versions

import (
	"errors"
	"fmt"
)

// ErrInvalidVersionNumber indicates that a version number is not positive.
var ErrInvalidVersionNumber = errors.New("versions: invalid version number")

// VersionNumber represents a validated per-document version number.
// Numbers start at 1 and increase without gaps.
type VersionNumber int64

// NewVersionNumber validates the value and returns a VersionNumber.
func NewVersionNumber(value int64) (VersionNumber, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersionNumber, value)
	}
	return VersionNumber(value), nil
}

// Int64 exposes the raw version number.
func (n VersionNumber) Int64() int64 {
	return int64(n)
}

// DocumentVersion stores one immutable snapshot of document content.
// Markdown, CreatedBy and ChangeDescription are optional; empty means absent.
type DocumentVersion struct {
	VersionID        int64  `gorm:"column:version_id;primaryKey;autoIncrement"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_version_per_document,priority:1"`
	VersionNumber    int64  `gorm:"column:version_number;not null;uniqueIndex:idx_version_per_document,priority:2"`
	Content          string `gorm:"column:content;type:text;not null"`
	Markdown         string `gorm:"column:markdown;type:text;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;default:''"`
	ChangeDesc       string `gorm:"column:change_description;size:512;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentVersion) TableName() string {
	return "document_versions"
}

// RestoreResult reports the outcome of a restore: the version that was copied
// back and the freshly written version recording the restore.
type RestoreResult struct {
	RestoredVersion VersionNumber
	NewVersion      VersionNumber
}
