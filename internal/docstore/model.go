package docstore

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentName indicates that a room key is empty or exceeds storage bounds.
	ErrInvalidDocumentName = errors.New("docstore: invalid document name")
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("docstore: invalid document id")
)

// DocumentName represents a validated room key, e.g. "doc:42".
type DocumentName string

// NewDocumentName validates raw input and returns a DocumentName.
func NewDocumentName(rawInput string) (DocumentName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentName, maxIdentifierLength)
	}
	return DocumentName(trimmed), nil
}

// String returns the underlying room key.
func (name DocumentName) String() string {
	return string(name)
}

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// DocumentState stores the durable mirror of one room's serialized state.
type DocumentState struct {
	DocumentName     string `gorm:"column:document_name;primaryKey;size:190;not null"`
	StateBlob        []byte `gorm:"column:state_blob;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentState) TableName() string {
	return "document_states"
}

// Document is the canonical document record the rest of the platform reads.
// Content holds the rendered document body; Markdown is an optional mirror and
// may be empty.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	Markdown         string `gorm:"column:markdown;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}
