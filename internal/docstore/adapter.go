package docstore

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
	opFetchState     = "docstore.fetch_state"
	opStoreState     = "docstore.store_state"
	opReplaceContent = "docstore.replace_content"
	opGetDocument    = "docstore.get_document"

	fieldDocumentName = "document_name"
	fieldDocumentID   = "document_id"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonEmptyState      = "empty_state"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyState      = errors.New("state blob is required")
	noOpLogger         = zap.NewNop()
)

// AdapterError carries an operation.reason code for storage failures so
// callers can distinguish a transient persistence error from "never existed".
type AdapterError struct {
	code string
	err  error
}

func (e *AdapterError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *AdapterError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *AdapterError) Code() string {
	return e.code
}

func newAdapterError(operation, reason string, cause error) error {
	return &AdapterError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// AdapterConfig describes the dependencies for the persistence adapter.
type AdapterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Adapter reads and writes serialized room state and the canonical document
// record. It is safe for concurrent use across distinct keys; calls for the
// same key are serialized by the room coordinator.
type Adapter struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewAdapter validates the configuration and returns an Adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Database == nil {
		return nil, newAdapterError("docstore.adapter.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Adapter{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Fetch returns the durable state blob for the document name, or (nil, nil)
// when no state has ever been stored under that key. Any other failure is
// returned as an AdapterError so the caller can fail closed instead of
// silently treating a broken store as an empty document.
func (a *Adapter) Fetch(ctx context.Context, name DocumentName) ([]byte, error) {
	var record DocumentState
	err := a.db.WithContext(ctx).
		Where("document_name = ?", name.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		a.logError(opFetchState, reasonQueryFailed, err, zap.String(fieldDocumentName, name.String()))
		return nil, newAdapterError(opFetchState, reasonQueryFailed, err)
	}
	return record.StateBlob, nil
}

// Store upserts the state blob under the document name and stamps updated_at.
func (a *Adapter) Store(ctx context.Context, name DocumentName, state []byte) error {
	if len(state) == 0 {
		return newAdapterError(opStoreState, reasonEmptyState, errEmptyState)
	}
	record := DocumentState{
		DocumentName:     name.String(),
		StateBlob:        state,
		UpdatedAtSeconds: a.clock().UTC().Unix(),
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_blob", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		a.logError(opStoreState, reasonUpsertFailed, err, zap.String(fieldDocumentName, name.String()))
		return newAdapterError(opStoreState, reasonUpsertFailed, err)
	}
	return nil
}

// ReplaceContent writes the canonical document body, creating the record when
// it does not exist yet. Version restore uses this as its side effect on the
// live document.
func (a *Adapter) ReplaceContent(ctx context.Context, id DocumentID, content, markdown string) error {
	record := Document{
		DocumentID:       id.String(),
		Content:          content,
		Markdown:         markdown,
		UpdatedAtSeconds: a.clock().UTC().Unix(),
	}
	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "markdown", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		a.logError(opReplaceContent, reasonUpsertFailed, err, zap.String(fieldDocumentID, id.String()))
		return newAdapterError(opReplaceContent, reasonUpsertFailed, err)
	}
	return nil
}

// GetDocument returns the canonical document record, or (nil, nil) when the
// document has no canonical record yet.
func (a *Adapter) GetDocument(ctx context.Context, id DocumentID) (*Document, error) {
	var record Document
	err := a.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		a.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, id.String()))
		return nil, newAdapterError(opGetDocument, reasonQueryFailed, err)
	}
	return &record, nil
}

func (a *Adapter) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("docstore error", attrs...)
}
