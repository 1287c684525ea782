package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dealdesk/collab-sync/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "versions.service.new"
	opSaveVersion    = "versions.save_version"
	opListVersions   = "versions.list_versions"
	opGetVersion     = "versions.get_version"
	opRestoreVersion = "versions.restore_version"
	opVersionCount   = "versions.version_count"

	fieldDocumentID    = "document_id"
	fieldVersionNumber = "version_number"

	reasonMissingDatabase     = "missing_database"
	reasonMissingLiveDocument = "missing_live_documents"
	reasonEmptyContent        = "empty_content"
	reasonMaxQueryFailed      = "max_query_failed"
	reasonInsertFailed        = "insert_failed"
	reasonQueryFailed         = "query_failed"
	reasonVersionNotFound     = "version_not_found"
	reasonLiveWriteFailed     = "live_write_failed"

	restoreDescriptionFormat = "Restored from version %d"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingLiveDocuments = errors.New("live documents dependency is required")
	// ErrEmptyContent indicates a save request with no content to snapshot.
	ErrEmptyContent = errors.New("versions: empty content")
	// ErrVersionNotFound indicates that the requested version does not exist.
	ErrVersionNotFound = errors.New("versions: version not found")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code for version history failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// LiveDocuments is the side-effect boundary restore writes through: it owns
// the canonical document record outside this manager's own storage.
type LiveDocuments interface {
	ReplaceContent(ctx context.Context, id docstore.DocumentID, content, markdown string) error
}

// SaveRequest describes one version snapshot to append. Markdown, CreatedBy
// and ChangeDescription are optional.
type SaveRequest struct {
	DocumentID        docstore.DocumentID
	Content           string
	Markdown          string
	CreatedBy         string
	ChangeDescription string
}

// ServiceConfig describes the dependencies for the version history manager.
type ServiceConfig struct {
	Database      *gorm.DB
	LiveDocuments LiveDocuments
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service appends, lists and restores immutable document versions.
type Service struct {
	db            *gorm.DB
	liveDocuments LiveDocuments
	clock         func() time.Time
	logger        *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.LiveDocuments == nil {
		return nil, newServiceError(opServiceNew, reasonMissingLiveDocument, errMissingLiveDocuments)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:            cfg.Database,
		liveDocuments: cfg.LiveDocuments,
		clock:         clock,
		logger:        logger,
	}, nil
}

// SaveVersion appends the next version for the document and returns its
// number. The read-max and insert run in one transaction with a row lock, and
// the unique (document_id, version_number) index backstops the race, so two
// concurrent saves can never produce a duplicate or out-of-order number.
func (s *Service) SaveVersion(ctx context.Context, request SaveRequest) (VersionNumber, error) {
	if request.Content == "" {
		return 0, newServiceError(opSaveVersion, reasonEmptyContent, ErrEmptyContent)
	}

	var assigned int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int64
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&DocumentVersion{}).
			Where("document_id = ?", request.DocumentID.String()).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&maxNumber).Error
		if err != nil {
			s.logError(opSaveVersion, reasonMaxQueryFailed, err,
				zap.String(fieldDocumentID, request.DocumentID.String()))
			return newServiceError(opSaveVersion, reasonMaxQueryFailed, err)
		}

		assigned = maxNumber + 1
		record := DocumentVersion{
			DocumentID:       request.DocumentID.String(),
			VersionNumber:    assigned,
			Content:          request.Content,
			Markdown:         request.Markdown,
			CreatedBy:        request.CreatedBy,
			ChangeDesc:       request.ChangeDescription,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opSaveVersion, reasonInsertFailed, err,
				zap.String(fieldDocumentID, request.DocumentID.String()),
				zap.Int64(fieldVersionNumber, assigned))
			return newServiceError(opSaveVersion, reasonInsertFailed, err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	// Version history has no retention policy; surface growth to operators.
	s.logger.Debug("version saved",
		zap.String(fieldDocumentID, request.DocumentID.String()),
		zap.Int64(fieldVersionNumber, assigned))

	return VersionNumber(assigned), nil
}

// ListVersions returns every version for the document, newest first.
func (s *Service) ListVersions(ctx context.Context, id docstore.DocumentID) ([]DocumentVersion, error) {
	var records []DocumentVersion
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id.String()).
		Order("version_number DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opListVersions, reasonQueryFailed, err, zap.String(fieldDocumentID, id.String()))
		return nil, newServiceError(opListVersions, reasonQueryFailed, err)
	}
	return records, nil
}

// GetVersion returns one version, or ErrVersionNotFound when it is absent.
func (s *Service) GetVersion(ctx context.Context, id docstore.DocumentID, number VersionNumber) (*DocumentVersion, error) {
	var record DocumentVersion
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND version_number = ?", id.String(), number.Int64()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, id.String(), number.Int64())
	}
	if err != nil {
		s.logError(opGetVersion, reasonQueryFailed, err,
			zap.String(fieldDocumentID, id.String()),
			zap.Int64(fieldVersionNumber, number.Int64()))
		return nil, newServiceError(opGetVersion, reasonQueryFailed, err)
	}
	return &record, nil
}

// RestoreVersion copies the target version's content onto the live document
// record and then appends a new version documenting the restore. Past
// versions are never edited; a restore always writes the next number.
func (s *Service) RestoreVersion(ctx context.Context, id docstore.DocumentID, number VersionNumber, restoredBy string) (RestoreResult, error) {
	target, err := s.GetVersion(ctx, id, number)
	if err != nil {
		return RestoreResult{}, err
	}

	if err := s.liveDocuments.ReplaceContent(ctx, id, target.Content, target.Markdown); err != nil {
		s.logError(opRestoreVersion, reasonLiveWriteFailed, err,
			zap.String(fieldDocumentID, id.String()),
			zap.Int64(fieldVersionNumber, number.Int64()))
		return RestoreResult{}, newServiceError(opRestoreVersion, reasonLiveWriteFailed, err)
	}

	newNumber, err := s.SaveVersion(ctx, SaveRequest{
		DocumentID:        id,
		Content:           target.Content,
		Markdown:          target.Markdown,
		CreatedBy:         restoredBy,
		ChangeDescription: fmt.Sprintf(restoreDescriptionFormat, number.Int64()),
	})
	if err != nil {
		return RestoreResult{}, err
	}

	return RestoreResult{RestoredVersion: number, NewVersion: newNumber}, nil
}

// VersionCount returns the number of versions stored for the document.
func (s *Service) VersionCount(ctx context.Context, id docstore.DocumentID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&DocumentVersion{}).
		Where("document_id = ?", id.String()).
		Count(&count).Error
	if err != nil {
		s.logError(opVersionCount, reasonQueryFailed, err, zap.String(fieldDocumentID, id.String()))
		return 0, newServiceError(opVersionCount, reasonQueryFailed, err)
	}
	return count, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("versions service error", attrs...)
}
