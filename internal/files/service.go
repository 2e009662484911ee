package files

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingFileID   = errors.New("file identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrFileNotFound indicates no row exists for the file identifier.
	ErrFileNotFound = errors.New("files: record not found")
	// ErrLegacyNotFound indicates no legacy document exists for the slug.
	ErrLegacyNotFound = errors.New("files: legacy document not found")
)

// ServiceError carries an operation.reason code alongside its cause.
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

const (
	opServiceNew        = "files.service.new"
	opGetFileRecord     = "files.get_file_record"
	opTouchUpdatedAt    = "files.touch_updated_at"
	opSoftDelete        = "files.soft_delete"
	opGetLegacySnapshot = "files.get_legacy_snapshot"
	opResolvePublished  = "files.resolve_published_slug"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig configures the metadata-database service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service mediates access to file metadata rows.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetFileRecord fetches the metadata row for a file. Absence is reported as
// ErrFileNotFound; any other failure is a transient infrastructure error.
func (s *Service) GetFileRecord(ctx context.Context, fileID string) (FileRecord, error) {
	if fileID == "" {
		return FileRecord{}, newServiceError(opGetFileRecord, "missing_file_id", errMissingFileID)
	}
	var record FileRecord
	err := s.db.WithContext(ctx).Where("file_id = ?", fileID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileRecord{}, ErrFileNotFound
	}
	if err != nil {
		s.logError(opGetFileRecord, "query_failed", err, zap.String("file_id", fileID))
		return FileRecord{}, newServiceError(opGetFileRecord, "query_failed", err)
	}
	return record, nil
}

// TouchUpdatedAt bumps the row's updated-at timestamp. Missing rows are not
// an error: the record may have been deleted since the persist started.
func (s *Service) TouchUpdatedAt(ctx context.Context, fileID string) error {
	if fileID == "" {
		return newServiceError(opTouchUpdatedAt, "missing_file_id", errMissingFileID)
	}
	err := s.db.WithContext(ctx).Model(&FileRecord{}).
		Where("file_id = ?", fileID).
		Update("updated_at_s", s.clock().UTC().Unix()).Error
	if err != nil {
		s.logError(opTouchUpdatedAt, "update_failed", err, zap.String("file_id", fileID))
		return newServiceError(opTouchUpdatedAt, "update_failed", err)
	}
	return nil
}

// SoftDelete marks the row deleted without removing it.
func (s *Service) SoftDelete(ctx context.Context, fileID string) error {
	if fileID == "" {
		return newServiceError(opSoftDelete, "missing_file_id", errMissingFileID)
	}
	err := s.db.WithContext(ctx).Model(&FileRecord{}).
		Where("file_id = ?", fileID).
		Updates(map[string]any{
			"is_deleted":   true,
			"updated_at_s": s.clock().UTC().Unix(),
		}).Error
	if err != nil {
		s.logError(opSoftDelete, "update_failed", err, zap.String("file_id", fileID))
		return newServiceError(opSoftDelete, "update_failed", err)
	}
	return nil
}

// GetLegacySnapshot looks up a pre-app document by slug. Zero rows yield
// ErrLegacyNotFound; a query failure yields a transient error so callers can
// distinguish "never existed" from "could not check".
func (s *Service) GetLegacySnapshot(ctx context.Context, slug string) (string, error) {
	if slug == "" {
		return "", newServiceError(opGetLegacySnapshot, "missing_slug", errMissingFileID)
	}
	var legacy LegacyDocument
	err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&legacy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrLegacyNotFound
	}
	if err != nil {
		s.logError(opGetLegacySnapshot, "query_failed", err, zap.String("slug", slug))
		return "", newServiceError(opGetLegacySnapshot, "query_failed", err)
	}
	return legacy.SnapshotJSON, nil
}

// ResolvePublishedSlug maps a published slug back to its owning file.
func (s *Service) ResolvePublishedSlug(ctx context.Context, publishedSlug string) (FileRecord, error) {
	if publishedSlug == "" {
		return FileRecord{}, newServiceError(opResolvePublished, "missing_slug", errMissingFileID)
	}
	var record FileRecord
	err := s.db.WithContext(ctx).
		Where("published_slug = ? AND published = ?", publishedSlug, true).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileRecord{}, ErrFileNotFound
	}
	if err != nil {
		s.logError(opResolvePublished, "query_failed", err, zap.String("published_slug", publishedSlug))
		return FileRecord{}, newServiceError(opResolvePublished, "query_failed", err)
	}
	return record, nil
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
	s.logger.Error("files service error", attrs...)
}
