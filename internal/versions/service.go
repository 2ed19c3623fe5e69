package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "versions.service.new"
	opLatest     = "versions.latest"
	opAppend     = "versions.append"
	opHistory    = "versions.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for version rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the version store service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists the append-only version history of session code buffers.
// Only the latest snapshot matters for session resumption; older rows serve
// the history read surface.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the version store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LatestCode returns the most recent snapshot for a session. A session with
// no history reports found=false without error; the caller substitutes an
// empty buffer.
func (s *Service) LatestCode(ctx context.Context, rawSessionID string) (string, bool, error) {
	sessionID, err := NewSessionID(rawSessionID)
	if err != nil {
		s.logError(opLatest, "invalid_session_id", err)
		return "", false, newServiceError(opLatest, "invalid_session_id", err)
	}

	var version CodeVersion
	err = s.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Order("seq DESC").
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opLatest, "query_failed", err, zap.String("session_id", sessionID.String()))
		return "", false, newServiceError(opLatest, "query_failed", err)
	}
	return version.Code, true, nil
}

// AppendCode stores a new full-buffer snapshot with the next per-session
// sequence number.
func (s *Service) AppendCode(ctx context.Context, rawSessionID, code string) error {
	sessionID, err := NewSessionID(rawSessionID)
	if err != nil {
		s.logError(opAppend, "invalid_session_id", err)
		return newServiceError(opAppend, "invalid_session_id", err)
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppend, "id_generation_failed", err, zap.String("session_id", sessionID.String()))
		return newServiceError(opAppend, "id_generation_failed", err)
	}

	createdAt := s.clock().UTC().UnixMilli()
	// SQLite serializes writers, so the seq read and the insert are atomic
	// within the transaction without explicit row locking.
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest CodeVersion
		nextSeq := int64(1)
		err := tx.
			Where("session_id = ?", sessionID.String()).
			Order("seq DESC").
			Take(&latest).Error
		if err == nil {
			nextSeq = latest.Seq + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAppend, "seq_select_failed", err)
		}

		record := CodeVersion{
			VersionID:       versionID,
			SessionID:       sessionID.String(),
			Seq:             nextSeq,
			Code:            code,
			CreatedAtMillis: createdAt,
		}
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opAppend, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAppend, "transaction_failed", txErr, zap.String("session_id", sessionID.String()))
		return txErr
	}
	return nil
}

// History returns up to limit snapshots for a session, newest first. A
// non-positive limit returns the full history.
func (s *Service) History(ctx context.Context, rawSessionID string, limit int) ([]CodeVersion, error) {
	sessionID, err := NewSessionID(rawSessionID)
	if err != nil {
		s.logError(opHistory, "invalid_session_id", err)
		return nil, newServiceError(opHistory, "invalid_session_id", err)
	}

	query := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []CodeVersion
	if err := query.Find(&records).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("session_id", sessionID.String()))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return records, nil
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
	s.logger.Error("version store error", attrs...)
}
