package versions

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidSessionID indicates a session identifier that is empty or exceeds
// storage bounds. Session ids are otherwise opaque strings.
var ErrInvalidSessionID = errors.New("versions: invalid session id")

// SessionID represents a validated session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// CodeVersion is one append-only full-buffer snapshot of a session. Seq is
// monotonic within a session; the latest snapshot is the join-time buffer.
type CodeVersion struct {
	VersionID       string `gorm:"column:version_id;primaryKey;size:190;not null"`
	SessionID       string `gorm:"column:session_id;size:190;not null;index:idx_versions_session_seq,priority:1"`
	Seq             int64  `gorm:"column:seq;not null;index:idx_versions_session_seq,priority:2"`
	Code            string `gorm:"column:code;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CodeVersion) TableName() string {
	return "code_versions"
}
