package session

import (
	"errors"
	"fmt"
)

// Event names carried on the synchronization channel. The names and the payload
// field casing are part of the wire contract shared with the web editor.
const (
	EventJoin            = "join"
	EventLeave           = "leave"
	EventCodeChange      = "codeChange"
	EventCursorChange    = "cursorChange"
	EventEditHighlight   = "editHighlight"
	EventExecuteCode     = "executeCode"
	EventExecutionResult = "executionResult"
	EventEditorError     = "editorError"
)

var (
	// ErrUnknownEvent indicates an event name outside the channel vocabulary.
	ErrUnknownEvent = errors.New("session: unknown event")
	// ErrMissingField indicates a payload without a field the event requires.
	ErrMissingField = errors.New("session: missing required field")
	// ErrInvalidCursor indicates a cursor position outside the valid range.
	ErrInvalidCursor = errors.New("session: invalid cursor position")
	// ErrInvalidLineNumber indicates a non-positive highlight line number.
	ErrInvalidLineNumber = errors.New("session: invalid line number")
)

// CursorPosition is a caret location within the shared buffer. Lines and
// columns are 1-based, matching the editor surface.
type CursorPosition struct {
	LineNumber int `json:"lineNumber"`
	Column     int `json:"column"`
}

// Envelope is the flat wire message exchanged over the synchronization
// channel. Fields not used by a given event are omitted from the encoding.
type Envelope struct {
	Event           string          `json:"event"`
	CodingSessionID string          `json:"codingSessionID"`
	Username        string          `json:"username,omitempty"`
	Code            string          `json:"code,omitempty"`
	CursorPosition  *CursorPosition `json:"cursorPosition,omitempty"`
	LineNumber      int             `json:"lineNumber,omitempty"`
	EditorID        string          `json:"editorId,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Result          string          `json:"result,omitempty"`
}

// Validate checks that the envelope carries the fields its event requires.
// The registry forwards payloads without interpretation; receivers call this
// before applying an event.
func (e Envelope) Validate() error {
	if e.CodingSessionID == "" {
		return fmt.Errorf("%w: codingSessionID", ErrMissingField)
	}
	switch e.Event {
	case EventJoin, EventLeave:
		if e.Username == "" {
			return fmt.Errorf("%w: username", ErrMissingField)
		}
	case EventCodeChange, EventExecuteCode:
		if e.Username == "" {
			return fmt.Errorf("%w: username", ErrMissingField)
		}
	case EventCursorChange:
		if e.Username == "" {
			return fmt.Errorf("%w: username", ErrMissingField)
		}
		if e.CursorPosition == nil {
			return fmt.Errorf("%w: cursorPosition", ErrMissingField)
		}
		if e.CursorPosition.LineNumber < 1 || e.CursorPosition.Column < 1 {
			return fmt.Errorf("%w: %d:%d", ErrInvalidCursor, e.CursorPosition.LineNumber, e.CursorPosition.Column)
		}
	case EventEditHighlight:
		if e.EditorID == "" {
			return fmt.Errorf("%w: editorId", ErrMissingField)
		}
		if e.Timestamp <= 0 {
			return fmt.Errorf("%w: timestamp", ErrMissingField)
		}
		if e.LineNumber < 1 {
			return fmt.Errorf("%w: %d", ErrInvalidLineNumber, e.LineNumber)
		}
	case EventExecutionResult, EventEditorError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Event)
	}
	return nil
}
