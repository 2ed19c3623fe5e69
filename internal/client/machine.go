package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State enumerates the lifecycle of a participant's session machine.
type State string

const (
	// StateLoading covers the initial history fetch before the join event.
	StateLoading State = "loading"
	// StateJoined covers the editing/viewing phase; there is no distinct mode
	// switch between the two.
	StateJoined State = "joined"
	// StateLeft is terminal; entered exactly once on teardown.
	StateLeft State = "left"
)

var (
	// ErrNotJoined indicates an operation that requires the joined state.
	ErrNotJoined = errors.New("client: not joined")
	// ErrAlreadyStarted indicates a second Start on the same machine.
	ErrAlreadyStarted = errors.New("client: already started")
	errMissingSession = errors.New("client: session id required")
	errMissingUser    = errors.New("client: username required")
	errMissingChannel = errors.New("client: channel required")
)

// Channel sends envelopes toward the registry. Inbound envelopes are fed to
// the machine by the transport via HandleEvent.
type Channel interface {
	Send(envelope session.Envelope) error
}

// Loader fetches the latest persisted code at join time.
type Loader interface {
	LatestCode(ctx context.Context, sessionID string) (string, error)
}

// MachineConfig describes one participant's view of one session.
type MachineConfig struct {
	SessionID string
	Username  string
	EditorID  string
	Loader    Loader
	Channel   Channel
	Logger    *zap.Logger
	Clock     func() time.Time
	// OnNotice receives user-visible notifications: load failures, execution
	// results, and editor errors. Optional.
	OnNotice func(message string)
}

// Machine keeps one client's buffer, presence, and highlight state in step
// with the registry. Inbound code changes replace the buffer unconditionally;
// the machine never merges concurrent edits.
type Machine struct {
	mu             sync.Mutex
	state          State
	sessionID      string
	username       string
	editorID       string
	buffer         string
	presence       *session.PresenceTracker
	highlights     *session.HighlightStore
	injectedStyles map[string]struct{}
	styleRules     []string
	lastResult     string

	loader  Loader
	channel Channel
	logger  *zap.Logger
	clock   func() time.Time
	notify  func(string)

	stopOnce sync.Once
}

// NewMachine constructs a machine in the loading state.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.SessionID == "" {
		return nil, errMissingSession
	}
	if cfg.Username == "" {
		return nil, errMissingUser
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	editorID := cfg.EditorID
	if editorID == "" {
		editorID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	notify := cfg.OnNotice
	if notify == nil {
		notify = func(string) {}
	}
	return &Machine{
		state:          StateLoading,
		sessionID:      cfg.SessionID,
		username:       cfg.Username,
		editorID:       editorID,
		presence:       session.NewPresenceTracker(),
		highlights:     session.NewHighlightStore(),
		injectedStyles: make(map[string]struct{}),
		loader:         cfg.Loader,
		channel:        cfg.Channel,
		logger:         logger,
		clock:          clock,
		notify:         notify,
	}, nil
}

// Start loads the latest persisted version and joins the session. A load
// failure is not fatal: the machine joins with an empty buffer and surfaces a
// notice.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateLoading {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.mu.Unlock()

	initial := ""
	if m.loader != nil {
		code, err := m.loader.LatestCode(ctx, m.sessionID)
		if err != nil {
			m.logger.Warn("session history load failed",
				zap.String("session_id", m.sessionID),
				zap.Error(err))
			m.notify("could not load session history, starting with an empty buffer")
		} else {
			initial = code
		}
	}

	m.mu.Lock()
	// Stop may have run while the load was in flight; the terminal state
	// stands and no join is announced for a torn-down machine.
	if m.state != StateLoading {
		m.mu.Unlock()
		return nil
	}
	m.buffer = initial
	m.state = StateJoined
	m.mu.Unlock()

	return m.channel.Send(session.Envelope{
		Event:           session.EventJoin,
		CodingSessionID: m.sessionID,
		Username:        m.username,
	})
}

// Stop announces departure and enters the terminal state. Safe to call more
// than once; the leave event is emitted exactly once per join.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		wasJoined := m.state == StateJoined
		m.state = StateLeft
		m.mu.Unlock()
		if !wasJoined {
			return
		}
		if err := m.channel.Send(session.Envelope{
			Event:           session.EventLeave,
			CodingSessionID: m.sessionID,
			Username:        m.username,
		}); err != nil {
			m.logger.Warn("leave emission failed", zap.Error(err))
		}
	})
}

// State reports the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Buffer returns the current shared code buffer.
func (m *Machine) Buffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer
}

// EditorID returns the editor-instance identifier used to skip self
// highlights.
func (m *Machine) EditorID() string {
	return m.editorID
}

// LastResult returns the most recent execution result text.
func (m *Machine) LastResult() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// EditBuffer applies a local keystroke: the buffer is replaced and a
// codeChange plus an editHighlight for the edited line are emitted.
func (m *Machine) EditBuffer(code string, editedLine int) error {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.buffer = code
	m.mu.Unlock()

	if err := m.channel.Send(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: m.sessionID,
		Username:        m.username,
		Code:            code,
	}); err != nil {
		return err
	}
	return m.channel.Send(session.Envelope{
		Event:           session.EventEditHighlight,
		CodingSessionID: m.sessionID,
		Username:        m.username,
		LineNumber:      editedLine,
		EditorID:        m.editorID,
		Timestamp:       m.clock().UnixMilli(),
	})
}

// SetCursor announces the local caret position.
func (m *Machine) SetCursor(position session.CursorPosition) error {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.mu.Unlock()
	return m.channel.Send(session.Envelope{
		Event:           session.EventCursorChange,
		CodingSessionID: m.sessionID,
		Username:        m.username,
		CursorPosition:  &position,
	})
}

// RequestExecution submits the current buffer for shared execution.
func (m *Machine) RequestExecution() error {
	m.mu.Lock()
	if m.state != StateJoined {
		m.mu.Unlock()
		return ErrNotJoined
	}
	code := m.buffer
	m.mu.Unlock()
	return m.channel.Send(session.Envelope{
		Event:           session.EventExecuteCode,
		CodingSessionID: m.sessionID,
		Username:        m.username,
		Code:            code,
	})
}

// HandleEvent reconciles one inbound broadcast. Payloads that fail validation
// are dropped locally and reported to the whole session as an editorError so
// every participant's view reflects the anomaly.
func (m *Machine) HandleEvent(envelope session.Envelope) {
	if err := envelope.Validate(); err != nil {
		m.reportInvalid(envelope.Event, err)
		return
	}

	switch envelope.Event {
	case session.EventJoin:
		m.presence.Set(envelope.Username, session.CursorPosition{LineNumber: 1, Column: 1})
		m.ensureStyle(envelope.Username)
	case session.EventLeave:
		m.presence.Remove(envelope.Username)
	case session.EventCodeChange:
		m.mu.Lock()
		m.buffer = envelope.Code
		m.mu.Unlock()
	case session.EventCursorChange:
		m.presence.Set(envelope.Username, *envelope.CursorPosition)
		m.ensureStyle(envelope.Username)
	case session.EventEditHighlight:
		m.applyHighlight(envelope)
	case session.EventExecuteCode:
		m.logger.Info("execution requested",
			zap.String("session_id", m.sessionID),
			zap.String("username", envelope.Username))
	case session.EventExecutionResult:
		m.mu.Lock()
		m.lastResult = envelope.Result
		m.mu.Unlock()
		m.notify(envelope.Result)
	case session.EventEditorError:
		m.notify(envelope.ErrorMessage)
	}
}

func (m *Machine) applyHighlight(envelope session.Envelope) {
	if envelope.EditorID == m.editorID {
		// Own edits already render as the caret; a self highlight would
		// flash on every keystroke.
		return
	}
	if envelope.LineNumber > m.LineCount() {
		m.reportInvalid(envelope.Event, fmt.Errorf("%w: %d", session.ErrInvalidLineNumber, envelope.LineNumber))
		return
	}
	m.highlights.Add(session.Highlight{
		LineNumber: envelope.LineNumber,
		EditorID:   envelope.EditorID,
		Timestamp:  time.UnixMilli(envelope.Timestamp),
	})
}

// reportInvalid drops a malformed event and informs the session, except when
// the malformed event is itself an error notification.
func (m *Machine) reportInvalid(event string, cause error) {
	m.logger.Warn("invalid channel event dropped",
		zap.String("session_id", m.sessionID),
		zap.String("event", event),
		zap.Error(cause))
	if event == session.EventEditorError {
		return
	}
	message := fmt.Sprintf("invalid %s event: %v", event, cause)
	m.notify(message)
	if err := m.channel.Send(session.Envelope{
		Event:           session.EventEditorError,
		CodingSessionID: m.sessionID,
		ErrorMessage:    message,
	}); err != nil {
		m.logger.Warn("editor error emission failed", zap.Error(err))
	}
}

// LineCount reports the current buffer's line count.
func (m *Machine) LineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Count(m.buffer, "\n") + 1
}

// PruneHighlights removes aged-out highlights and reports how many were
// dropped.
func (m *Machine) PruneHighlights() int {
	return m.highlights.Prune(m.clock())
}

// RunPruner sweeps the highlight store on the fixed interval until the
// context ends.
func (m *Machine) RunPruner(ctx context.Context) {
	ticker := time.NewTicker(session.HighlightSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PruneHighlights()
		}
	}
}

func (m *Machine) ensureStyle(username string) {
	if username == m.username {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.injectedStyles[username]; ok {
		return
	}
	m.injectedStyles[username] = struct{}{}
	m.styleRules = append(m.styleRules, session.CursorStyleRule(username))
}

// StyleRules returns the injected cursor color rules in insertion order.
// Each participant contributes at most one rule per client session.
func (m *Machine) StyleRules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.styleRules...)
}
