package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrMissingSessionID indicates an empty session identifier.
	ErrMissingSessionID = errors.New("session: session id required")
	// ErrMissingUsername indicates an empty participant username.
	ErrMissingUsername = errors.New("session: username required")
	// ErrRegistryClosed indicates a join attempt after shutdown.
	ErrRegistryClosed = errors.New("session: registry closed")
)

const defaultStreamBuffer = 32

// VersionStore supplies the initial buffer on first join and accepts a
// full-buffer snapshot on every code update.
type VersionStore interface {
	LatestCode(ctx context.Context, sessionID string) (string, bool, error)
	AppendCode(ctx context.Context, sessionID, code string) error
}

// Runner executes a shared buffer on behalf of a session and returns the
// output text. Errors are surfaced verbatim as execution result text.
type Runner interface {
	Run(ctx context.Context, sessionID, code, username string) (string, error)
}

// RegistryConfig describes the collaborators of a Registry.
type RegistryConfig struct {
	Versions     VersionStore
	Runner       Runner
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	StreamBuffer int
	Clock        func() time.Time
}

// Registry owns the canonical runtime state of every active session: the
// authoritative code buffer and the set of connected participants. Buffer
// replacement is last-write-wins in registry processing order; no merge of
// concurrent updates is attempted.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*liveSession
	nextID       int64
	closed       bool
	streamBuffer int
	versions     VersionStore
	runner       Runner
	logger       *zap.Logger
	metrics      *metrics.Collector
	clock        func() time.Time
}

type liveSession struct {
	code         string
	participants map[string]*participant
}

type participant struct {
	id        int64
	username  string
	cursor    CursorPosition
	hasCursor bool
	stream    chan Envelope
	done      chan struct{}
}

// ParticipantView is a read-only presence snapshot entry.
type ParticipantView struct {
	Username string          `json:"username"`
	Color    string          `json:"color"`
	Cursor   *CursorPosition `json:"cursorPosition,omitempty"`
}

// Joined is the handle returned to a connected participant. Done is closed
// when the registry detaches the participant, whether through Leave, a
// replacement connection, or registry shutdown.
type Joined struct {
	Code   string
	Stream <-chan Envelope
	Done   <-chan struct{}
	once   sync.Once
	leave  func()
}

// Leave removes the participant from its session. Safe to call more than
// once; only the first call has effect.
func (j *Joined) Leave() {
	j.once.Do(j.leave)
}

// NewRegistry constructs a Registry with the provided collaborators. Only the
// version store and runner are optional.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	buffer := cfg.StreamBuffer
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Registry{
		sessions:     make(map[string]*liveSession),
		streamBuffer: buffer,
		versions:     cfg.Versions,
		runner:       cfg.Runner,
		logger:       logger,
		metrics:      cfg.Metrics,
		clock:        clock,
	}
}

// Join registers a participant under the session, creating the session entry
// from the latest persisted version when absent. An unknown session id is not
// an error; the buffer defaults to empty. Remaining participants are notified
// of the join. A second join under the same username replaces the earlier
// connection.
func (r *Registry) Join(ctx context.Context, sessionID, username string) (*Joined, error) {
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	if username == "" {
		return nil, ErrMissingUsername
	}

	initialCode, loaded := "", false
	r.mu.RLock()
	closed := r.closed
	_, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if !exists && r.versions != nil {
		code, found, err := r.versions.LatestCode(ctx, sessionID)
		if err != nil {
			r.logger.Warn("session history load failed, starting with empty buffer",
				zap.String("session_id", sessionID), zap.Error(err))
		} else if found {
			initialCode, loaded = code, true
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = &liveSession{code: initialCode, participants: make(map[string]*participant)}
		r.sessions[sessionID] = sess
		r.metrics.SessionOpened()
	}
	if previous, ok := sess.participants[username]; ok {
		close(previous.done)
		delete(sess.participants, username)
		r.metrics.ParticipantLeft()
	}
	r.nextID++
	joined := &participant{
		id:       r.nextID,
		username: username,
		stream:   make(chan Envelope, r.streamBuffer),
		done:     make(chan struct{}),
	}
	sess.participants[username] = joined
	recipients := r.othersLocked(sess, username)
	code := sess.code
	r.mu.Unlock()

	r.metrics.ParticipantJoined()
	r.metrics.EventProcessed(EventJoin)
	r.deliver(recipients, Envelope{
		Event:           EventJoin,
		CodingSessionID: sessionID,
		Username:        username,
	})
	r.logger.Info("participant joined",
		zap.String("session_id", sessionID),
		zap.String("username", username),
		zap.Bool("history_loaded", loaded))

	id := joined.id
	return &Joined{
		Code:   code,
		Stream: joined.stream,
		Done:   joined.done,
		leave:  func() { r.removeParticipant(sessionID, username, id) },
	}, nil
}

// Leave removes the named participant regardless of which connection added
// it. Used when a client announces departure over the channel.
func (r *Registry) Leave(sessionID, username string) {
	r.mu.RLock()
	var id int64
	if sess, ok := r.sessions[sessionID]; ok {
		if p, ok := sess.participants[username]; ok {
			id = p.id
		}
	}
	r.mu.RUnlock()
	if id != 0 {
		r.removeParticipant(sessionID, username, id)
	}
}

func (r *Registry) removeParticipant(sessionID, username string, id int64) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	current, ok := sess.participants[username]
	if !ok || current.id != id {
		r.mu.Unlock()
		return
	}
	delete(sess.participants, username)
	close(current.done)
	evicted := len(sess.participants) == 0
	if evicted {
		delete(r.sessions, sessionID)
	}
	recipients := r.othersLocked(sess, username)
	r.mu.Unlock()

	r.metrics.ParticipantLeft()
	r.metrics.EventProcessed(EventLeave)
	if evicted {
		r.metrics.SessionClosed()
	}
	r.deliver(recipients, Envelope{
		Event:           EventLeave,
		CodingSessionID: sessionID,
		Username:        username,
	})
	r.logger.Info("participant left",
		zap.String("session_id", sessionID),
		zap.String("username", username),
		zap.Bool("session_evicted", evicted))
}

// ApplyCodeUpdate replaces the session's authoritative buffer, appends a
// snapshot to the version store, and rebroadcasts the update to every
// participant except the originator. Whichever update the registry processes
// last wins.
func (r *Registry) ApplyCodeUpdate(ctx context.Context, sessionID, username, code string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("code update for inactive session", zap.String("session_id", sessionID))
		return
	}
	sess.code = code
	recipients := r.othersLocked(sess, username)
	r.mu.Unlock()

	r.metrics.EventProcessed(EventCodeChange)
	if r.versions != nil {
		if err := r.versions.AppendCode(ctx, sessionID, code); err != nil {
			r.logger.Error("version append failed",
				zap.String("session_id", sessionID),
				zap.String("username", username),
				zap.Error(err))
		} else {
			r.metrics.VersionAppended()
		}
	}
	r.deliver(recipients, Envelope{
		Event:           EventCodeChange,
		CodingSessionID: sessionID,
		Username:        username,
		Code:            code,
	})
}

// ApplyCursorUpdate records the participant's cursor and forwards the event
// to the other participants unchanged.
func (r *Registry) ApplyCursorUpdate(sessionID, username string, position CursorPosition) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if p, ok := sess.participants[username]; ok {
		p.cursor = position
		p.hasCursor = true
	}
	recipients := r.othersLocked(sess, username)
	r.mu.Unlock()

	r.metrics.EventProcessed(EventCursorChange)
	forwarded := position
	r.deliver(recipients, Envelope{
		Event:           EventCursorChange,
		CodingSessionID: sessionID,
		Username:        username,
		CursorPosition:  &forwarded,
	})
}

// ApplyHighlight forwards a transient edit marker to the other participants.
// The registry does not check line bounds; receivers filter at render time.
func (r *Registry) ApplyHighlight(sessionID, username string, lineNumber int, editorID string, timestamp int64) {
	recipients := r.othersOf(sessionID, username)
	r.metrics.EventProcessed(EventEditHighlight)
	r.deliver(recipients, Envelope{
		Event:           EventEditHighlight,
		CodingSessionID: sessionID,
		Username:        username,
		LineNumber:      lineNumber,
		EditorID:        editorID,
		Timestamp:       timestamp,
	})
}

// ApplyExecutionRequest fans the request out to the other participants and,
// when a runner is configured, executes the buffer asynchronously. The result
// text, or the error text verbatim, is published to all participants.
func (r *Registry) ApplyExecutionRequest(ctx context.Context, sessionID, username, code string) {
	recipients := r.othersOf(sessionID, username)
	r.metrics.EventProcessed(EventExecuteCode)
	r.deliver(recipients, Envelope{
		Event:           EventExecuteCode,
		CodingSessionID: sessionID,
		Username:        username,
		Code:            code,
	})
	if r.runner == nil {
		return
	}
	r.metrics.ExecutionRequested()
	detached := context.WithoutCancel(ctx)
	go func() {
		result, err := r.runner.Run(detached, sessionID, code, username)
		if err != nil {
			result = err.Error()
		}
		r.PublishExecutionResult(sessionID, result)
	}()
}

// PublishExecutionResult delivers execution output to every participant of
// the session.
func (r *Registry) PublishExecutionResult(sessionID, result string) {
	recipients := r.allOf(sessionID)
	r.metrics.EventProcessed(EventExecutionResult)
	r.deliver(recipients, Envelope{
		Event:           EventExecutionResult,
		CodingSessionID: sessionID,
		Result:          result,
	})
}

// BroadcastError delivers an operator-visible error notification to every
// participant of the session.
func (r *Registry) BroadcastError(sessionID, message string) {
	recipients := r.allOf(sessionID)
	r.metrics.EventProcessed(EventEditorError)
	r.deliver(recipients, Envelope{
		Event:           EventEditorError,
		CodingSessionID: sessionID,
		ErrorMessage:    message,
	})
}

// CurrentCode returns the live buffer for a session held in the registry.
func (r *Registry) CurrentCode(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return sess.code, true
}

// Participants returns a presence snapshot for the session.
func (r *Registry) Participants(sessionID string) []ParticipantView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	views := make([]ParticipantView, 0, len(sess.participants))
	for _, p := range sess.participants {
		view := ParticipantView{Username: p.username, Color: ColorFor(p.username)}
		if p.hasCursor {
			cursor := p.cursor
			view.Cursor = &cursor
		}
		views = append(views, view)
	}
	return views
}

// Close evicts every session and closes all participant streams. Subsequent
// joins fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*liveSession)
	r.mu.Unlock()

	for range sessions {
		r.metrics.SessionClosed()
	}
	for _, sess := range sessions {
		for _, p := range sess.participants {
			close(p.done)
			r.metrics.ParticipantLeft()
		}
	}
}

func (r *Registry) othersLocked(sess *liveSession, username string) []*participant {
	recipients := make([]*participant, 0, len(sess.participants))
	for _, p := range sess.participants {
		if p.username == username {
			continue
		}
		recipients = append(recipients, p)
	}
	return recipients
}

func (r *Registry) othersOf(sessionID, username string) []*participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return r.othersLocked(sess, username)
}

func (r *Registry) allOf(sessionID string) []*participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	recipients := make([]*participant, 0, len(sess.participants))
	for _, p := range sess.participants {
		recipients = append(recipients, p)
	}
	return recipients
}

// deliver sends without blocking. A participant whose stream is full misses
// the event; the channel contract is at-most-once with no retry. Streams are
// never closed, so a delivery racing a departure is harmless.
func (r *Registry) deliver(recipients []*participant, envelope Envelope) {
	for _, recipient := range recipients {
		select {
		case <-recipient.done:
		case recipient.stream <- envelope:
		default:
			r.logger.Debug("participant stream full, event dropped",
				zap.String("username", recipient.username),
				zap.String("event", envelope.Event))
		}
	}
}
