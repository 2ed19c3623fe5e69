package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
	"go.uber.org/zap"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []session.Envelope
	err  error
}

func (c *recordingChannel) Send(envelope session.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, envelope)
	return nil
}

func (c *recordingChannel) envelopes() []session.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Envelope(nil), c.sent...)
}

func (c *recordingChannel) byEvent(event string) []session.Envelope {
	var matched []session.Envelope
	for _, envelope := range c.envelopes() {
		if envelope.Event == event {
			matched = append(matched, envelope)
		}
	}
	return matched
}

type stubLoader struct {
	code string
	err  error
}

func (l *stubLoader) LatestCode(context.Context, string) (string, error) {
	return l.code, l.err
}

type machineFixture struct {
	machine *Machine
	channel *recordingChannel
	notices *[]string
	now     *time.Time
}

func newMachineFixture(testContext *testing.T, loader Loader) *machineFixture {
	testContext.Helper()
	channel := &recordingChannel{}
	notices := &[]string{}
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	fixture := &machineFixture{channel: channel, notices: notices, now: &now}

	machine, err := NewMachine(MachineConfig{
		SessionID: "session-1",
		Username:  "alice",
		EditorID:  "editor-alice",
		Loader:    loader,
		Channel:   channel,
		Logger:    zap.NewNop(),
		Clock:     func() time.Time { return *fixture.now },
		OnNotice:  func(message string) { *notices = append(*notices, message) },
	})
	if err != nil {
		testContext.Fatalf("failed to build machine: %v", err)
	}
	fixture.machine = machine
	return fixture
}

func (f *machineFixture) start(testContext *testing.T) {
	testContext.Helper()
	if err := f.machine.Start(context.Background()); err != nil {
		testContext.Fatalf("failed to start machine: %v", err)
	}
}

func (f *machineFixture) advance(d time.Duration) {
	*f.now = f.now.Add(d)
}

func TestStartLoadsHistoryAndJoins(testContext *testing.T) {
	fixture := newMachineFixture(testContext, &stubLoader{code: "print('restored')"})

	if fixture.machine.State() != StateLoading {
		testContext.Fatalf("expected loading state before start, got %s", fixture.machine.State())
	}
	fixture.start(testContext)

	if fixture.machine.State() != StateJoined {
		testContext.Fatalf("expected joined state, got %s", fixture.machine.State())
	}
	if fixture.machine.Buffer() != "print('restored')" {
		testContext.Fatalf("expected restored buffer, got %q", fixture.machine.Buffer())
	}
	joins := fixture.channel.byEvent(session.EventJoin)
	if len(joins) != 1 || joins[0].Username != "alice" || joins[0].CodingSessionID != "session-1" {
		testContext.Fatalf("unexpected join emission: %+v", joins)
	}
}

func TestStartSurvivesHistoryLoadFailure(testContext *testing.T) {
	fixture := newMachineFixture(testContext, &stubLoader{err: errors.New("service down")})
	fixture.start(testContext)

	if fixture.machine.State() != StateJoined {
		testContext.Fatalf("expected degraded start to join, got %s", fixture.machine.State())
	}
	if fixture.machine.Buffer() != "" {
		testContext.Fatalf("expected empty fallback buffer, got %q", fixture.machine.Buffer())
	}
	if len(*fixture.notices) == 0 {
		testContext.Fatalf("expected a user-visible notice about the load failure")
	}
}

type gatedLoader struct {
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLoader) LatestCode(context.Context, string) (string, error) {
	close(l.entered)
	<-l.release
	return "print('late')", nil
}

func TestStopDuringHistoryLoadStaysTerminal(testContext *testing.T) {
	loader := &gatedLoader{entered: make(chan struct{}), release: make(chan struct{})}
	fixture := newMachineFixture(testContext, loader)

	started := make(chan error, 1)
	go func() {
		started <- fixture.machine.Start(context.Background())
	}()

	select {
	case <-loader.entered:
	case <-time.After(2 * time.Second):
		testContext.Fatalf("loader was never invoked")
	}
	fixture.machine.Stop()
	close(loader.release)

	select {
	case err := <-started:
		if err != nil {
			testContext.Fatalf("expected aborted start to succeed quietly: %v", err)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatalf("start never returned")
	}

	if fixture.machine.State() != StateLeft {
		testContext.Fatalf("expected terminal state to stand, got %s", fixture.machine.State())
	}
	if joins := fixture.channel.byEvent(session.EventJoin); len(joins) != 0 {
		testContext.Fatalf("expected no join after teardown, got %+v", joins)
	}
	if leaves := fixture.channel.byEvent(session.EventLeave); len(leaves) != 0 {
		testContext.Fatalf("expected no leave without a join, got %+v", leaves)
	}
}

func TestStartIsSingleShot(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)
	if err := fixture.machine.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		testContext.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStopEmitsLeaveExactlyOnce(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.Stop()
	fixture.machine.Stop()

	leaves := fixture.channel.byEvent(session.EventLeave)
	if len(leaves) != 1 || leaves[0].Username != "alice" {
		testContext.Fatalf("expected exactly one leave emission, got %+v", leaves)
	}
	if fixture.machine.State() != StateLeft {
		testContext.Fatalf("expected terminal state, got %s", fixture.machine.State())
	}
}

func TestStopBeforeJoinEmitsNoLeave(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.machine.Stop()
	if len(fixture.channel.byEvent(session.EventLeave)) != 0 {
		testContext.Fatalf("expected no leave before join")
	}
}

func TestEditBufferEmitsCodeChangeAndHighlight(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	if err := fixture.machine.EditBuffer("line one\nline two", 2); err != nil {
		testContext.Fatalf("failed to edit buffer: %v", err)
	}

	changes := fixture.channel.byEvent(session.EventCodeChange)
	if len(changes) != 1 || changes[0].Code != "line one\nline two" {
		testContext.Fatalf("unexpected code change emission: %+v", changes)
	}
	highlights := fixture.channel.byEvent(session.EventEditHighlight)
	if len(highlights) != 1 {
		testContext.Fatalf("expected one highlight emission, got %+v", highlights)
	}
	emitted := highlights[0]
	if emitted.LineNumber != 2 || emitted.EditorID != "editor-alice" {
		testContext.Fatalf("unexpected highlight payload: %+v", emitted)
	}
	if emitted.Timestamp != fixture.now.UnixMilli() {
		testContext.Fatalf("expected clock timestamp %d, got %d", fixture.now.UnixMilli(), emitted.Timestamp)
	}
}

func TestOperationsRequireJoinedState(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)

	if err := fixture.machine.EditBuffer("x", 1); !errors.Is(err, ErrNotJoined) {
		testContext.Fatalf("expected ErrNotJoined from edit, got %v", err)
	}
	if err := fixture.machine.SetCursor(session.CursorPosition{LineNumber: 1, Column: 1}); !errors.Is(err, ErrNotJoined) {
		testContext.Fatalf("expected ErrNotJoined from cursor, got %v", err)
	}
	if err := fixture.machine.RequestExecution(); !errors.Is(err, ErrNotJoined) {
		testContext.Fatalf("expected ErrNotJoined from execution, got %v", err)
	}
}

func TestRemoteCodeChangeReplacesBufferUnconditionally(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	if err := fixture.machine.EditBuffer("local edit", 1); err != nil {
		testContext.Fatalf("failed to edit buffer: %v", err)
	}
	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		Code:            "remote edit",
	})

	if fixture.machine.Buffer() != "remote edit" {
		testContext.Fatalf("expected remote edit to win, got %q", fixture.machine.Buffer())
	}
}

func TestJoinAndCursorEventsMaintainPresence(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventJoin,
		CodingSessionID: "session-1",
		Username:        "bob",
	})

	decorations := fixture.machine.CursorDecorations()
	if len(decorations) != 1 || decorations[0].Username != "bob" {
		testContext.Fatalf("expected bob's cursor decoration, got %+v", decorations)
	}
	if decorations[0].Position != (session.CursorPosition{LineNumber: 1, Column: 1}) {
		testContext.Fatalf("expected default cursor at 1:1, got %+v", decorations[0].Position)
	}
	if decorations[0].Color != session.ColorFor("bob") {
		testContext.Fatalf("expected deterministic color, got %q", decorations[0].Color)
	}

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCursorChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		CursorPosition:  &session.CursorPosition{LineNumber: 4, Column: 9},
	})
	decorations = fixture.machine.CursorDecorations()
	if decorations[0].Position != (session.CursorPosition{LineNumber: 4, Column: 9}) {
		testContext.Fatalf("expected updated cursor, got %+v", decorations[0].Position)
	}

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventLeave,
		CodingSessionID: "session-1",
		Username:        "bob",
	})
	if len(fixture.machine.CursorDecorations()) != 0 {
		testContext.Fatalf("expected presence cleared on leave")
	}
}

func TestCursorDecorationsExcludeSelf(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventJoin,
		CodingSessionID: "session-1",
		Username:        "alice",
	})
	if len(fixture.machine.CursorDecorations()) != 0 {
		testContext.Fatalf("expected own presence to be hidden")
	}
}

func TestStyleRuleInjectedOncePerParticipant(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	for i := 0; i < 3; i++ {
		fixture.machine.HandleEvent(session.Envelope{
			Event:           session.EventCursorChange,
			CodingSessionID: "session-1",
			Username:        "bob",
			CursorPosition:  &session.CursorPosition{LineNumber: 1, Column: i + 1},
		})
	}

	rules := fixture.machine.StyleRules()
	if len(rules) != 1 {
		testContext.Fatalf("expected one injected rule for bob, got %d", len(rules))
	}
	if !strings.Contains(rules[0], session.CursorClassName("bob")) || !strings.Contains(rules[0], session.ColorFor("bob")) {
		testContext.Fatalf("unexpected style rule: %s", rules[0])
	}
}

func TestRemoteHighlightRendersWithinWindow(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)
	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		Code:            "one\ntwo\nthree",
	})

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventEditHighlight,
		CodingSessionID: "session-1",
		Username:        "bob",
		LineNumber:      2,
		EditorID:        "editor-bob",
		Timestamp:       fixture.now.UnixMilli(),
	})

	decorations := fixture.machine.HighlightDecorations()
	if len(decorations) != 1 || decorations[0].LineNumber != 2 {
		testContext.Fatalf("expected highlight on line 2, got %+v", decorations)
	}

	fixture.advance(session.HighlightTTL)
	if remaining := fixture.machine.HighlightDecorations(); len(remaining) != 0 {
		testContext.Fatalf("expected highlight to expire after TTL, got %+v", remaining)
	}
}

func TestOwnHighlightIsSkipped(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventEditHighlight,
		CodingSessionID: "session-1",
		Username:        "alice",
		LineNumber:      1,
		EditorID:        "editor-alice",
		Timestamp:       fixture.now.UnixMilli(),
	})

	if decorations := fixture.machine.HighlightDecorations(); len(decorations) != 0 {
		testContext.Fatalf("expected own highlight to be skipped, got %+v", decorations)
	}
}

func TestOutOfRangeHighlightReportsEditorError(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventEditHighlight,
		CodingSessionID: "session-1",
		Username:        "bob",
		LineNumber:      50,
		EditorID:        "editor-bob",
		Timestamp:       fixture.now.UnixMilli(),
	})

	if decorations := fixture.machine.HighlightDecorations(); len(decorations) != 0 {
		testContext.Fatalf("expected out-of-range highlight to be dropped, got %+v", decorations)
	}
	reports := fixture.channel.byEvent(session.EventEditorError)
	if len(reports) != 1 || reports[0].ErrorMessage == "" {
		testContext.Fatalf("expected editor error report, got %+v", reports)
	}
	if len(*fixture.notices) == 0 {
		testContext.Fatalf("expected a local notice about the dropped highlight")
	}
}

func TestShrunkenBufferHidesHighlightUntilRegrowth(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)
	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		Code:            "one\ntwo\nthree",
	})
	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventEditHighlight,
		CodingSessionID: "session-1",
		Username:        "bob",
		LineNumber:      3,
		EditorID:        "editor-bob",
		Timestamp:       fixture.now.UnixMilli(),
	})

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		Code:            "one",
	})
	if decorations := fixture.machine.HighlightDecorations(); len(decorations) != 0 {
		testContext.Fatalf("expected highlight hidden after shrink, got %+v", decorations)
	}

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		Code:            "one\ntwo\nthree\nfour",
	})
	if decorations := fixture.machine.HighlightDecorations(); len(decorations) != 1 {
		testContext.Fatalf("expected highlight visible again after growth, got %+v", decorations)
	}
}

func TestMalformedEventDroppedAndReported(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCursorChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		CursorPosition:  &session.CursorPosition{LineNumber: 0, Column: 0},
	})

	if len(fixture.machine.CursorDecorations()) != 0 {
		testContext.Fatalf("expected malformed cursor to be dropped")
	}
	if len(fixture.channel.byEvent(session.EventEditorError)) != 1 {
		testContext.Fatalf("expected editor error emission for malformed event")
	}
}

func TestMalformedEditorErrorDoesNotLoop(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{Event: session.EventEditorError})

	if len(fixture.channel.byEvent(session.EventEditorError)) != 0 {
		testContext.Fatalf("expected no error emission for malformed error event")
	}
}

func TestExecutionResultRecordedAndNotified(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventExecutionResult,
		CodingSessionID: "session-1",
		Result:          "42\n",
	})

	if fixture.machine.LastResult() != "42\n" {
		testContext.Fatalf("expected recorded result, got %q", fixture.machine.LastResult())
	}
	if len(*fixture.notices) == 0 || (*fixture.notices)[len(*fixture.notices)-1] != "42\n" {
		testContext.Fatalf("expected result notice, got %+v", *fixture.notices)
	}
}

func TestLineCountTracksBuffer(testContext *testing.T) {
	fixture := newMachineFixture(testContext, nil)
	fixture.start(testContext)

	if fixture.machine.LineCount() != 1 {
		testContext.Fatalf("expected empty buffer to count one line, got %d", fixture.machine.LineCount())
	}
	fixture.machine.HandleEvent(session.Envelope{
		Event:           session.EventCodeChange,
		CodingSessionID: "session-1",
		Username:        "bob",
		Code:            "a\nb\nc",
	})
	if fixture.machine.LineCount() != 3 {
		testContext.Fatalf("expected 3 lines, got %d", fixture.machine.LineCount())
	}
}
