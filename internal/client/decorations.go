package client

import (
	"github.com/MarcoPoloResearchLab/codepair/backend/internal/session"
)

// CursorDecoration describes a zero-width marker at another participant's
// caret position.
type CursorDecoration struct {
	Username  string
	ClassName string
	Color     string
	Position  session.CursorPosition
}

// HighlightDecoration describes a full-line recent-edit marker.
type HighlightDecoration struct {
	LineNumber int
}

// CursorDecorations renders the presence set into cursor markers. The local
// participant is excluded; everyone else gets a class keyed by username so
// the injected color rule applies.
func (m *Machine) CursorDecorations() []CursorDecoration {
	snapshot := m.presence.Snapshot()
	decorations := make([]CursorDecoration, 0, len(snapshot))
	for username, position := range snapshot {
		if username == m.username {
			continue
		}
		decorations = append(decorations, CursorDecoration{
			Username:  username,
			ClassName: session.CursorClassName(username),
			Color:     session.ColorFor(username),
			Position:  position,
		})
	}
	return decorations
}

// HighlightDecorations renders the highlight set against the current buffer.
// Both validity conditions are re-checked here: the age window and the line
// bound, since the buffer may have shrunk after a highlight was recorded.
func (m *Machine) HighlightDecorations() []HighlightDecoration {
	active := m.highlights.Active(m.clock(), m.LineCount())
	decorations := make([]HighlightDecoration, 0, len(active))
	for _, highlight := range active {
		decorations = append(decorations, HighlightDecoration{LineNumber: highlight.LineNumber})
	}
	return decorations
}
