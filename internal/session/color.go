package session

import (
	"fmt"
	"strings"
)

// cursorPalette holds the display colors assigned to participants. The
// assignment is recomputed from the username on every client, so the palette
// order is part of the shared contract with the web editor.
var cursorPalette = []string{
	"#e6194b",
	"#3cb44b",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#008080",
	"#9a6324",
	"#800000",
}

// HashUsername accumulates the username's code points into a 32-bit hash
// using the same multiplier the editor front end uses. Distinct usernames may
// collide; that is an accepted property of the scheme.
func HashUsername(username string) int32 {
	var hash int32
	for _, r := range username {
		hash = int32(r) + hash*31
	}
	return hash
}

// ColorFor maps a username onto the fixed cursor palette. The mapping is
// stable for the lifetime of the process and identical on every participant.
func ColorFor(username string) string {
	index := int64(HashUsername(username))
	if index < 0 {
		index = -index
	}
	return cursorPalette[index%int64(len(cursorPalette))]
}

// CursorClassName derives the CSS class used for a participant's cursor
// decoration. Characters outside the CSS identifier set are replaced.
func CursorClassName(username string) string {
	var b strings.Builder
	b.WriteString("remote-cursor-")
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// CursorStyleRule renders the CSS rule for a participant's cursor color.
func CursorStyleRule(username string) string {
	return fmt.Sprintf(".%s { border-left: 2px solid %s; }", CursorClassName(username), ColorFor(username))
}
