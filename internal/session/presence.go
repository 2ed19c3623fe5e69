package session

import "sync"

// PresenceTracker records the last known cursor position of every other
// participant in one session. Entries appear on join or cursorChange and
// disappear on leave; nothing here is ever persisted.
type PresenceTracker struct {
	mu      sync.RWMutex
	cursors map[string]CursorPosition
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{cursors: make(map[string]CursorPosition)}
}

// Set stores the latest cursor position for a participant.
func (t *PresenceTracker) Set(username string, position CursorPosition) {
	if username == "" {
		return
	}
	t.mu.Lock()
	t.cursors[username] = position
	t.mu.Unlock()
}

// Remove drops a participant's presence entry.
func (t *PresenceTracker) Remove(username string) {
	t.mu.Lock()
	delete(t.cursors, username)
	t.mu.Unlock()
}

// Snapshot returns a copy of the current presence map.
func (t *PresenceTracker) Snapshot() map[string]CursorPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	copied := make(map[string]CursorPosition, len(t.cursors))
	for username, position := range t.cursors {
		copied[username] = position
	}
	return copied
}

// Len reports the number of tracked participants.
func (t *PresenceTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cursors)
}
