package session

import (
	"sync"
	"time"
)

const (
	// HighlightTTL bounds how long a recent-edit marker stays renderable.
	HighlightTTL = 3 * time.Second
	// HighlightSweepInterval is the cadence of the periodic age-based prune.
	HighlightSweepInterval = time.Second
)

// Highlight marks a recently edited line. EditorID identifies the editor
// instance that produced the edit so a client can skip its own markers.
type Highlight struct {
	LineNumber int
	EditorID   string
	Timestamp  time.Time
}

// HighlightStore keeps active highlights ordered by timestamp so expiry only
// ever inspects the head of the list. Entries whose line number has become
// invalid are skipped at read time but stay stored until they age out.
type HighlightStore struct {
	mu      sync.Mutex
	entries []Highlight
}

func NewHighlightStore() *HighlightStore {
	return &HighlightStore{}
}

// Add inserts a highlight, keeping the list sorted by timestamp. Events
// arrive in near-chronological order, so the insertion scan starts from the
// tail.
func (s *HighlightStore) Add(highlight Highlight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := len(s.entries)
	for index > 0 && s.entries[index-1].Timestamp.After(highlight.Timestamp) {
		index--
	}
	s.entries = append(s.entries, Highlight{})
	copy(s.entries[index+1:], s.entries[index:])
	s.entries[index] = highlight
}

// Prune drops highlights older than HighlightTTL and reports how many were
// removed.
func (s *HighlightStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

func (s *HighlightStore) pruneLocked(now time.Time) int {
	cutoff := 0
	for cutoff < len(s.entries) && now.Sub(s.entries[cutoff].Timestamp) >= HighlightTTL {
		cutoff++
	}
	if cutoff > 0 {
		s.entries = append(s.entries[:0], s.entries[cutoff:]...)
	}
	return cutoff
}

// Active returns the highlights that are both young enough and still inside
// the buffer's current line count. Expired entries are pruned as a side
// effect; line-invalid entries are merely filtered, since the buffer may grow
// back before they age out.
func (s *HighlightStore) Active(now time.Time, lineCount int) []Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	active := make([]Highlight, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.LineNumber < 1 || entry.LineNumber > lineCount {
			continue
		}
		active = append(active, entry)
	}
	return active
}

// Len reports the stored highlight count, including line-invalid entries.
func (s *HighlightStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
