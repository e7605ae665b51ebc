package conversation

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
)

// Turn is one finalized utterance. Turns are never modified once appended.
type Turn struct {
	ID         string
	Role       frames.Role
	Text       string
	OccurredAt time.Time

	// SourceID is the ID of the event that produced the turn
	SourceID uint64
}

// TurnFromTranscript builds a turn from a final transcription frame
func TurnFromTranscript(f *frames.TranscriptionFrame, at time.Time) Turn {
	return Turn{
		ID:         uuid.New().String(),
		Role:       f.Role,
		Text:       f.Text,
		OccurredAt: at,
		SourceID:   f.ID(),
	}
}

// TranscriptLog is an append-only sequence of turns in arrival order
type TranscriptLog struct {
	mu    sync.RWMutex
	turns []Turn
	seen  map[uint64]bool
}

// NewTranscriptLog creates an empty log
func NewTranscriptLog() *TranscriptLog {
	return &TranscriptLog{seen: make(map[uint64]bool)}
}

// Append records turn. It returns false when a turn from the same source
// event is already recorded.
func (l *TranscriptLog) Append(turn Turn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if turn.SourceID != 0 {
		if l.seen[turn.SourceID] {
			return false
		}
		l.seen[turn.SourceID] = true
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.OccurredAt.IsZero() {
		turn.OccurredAt = time.Now()
	}
	l.turns = append(l.turns, turn)
	return true
}

// Clear drops every turn for a new conversation
func (l *TranscriptLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Readers may still hold the old slice, so allocate rather than truncate
	l.turns = nil
	l.seen = make(map[uint64]bool)
}

// Len returns the number of turns
func (l *TranscriptLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// All returns a lazy view of the turns present when iteration starts. The
// sequence can be ranged over any number of times, each pass starting
// from the first turn.
func (l *TranscriptLog) All() iter.Seq[Turn] {
	return func(yield func(Turn) bool) {
		l.mu.RLock()
		turns := l.turns[:len(l.turns):len(l.turns)]
		l.mu.RUnlock()

		for _, t := range turns {
			if !yield(t) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the turns
func (l *TranscriptLog) Snapshot() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Turn(nil), l.turns...)
}
