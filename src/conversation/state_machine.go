// Package conversation tracks the phase of a live conversation and the
// ordered record of its turns.
package conversation

import (
	"slices"
	"sync"

	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
)

// transitions maps each event to the phases it may fire from and the phase
// it leads to. A nil from set means any phase.
var transitions = map[Event]struct {
	from map[Phase]bool
	to   Phase
}{
	EventStartRequested: {phaseSet(PhaseIdle), PhaseConnecting},
	EventSessionActive:  {phaseSet(PhaseConnecting), PhaseListening},
	// Narrower than "any non-failed phase": Idle is left out as well, so a
	// stray VAD edge after a call ends does not move an idle machine
	EventUserSpeechDetected:   {phaseSet(PhaseConnecting, PhaseListening, PhaseThinking, PhaseSpeaking), PhaseListening},
	EventUserSpeechEnded:      {phaseSet(PhaseListening), PhaseThinking},
	EventUserTranscriptFinal:  {phaseSet(PhaseListening), PhaseThinking},
	EventAgentTranscriptFinal: {phaseSet(PhaseThinking, PhaseListening), PhaseSpeaking},
	EventAgentTurnComplete:    {phaseSet(PhaseSpeaking), PhaseListening},
	EventSessionEnded:         {nil, PhaseIdle},
	EventSessionError:         {nil, PhaseFailed},
	EventTeardownComplete:     {phaseSet(PhaseFailed), PhaseIdle},
}

func phaseSet(phases ...Phase) map[Phase]bool {
	m := make(map[Phase]bool, len(phases))
	for _, p := range phases {
		m[p] = true
	}
	return m
}

// StateMachine owns the conversation phase. It starts Idle and returns to
// Idle after every conversation, so it is reusable.
type StateMachine struct {
	mu        sync.Mutex
	phase     Phase
	observers []func(from, to Phase)
	log       *logger.Logger
}

// NewStateMachine creates a machine in PhaseIdle
func NewStateMachine(log *logger.Logger) *StateMachine {
	return &StateMachine{
		phase: PhaseIdle,
		log:   logger.OrDefault(log).WithPrefix("StateMachine"),
	}
}

// Phase returns the current phase
func (m *StateMachine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// OnTransition registers an observer called with (from, to) after every
// phase change. Observers run on the caller's goroutine outside the lock.
func (m *StateMachine) OnTransition(fn func(from, to Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Fire applies ev. It returns false and leaves the phase unchanged when ev
// is not valid in the current phase. Re-entering the current phase is
// accepted but not reported to observers.
func (m *StateMachine) Fire(ev Event) bool {
	t, ok := transitions[ev]
	if !ok {
		return false
	}

	m.mu.Lock()
	from := m.phase
	if t.from != nil && !t.from[from] {
		m.mu.Unlock()
		m.log.Debug("Ignoring %s in phase %s", ev, from)
		return false
	}
	m.phase = t.to
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	if from == t.to {
		return true
	}
	m.log.Debug("%s: %s → %s", ev, from, t.to)
	for _, fn := range observers {
		fn(from, t.to)
	}
	return true
}

// Apply maps a dialogue frame to its event and fires it. Frames that carry
// no role never decide between speaking and listening: a role-tagged
// transcript is what moves the phase.
func (m *StateMachine) Apply(frame frames.Frame) bool {
	ev, ok := EventFor(frame)
	if !ok {
		return false
	}
	return m.Fire(ev)
}

// EventFor returns the event a frame represents, if any
func EventFor(frame frames.Frame) (Event, bool) {
	switch f := frame.(type) {
	case *frames.CallStartFrame:
		return EventSessionActive, true
	case *frames.CallEndFrame:
		return EventSessionEnded, true
	case *frames.ErrorFrame:
		return EventSessionError, true
	case *frames.SpeechStartedFrame:
		if f.Role == frames.RoleUser {
			return EventUserSpeechDetected, true
		}
	case *frames.SpeechStoppedFrame:
		if f.Role == frames.RoleUser {
			return EventUserSpeechEnded, true
		}
	case *frames.TranscriptionFrame:
		if !f.Final {
			break
		}
		switch f.Role {
		case frames.RoleUser:
			return EventUserTranscriptFinal, true
		case frames.RoleAgent:
			return EventAgentTranscriptFinal, true
		}
	case *frames.TurnCompleteFrame:
		return EventAgentTurnComplete, true
	}
	return 0, false
}
