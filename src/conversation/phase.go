package conversation

// Phase is the conversation's current phase. Exactly one is active at a time.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseListening
	PhaseThinking
	PhaseSpeaking
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseConnecting: "connecting",
	PhaseListening:  "listening",
	PhaseThinking:   "thinking",
	PhaseSpeaking:   "speaking",
	PhaseFailed:     "failed",
}

func (p Phase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return "unknown"
}

// Valid reports whether p is one of the six defined phases
func (p Phase) Valid() bool {
	return p >= PhaseIdle && p <= PhaseFailed
}

// Phases lists every phase in declaration order
func Phases() []Phase {
	return []Phase{PhaseIdle, PhaseConnecting, PhaseListening, PhaseThinking, PhaseSpeaking, PhaseFailed}
}

// Event drives phase transitions
type Event int

const (
	EventStartRequested Event = iota
	EventSessionActive
	EventUserSpeechDetected
	EventUserSpeechEnded
	EventUserTranscriptFinal
	EventAgentTranscriptFinal
	EventAgentTurnComplete
	EventSessionEnded
	EventSessionError
	EventTeardownComplete
)

var eventNames = [...]string{
	EventStartRequested:       "startRequested",
	EventSessionActive:        "sessionActive",
	EventUserSpeechDetected:   "userSpeechDetected",
	EventUserSpeechEnded:      "userSpeechEnded",
	EventUserTranscriptFinal:  "userTranscriptFinal",
	EventAgentTranscriptFinal: "agentTranscriptFinal",
	EventAgentTurnComplete:    "agentTurnComplete",
	EventSessionEnded:         "sessionEnded",
	EventSessionError:         "sessionError",
	EventTeardownComplete:     "teardownComplete",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Events lists every event in declaration order
func Events() []Event {
	out := make([]Event, len(eventNames))
	for i := range out {
		out[i] = Event(i)
	}
	return out
}
