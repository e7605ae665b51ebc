package frames

// ControlFrame is the base for speech signals, phase changes and commands
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

// SpeechStartedFrame reports detected speech. Role is RoleUnknown when the
// source cannot tell user from agent speech.
type SpeechStartedFrame struct {
	*ControlFrame
	Role Role
}

func NewSpeechStartedFrame(role Role) *SpeechStartedFrame {
	return &SpeechStartedFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("SpeechStartedFrame"),
		},
		Role: role,
	}
}

// SpeechStoppedFrame reports the end of detected speech
type SpeechStoppedFrame struct {
	*ControlFrame
	Role Role
}

func NewSpeechStoppedFrame(role Role) *SpeechStoppedFrame {
	return &SpeechStoppedFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("SpeechStoppedFrame"),
		},
		Role: role,
	}
}

// TurnCompleteFrame marks the end of the agent's reply
type TurnCompleteFrame struct {
	*ControlFrame
	Interrupted bool
}

func NewTurnCompleteFrame(interrupted bool) *TurnCompleteFrame {
	return &TurnCompleteFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("TurnCompleteFrame"),
		},
		Interrupted: interrupted,
	}
}

// PhaseFrame announces a conversation phase change to the presentation layer
type PhaseFrame struct {
	*ControlFrame
	Phase string
}

func NewPhaseFrame(phase string) *PhaseFrame {
	return &PhaseFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("PhaseFrame"),
		},
		Phase: phase,
	}
}

// StartConversationFrame is the presentation command to start a conversation
type StartConversationFrame struct {
	*ControlFrame
	TopicID string
}

func NewStartConversationFrame(topicID string) *StartConversationFrame {
	return &StartConversationFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("StartConversationFrame"),
		},
		TopicID: topicID,
	}
}

// EndConversationFrame is the presentation command to end the conversation
type EndConversationFrame struct {
	*ControlFrame
}

func NewEndConversationFrame() *EndConversationFrame {
	return &EndConversationFrame{
		ControlFrame: &ControlFrame{
			BaseFrame: NewBaseFrame("EndConversationFrame"),
		},
	}
}
