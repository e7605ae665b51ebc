package frames

import "time"

// Role identifies who produced speech or a transcript
type Role string

const (
	RoleUnknown Role = ""
	RoleUser    Role = "user"
	RoleAgent   Role = "assistant"
)

func (r Role) String() string {
	if r == RoleUnknown {
		return "unknown"
	}
	return string(r)
}

// DataFrame is the base for audio and transcript frames
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame carries 16-bit little-endian PCM
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("AudioFrame"),
		},
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

// TranscriptionFrame carries transcript text. Only Final frames become turns.
type TranscriptionFrame struct {
	*DataFrame
	Role  Role
	Text  string
	Final bool
}

func NewTranscriptionFrame(role Role, text string, final bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TranscriptionFrame"),
		},
		Role:  role,
		Text:  text,
		Final: final,
	}
}

// TurnFrame announces a turn appended to the transcript log
type TurnFrame struct {
	*DataFrame
	TurnID     string
	Role       Role
	Text       string
	OccurredAt time.Time
}

func NewTurnFrame(turnID string, role Role, text string, occurredAt time.Time) *TurnFrame {
	return &TurnFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TurnFrame"),
		},
		TurnID:     turnID,
		Role:       role,
		Text:       text,
		OccurredAt: occurredAt,
	}
}
