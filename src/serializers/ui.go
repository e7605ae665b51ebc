package serializers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/square-key-labs/strawgo-avatar/src/audio"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
)

// Message types of the presentation protocol
const (
	MessagePhase             = "phase"
	MessageTurn              = "turn"
	MessageError             = "error"
	MessageStartConversation = "start_conversation"
	MessageEndConversation   = "end_conversation"
)

// UIMessage is the JSON envelope exchanged with presentation clients.
// Binary messages carry 16-bit PCM microphone or playback audio.
type UIMessage struct {
	Type       string    `json:"type"`
	Phase      string    `json:"phase,omitempty"`
	TurnID     string    `json:"turn_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	Text       string    `json:"text,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitzero"`
	Topic      string    `json:"topic,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// UISerializer implements the presentation client protocol
type UISerializer struct {
	// SampleRate of inbound microphone audio
	SampleRate int

	// Playback is the format clients play. A zero Codec sends reply audio
	// unchanged.
	Playback audio.Format
}

// NewUISerializer creates a serializer for microphone audio at sampleRate
func NewUISerializer(sampleRate int) *UISerializer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &UISerializer{SampleRate: sampleRate}
}

func (s *UISerializer) Type() SerializerType {
	return SerializerTypeText
}

func (s *UISerializer) Serialize(frame frames.Frame) (interface{}, error) {
	var msg UIMessage
	switch f := frame.(type) {
	case *frames.AudioFrame:
		return s.playback(f)
	case *frames.PhaseFrame:
		msg = UIMessage{Type: MessagePhase, Phase: f.Phase}
	case *frames.TurnFrame:
		msg = UIMessage{
			Type:       MessageTurn,
			TurnID:     f.TurnID,
			Role:       string(f.Role),
			Text:       f.Text,
			OccurredAt: f.OccurredAt,
		}
	case *frames.ErrorFrame:
		text := "unknown error"
		if f.Error != nil {
			text = f.Error.Error()
		}
		msg = UIMessage{Type: MessageError, Message: text}
	default:
		return nil, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return string(data), nil
}

func (s *UISerializer) playback(f *frames.AudioFrame) ([]byte, error) {
	if s.Playback.Codec == "" || f.SampleRate <= 0 {
		return f.Data, nil
	}
	to := s.Playback
	if to.SampleRate <= 0 {
		to.SampleRate = f.SampleRate
	}
	data, err := audio.Convert(f.Data, audio.Format{Codec: audio.CodecLinear16, SampleRate: f.SampleRate}, to)
	if err != nil {
		return nil, fmt.Errorf("failed to convert playback audio: %w", err)
	}
	return data, nil
}

func (s *UISerializer) Deserialize(data interface{}) (frames.Frame, error) {
	switch v := data.(type) {
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		return frames.NewAudioFrame(v, s.SampleRate, 1), nil
	case string:
		return s.deserializeText(v)
	default:
		return nil, fmt.Errorf("unsupported message payload %T", data)
	}
}

func (s *UISerializer) deserializeText(text string) (frames.Frame, error) {
	var msg UIMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client message: %w", err)
	}

	switch msg.Type {
	case MessageStartConversation:
		return frames.NewStartConversationFrame(msg.Topic), nil
	case MessageEndConversation:
		return frames.NewEndConversationFrame(), nil
	default:
		return nil, nil
	}
}
