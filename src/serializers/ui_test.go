package serializers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/strawgo-avatar/src/audio"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
)

func decode(t *testing.T, out interface{}) UIMessage {
	t.Helper()
	text, ok := out.(string)
	require.True(t, ok, "expected a text message, got %T", out)
	var msg UIMessage
	require.NoError(t, json.Unmarshal([]byte(text), &msg))
	return msg
}

func TestSerializePhase(t *testing.T) {
	s := NewUISerializer(0)
	out, err := s.Serialize(frames.NewPhaseFrame("thinking"))
	require.NoError(t, err)
	assert.Equal(t, UIMessage{Type: MessagePhase, Phase: "thinking"}, decode(t, out))
}

func TestSerializeTurn(t *testing.T) {
	s := NewUISerializer(0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out, err := s.Serialize(frames.NewTurnFrame("turn-1", frames.RoleAgent, "Hello there", at))
	require.NoError(t, err)

	msg := decode(t, out)
	assert.Equal(t, MessageTurn, msg.Type)
	assert.Equal(t, "turn-1", msg.TurnID)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "Hello there", msg.Text)
	assert.True(t, at.Equal(msg.OccurredAt))
}

func TestSerializeError(t *testing.T) {
	s := NewUISerializer(0)
	out, err := s.Serialize(frames.NewErrorFrame(errors.New("Still connecting. Please wait.")))
	require.NoError(t, err)
	assert.Equal(t, "Still connecting. Please wait.", decode(t, out).Message)
}

func TestSerializeAudioIsBinary(t *testing.T) {
	s := NewUISerializer(0)
	pcm := []byte{1, 2, 3, 4}
	out, err := s.Serialize(frames.NewAudioFrame(pcm, 24000, 1))
	require.NoError(t, err)
	assert.Equal(t, pcm, out)
}

func TestSerializeConvertsPlayback(t *testing.T) {
	s := NewUISerializer(0)
	s.Playback = audio.Format{Codec: audio.CodecMulaw, SampleRate: 8000}

	// 30 ms of 24 kHz PCM16 becomes 30 ms of 8 kHz mulaw
	out, err := s.Serialize(frames.NewAudioFrame(make([]byte, 1440), 24000, 1))
	require.NoError(t, err)
	data, ok := out.([]byte)
	require.True(t, ok)
	assert.Len(t, data, 240)

	s.Playback = audio.Format{Codec: "opus"}
	_, err = s.Serialize(frames.NewAudioFrame(make([]byte, 4), 24000, 1))
	assert.Error(t, err)
}

func TestSerializeIgnoresOtherFrames(t *testing.T) {
	s := NewUISerializer(0)
	out, err := s.Serialize(frames.NewSpeechStartedFrame(frames.RoleUser))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDeserializeCommands(t *testing.T) {
	s := NewUISerializer(0)

	f, err := s.Deserialize(`{"type":"start_conversation","topic":"react"}`)
	require.NoError(t, err)
	start, ok := f.(*frames.StartConversationFrame)
	require.True(t, ok)
	assert.Equal(t, "react", start.TopicID)

	f, err = s.Deserialize(`{"type":"end_conversation"}`)
	require.NoError(t, err)
	assert.IsType(t, &frames.EndConversationFrame{}, f)

	f, err = s.Deserialize(`{"type":"wave"}`)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestDeserializeMalformed(t *testing.T) {
	s := NewUISerializer(0)
	_, err := s.Deserialize(`{"type":`)
	assert.Error(t, err)

	_, err = s.Deserialize(42)
	assert.Error(t, err)
}

func TestDeserializeMicrophoneAudio(t *testing.T) {
	s := NewUISerializer(16000)
	f, err := s.Deserialize([]byte{0, 1, 0, 1})
	require.NoError(t, err)
	audio, ok := f.(*frames.AudioFrame)
	require.True(t, ok)
	assert.Equal(t, 16000, audio.SampleRate)
	assert.Equal(t, 1, audio.Channels)

	f, err = s.Deserialize([]byte{})
	require.NoError(t, err)
	assert.Nil(t, f)
}
