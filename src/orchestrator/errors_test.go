package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/square-key-labs/strawgo-avatar/src/config"
	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMessage(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	cases := []struct {
		err  error
		want string
	}{
		{&ConfigurationError{Field: "avatar.face_id"}, "please set avatar.face_id"},
		{&InitializationError{Session: services.KindAvatar, Attempts: 3, Err: cause}, "Could not connect to the avatar service"},
		{&MediaBridgeTimeoutError{Attempts: 50, Interval: 100 * time.Millisecond}, "voice only"},
		{&media.RouteConflictError{}, "already routed"},
		{fmt.Errorf("wrapped: %w", &RuntimeSessionError{Session: services.KindDialogue, Err: cause}), "dialogue connection was lost"},
		{ErrNotReady, "Still connecting"},
		{ErrConversationActive, "already in progress"},
		{ErrDisposed, "shut down"},
		{context.DeadlineExceeded, "timed out"},
		{errors.New("something odd"), "something odd"},
	}
	for _, c := range cases {
		assert.Contains(t, UserMessage(c.err), c.want)
	}
	assert.Empty(t, UserMessage(nil))
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")
	assert.ErrorIs(t, &InitializationError{Err: cause}, cause)
	assert.ErrorIs(t, &RuntimeSessionError{Err: cause}, cause)
}

func TestValidateNamesFirstMissingField(t *testing.T) {
	s := validSettings()
	require.NoError(t, s.Validate())

	s.Avatar.APIKey = ""
	var cfgErr *ConfigurationError
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "avatar.api_key", cfgErr.Field)

	s = validSettings()
	s.AgentID = "<agent-id>"
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "dialogue.agent_id", cfgErr.Field)

	s = validSettings()
	s.Dialogue = services.Credentials{Vertex: true}
	require.ErrorAs(t, s.Validate(), &cfgErr)
	assert.Equal(t, "dialogue.project", cfgErr.Field)

	s.Dialogue.Project = "tutor-prod"
	assert.NoError(t, s.Validate())
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Dialogue.APIKey = "k"
	cfg.Dialogue.AgentID = "gemini-live"
	cfg.Avatar.APIKey = "a"
	cfg.Avatar.FaceID = "f"
	cfg.Topics = map[string]config.TopicConfig{
		"react": {Name: "React", SystemPrompt: "You teach React.", FirstMessage: "Hi!"},
	}

	s := SettingsFromConfig(cfg)
	require.NoError(t, s.Validate())
	assert.Equal(t, 5*time.Second, s.IdleTimeout)
	assert.Equal(t, 30*time.Second, s.ConversationIdleTimeout)
	assert.Equal(t, time.Hour, s.MaxSessionLength)
	assert.Equal(t, 3, s.RetryAttempts)
	assert.Equal(t, 2*time.Second, s.RetryDelay)
	assert.True(t, s.HandleSilence)

	avatar := s.avatarConfig()
	assert.Equal(t, 5*time.Second, avatar.IdleTimeout)
	assert.True(t, avatar.HandleSilence)

	topic, ok := TopicFromConfig(cfg, "react")
	require.True(t, ok)
	opts := topic.startOptions()
	assert.Equal(t, "react", opts.TopicID)
	assert.Equal(t, "Hi!", opts.FirstMessage)

	_, ok = TopicFromConfig(cfg, "rust")
	assert.False(t, ok)
	var none *Topic
	assert.Equal(t, services.StartOptions{}, none.startOptions())
}

func TestWithRetryCountsAttempts(t *testing.T) {
	n := 0
	attempts, err := withRetry(context.Background(), time.Millisecond, 2, func(context.Context) error {
		n++
		if n < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts, err = withRetry(context.Background(), time.Millisecond, 0, func(context.Context) error {
		return errors.New("down")
	})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, attempts)
}
