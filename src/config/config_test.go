package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchAvatarIntegration(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Second, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Session.ConversationIdleTimeout.Std())
	assert.Equal(t, time.Hour, cfg.Session.MaxSessionLength.Std())
	assert.Equal(t, 3, cfg.Session.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Session.RetryDelay.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Bridge.PollInterval.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Bridge.SinkDelay.Std())
	assert.Equal(t, 15*time.Second, cfg.Avatar.ReadyTimeout.Std())
	assert.True(t, *cfg.Avatar.HandleSilence)
	assert.True(t, *cfg.Bridge.MuteOriginal)
	assert.Equal(t, 16000, cfg.Avatar.SampleRate)
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "avatar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dialogue:
  agent_id: gemini-live
avatar:
  face_id: face-from-file
  handle_silence: false
session:
  idle_timeout: 7s
  conversation_idle_timeout: 2m
  retry_delay: 250
bridge:
  poll_attempts: 5
topics:
  react:
    name: React Development
    system_prompt: You are a React tutor.
`), 0o644))

	t.Setenv("AVATAR_FACE_ID", "face-from-env")
	t.Setenv("DIALOGUE_API_KEY", "key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini-live", cfg.Dialogue.AgentID)
	assert.Equal(t, "key", cfg.Dialogue.APIKey)
	assert.Equal(t, "face-from-env", cfg.Avatar.FaceID)
	assert.False(t, *cfg.Avatar.HandleSilence)
	assert.Equal(t, 7*time.Second, cfg.Session.IdleTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Session.ConversationIdleTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Session.RetryDelay.Std())
	assert.Equal(t, 5, cfg.Bridge.PollAttempts)
	assert.Equal(t, "You are a React tutor.", cfg.Topics["react"].SystemPrompt)
	// defaults still fill the rest
	assert.Equal(t, 3, cfg.Session.RetryAttempts)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(".env.local", []byte("AVATAR_API_KEY=from-dotenv\n"), 0o644))
	t.Setenv("AVATAR_API_KEY", "")
	os.Unsetenv("AVATAR_API_KEY")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Avatar.APIKey)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  idle_timeout: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
