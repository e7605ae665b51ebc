package orchestrator

import (
	"strings"
	"time"

	"github.com/square-key-labs/strawgo-avatar/src/config"
	"github.com/square-key-labs/strawgo-avatar/src/services"
)

// Settings are the credentials and limits Initialize validates and applies
type Settings struct {
	Dialogue services.Credentials
	AgentID  string
	Avatar   services.AvatarConfig

	IdleTimeout             time.Duration // Avatar's max time without audio
	ConversationIdleTimeout time.Duration // Max user silence while listening before the conversation ends
	MaxSessionLength        time.Duration // Hard ceiling per conversation
	RetryAttempts           int           // Retries after a failed start
	RetryDelay              time.Duration
	HandleSilence           bool // Avatar synthesizes idle motion without audio
}

// Topic overrides the dialogue's behavior for one conversation
type Topic struct {
	ID           string
	Name         string
	SystemPrompt string
	FirstMessage string
}

// SettingsFromConfig builds Settings from a loaded config
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		Dialogue: services.Credentials{
			APIKey:   cfg.Dialogue.APIKey,
			Vertex:   cfg.Dialogue.Vertex,
			Project:  cfg.Dialogue.Project,
			Location: cfg.Dialogue.Location,
		},
		AgentID: cfg.Dialogue.AgentID,
		Avatar: services.AvatarConfig{
			APIKey:       cfg.Avatar.APIKey,
			FaceID:       cfg.Avatar.FaceID,
			RenderTarget: cfg.Avatar.RenderTarget,
			AudioTarget:  cfg.Avatar.AudioTarget,
		},
		IdleTimeout:             cfg.Session.IdleTimeout.Std(),
		ConversationIdleTimeout: cfg.Session.ConversationIdleTimeout.Std(),
		MaxSessionLength:        cfg.Session.MaxSessionLength.Std(),
		RetryAttempts:           cfg.Session.RetryAttempts,
		RetryDelay:              cfg.Session.RetryDelay.Std(),
		HandleSilence:           true,
	}
	if cfg.Avatar.HandleSilence != nil {
		s.HandleSilence = *cfg.Avatar.HandleSilence
	}
	return s
}

// TopicFromConfig looks up a configured topic by ID
func TopicFromConfig(cfg *config.Config, id string) (*Topic, bool) {
	t, ok := cfg.Topics[id]
	if !ok {
		return nil, false
	}
	return &Topic{ID: id, Name: t.Name, SystemPrompt: t.SystemPrompt, FirstMessage: t.FirstMessage}, true
}

type requirement struct {
	field string
	value string
}

// Validate reports the first missing or placeholder identifier
func (s Settings) Validate() error {
	required := []requirement{
		{"avatar.api_key", s.Avatar.APIKey},
		{"avatar.face_id", s.Avatar.FaceID},
		{"dialogue.agent_id", s.AgentID},
	}
	if s.Dialogue.Vertex {
		required = append(required, requirement{"dialogue.project", s.Dialogue.Project})
	} else {
		required = append(required, requirement{"dialogue.api_key", s.Dialogue.APIKey})
	}

	for _, r := range required {
		if missing(r.value) {
			return &ConfigurationError{Field: r.field}
		}
	}
	return nil
}

// avatarConfig is the avatar's init config with the shared limits applied
func (s Settings) avatarConfig() services.AvatarConfig {
	cfg := s.Avatar
	cfg.HandleSilence = s.HandleSilence
	cfg.IdleTimeout = s.IdleTimeout
	cfg.MaxSessionLength = s.MaxSessionLength
	cfg.RetryAttempts = s.RetryAttempts
	cfg.RetryDelay = s.RetryDelay
	return cfg
}

// missing treats template values such as "your-face-id-here" as unset
func missing(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	lower := strings.ToLower(v)
	return strings.HasPrefix(lower, "your-") || strings.HasPrefix(lower, "your_") ||
		(strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"))
}

func (t *Topic) startOptions() services.StartOptions {
	if t == nil {
		return services.StartOptions{}
	}
	return services.StartOptions{
		TopicID:      t.ID,
		SystemPrompt: t.SystemPrompt,
		FirstMessage: t.FirstMessage,
	}
}
