package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the avatar conversation configuration
type Config struct {
	Dialogue DialogueConfig `yaml:"dialogue"`
	Avatar   AvatarConfig   `yaml:"avatar"`
	Session  SessionConfig  `yaml:"session"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`

	// Topics maps a topic ID to its conversation overrides
	Topics map[string]TopicConfig `yaml:"topics"`
}

// DialogueConfig configures the speech/reasoning session
type DialogueConfig struct {
	APIKey   string `yaml:"api_key"`  // Gemini API key (empty with vertex: true)
	AgentID  string `yaml:"agent_id"` // Live model, e.g. "gemini-live-2.5-flash-preview"
	Vertex   bool   `yaml:"vertex"`   // Use Vertex AI with application default credentials
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	Voice    string `yaml:"voice"` // Prebuilt voice name, e.g. "Puck"

	InputSampleRate int `yaml:"input_sample_rate"` // Microphone PCM rate (default: 16000)
}

// AvatarConfig configures the avatar rendering session
type AvatarConfig struct {
	APIKey        string `yaml:"api_key"`
	FaceID        string `yaml:"face_id"`
	URL           string `yaml:"url"`
	RenderTarget  string `yaml:"render_target"` // Presentation element receiving video
	AudioTarget   string `yaml:"audio_target"`  // Presentation element receiving synced audio
	SampleRate    int    `yaml:"sample_rate"`   // PCM rate the avatar consumes (default: 16000)
	Model         string `yaml:"model"`
	HandleSilence *bool  `yaml:"handle_silence"` // Avatar synthesizes idle motion without audio (default: true)

	ReadyTimeout Duration `yaml:"ready_timeout"` // Max wait for the service to accept the session
}

// SessionConfig holds lifecycle limits shared by both sessions
type SessionConfig struct {
	IdleTimeout             Duration `yaml:"idle_timeout"`              // Avatar's max time without audio
	ConversationIdleTimeout Duration `yaml:"conversation_idle_timeout"` // Max user silence before the conversation auto-closes
	MaxSessionLength        Duration `yaml:"max_session_length"`        // Hard ceiling per conversation
	RetryAttempts           int      `yaml:"retry_attempts"`            // Reconnect attempts on init failure
	RetryDelay              Duration `yaml:"retry_delay"`               // Delay between attempts
}

// BridgeConfig bounds the media bridge's waits
type BridgeConfig struct {
	PollInterval Duration `yaml:"poll_interval"` // Transport availability poll interval
	PollAttempts int      `yaml:"poll_attempts"` // Polls before MediaBridgeTimeoutError
	SinkDelay    Duration `yaml:"sink_delay"`    // Wait before looking up the duplicate sink
	SinkLookups  int      `yaml:"sink_lookups"`  // Sink lookups before giving up
	MuteOriginal *bool    `yaml:"mute_original"` // Mute the dialogue's own output (default: true)
}

// ServerConfig configures the presentation WebSocket server
type ServerConfig struct {
	Port          int     `yaml:"port"`
	Path          string  `yaml:"path"`
	CommandRate   float64 `yaml:"command_rate"`   // Commands per second per connection
	CommandBurst  int     `yaml:"command_burst"`
	AllowedOrigin string  `yaml:"allowed_origin"` // Empty allows any origin

	// Reply audio format sent to clients in voice-only mode. An empty codec
	// sends the dialogue's 24 kHz PCM16 unchanged.
	PlaybackCodec      string `yaml:"playback_codec"` // linear16, mulaw or alaw
	PlaybackSampleRate int    `yaml:"playback_sample_rate"`
}

// LogConfig configures the default logger
type LogConfig struct {
	Level string `yaml:"level"`
	Color *bool  `yaml:"color"`
}

// TopicConfig is one conversation topic's overrides
type TopicConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	FirstMessage string `yaml:"first_message"`
}

// Duration is a time.Duration that unmarshals from "5s" strings or integer
// milliseconds
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if ms, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns a config with every default applied and no credentials
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads .env files, the YAML file at path (optional when empty or
// missing) and environment overrides, then applies defaults
func Load(path string) (*Config, error) {
	// .env.local wins over .env; neither overrides the real environment
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Dialogue.APIKey, "DIALOGUE_API_KEY")
	setString(&c.Dialogue.AgentID, "DIALOGUE_AGENT_ID")
	setString(&c.Dialogue.Project, "GOOGLE_CLOUD_PROJECT")
	setString(&c.Dialogue.Location, "GOOGLE_CLOUD_LOCATION")
	setString(&c.Avatar.APIKey, "AVATAR_API_KEY")
	setString(&c.Avatar.FaceID, "AVATAR_FACE_ID")
	setString(&c.Avatar.URL, "AVATAR_URL")
	setString(&c.Log.Level, "LOG_LEVEL")

	if c.Dialogue.APIKey == "" {
		setString(&c.Dialogue.APIKey, "GEMINI_API_KEY")
	}
	if v := os.Getenv("GOOGLE_GENAI_USE_VERTEXAI"); v != "" {
		c.Dialogue.Vertex, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Dialogue.InputSampleRate == 0 {
		c.Dialogue.InputSampleRate = 16000
	}
	if c.Dialogue.Location == "" {
		c.Dialogue.Location = "us-central1"
	}

	if c.Avatar.SampleRate == 0 {
		c.Avatar.SampleRate = 16000
	}
	if c.Avatar.HandleSilence == nil {
		c.Avatar.HandleSilence = boolPtr(true)
	}
	if c.Avatar.ReadyTimeout == 0 {
		c.Avatar.ReadyTimeout = Duration(15 * time.Second)
	}
	if c.Avatar.Model == "" {
		c.Avatar.Model = "fasttalk"
	}

	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = Duration(5 * time.Second)
	}
	if c.Session.ConversationIdleTimeout == 0 {
		c.Session.ConversationIdleTimeout = Duration(30 * time.Second)
	}
	if c.Session.MaxSessionLength == 0 {
		c.Session.MaxSessionLength = Duration(time.Hour)
	}
	if c.Session.RetryAttempts == 0 {
		c.Session.RetryAttempts = 3
	}
	if c.Session.RetryDelay == 0 {
		c.Session.RetryDelay = Duration(2 * time.Second)
	}

	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = Duration(100 * time.Millisecond)
	}
	if c.Bridge.PollAttempts == 0 {
		c.Bridge.PollAttempts = 50
	}
	if c.Bridge.SinkDelay == 0 {
		c.Bridge.SinkDelay = Duration(100 * time.Millisecond)
	}
	if c.Bridge.SinkLookups == 0 {
		c.Bridge.SinkLookups = 10
	}
	if c.Bridge.MuteOriginal == nil {
		c.Bridge.MuteOriginal = boolPtr(true)
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Path == "" {
		c.Server.Path = "/ws"
	}
	if c.Server.CommandRate == 0 {
		c.Server.CommandRate = 2
	}
	if c.Server.CommandBurst == 0 {
		c.Server.CommandBurst = 4
	}

	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.Color == nil {
		c.Log.Color = boolPtr(true)
	}
}

func boolPtr(b bool) *bool {
	return &b
}
