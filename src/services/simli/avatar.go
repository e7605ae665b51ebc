package simli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/square-key-labs/strawgo-avatar/src/audio"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/services"
)

// DefaultURL is the avatar service's session endpoint
const DefaultURL = "wss://api.simli.ai/session"

var (
	ErrNotConnected = errors.New("avatar session not connected")
	ErrNotReady     = errors.New("avatar service did not accept the session")
)

// Message is a JSON control message exchanged with the avatar service
type Message struct {
	Type string `json:"type"`

	// init
	APIKey           string `json:"api_key,omitempty"`
	FaceID           string `json:"face_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	Model            string `json:"model,omitempty"`
	SampleRate       int    `json:"sample_rate,omitempty"`
	HandleSilence    *bool  `json:"handle_silence,omitempty"`
	MaxSessionLength int64  `json:"max_session_length,omitempty"` // ms
	MaxIdleTime      int64  `json:"max_idle_time,omitempty"`      // ms
	MaxRetryAttempts int    `json:"max_retry_attempts,omitempty"`
	RetryDelay       int64  `json:"retry_delay_ms,omitempty"`
	RenderTarget     string `json:"render_target,omitempty"`
	AudioTarget      string `json:"audio_target,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ClientConfig holds transport settings for the avatar service
type ClientConfig struct {
	URL          string        // Session endpoint (default: DefaultURL)
	SampleRate   int           // PCM rate the avatar consumes (default: 16000)
	Model        string        // e.g. "fasttalk"
	ReadyTimeout time.Duration // Max wait for "ready" after init (default: 15s)
	Dialer       *websocket.Dialer
	Logger       *logger.Logger
}

// AvatarService is an avatar session over a WebSocket. Audio is sent as
// binary PCM16 frames, control as JSON text frames.
type AvatarService struct {
	config ClientConfig
	log    *logger.Logger

	errors media.Listeners[error]

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	closing   bool

	// writeMu serializes writes, gorilla allows one concurrent writer
	writeMu sync.Mutex
}

// NewAvatarService creates an unconnected avatar session
func NewAvatarService(config ClientConfig) *AvatarService {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 15 * time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	return &AvatarService{
		config: config,
		log:    logger.OrDefault(config.Logger).WithPrefix("Avatar"),
	}
}

// Initialize connects and registers the session. It returns once the
// service reports ready.
func (s *AvatarService) Initialize(ctx context.Context, cfg services.AvatarConfig) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := s.config.Dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to avatar service: %w", err)
	}

	sessionID := uuid.New().String()
	handleSilence := cfg.HandleSilence
	init := Message{
		Type:             "init",
		APIKey:           cfg.APIKey,
		FaceID:           cfg.FaceID,
		SessionID:        sessionID,
		Model:            s.config.Model,
		SampleRate:       s.config.SampleRate,
		HandleSilence:    &handleSilence,
		MaxSessionLength: cfg.MaxSessionLength.Milliseconds(),
		MaxIdleTime:      cfg.IdleTimeout.Milliseconds(),
		MaxRetryAttempts: cfg.RetryAttempts,
		RetryDelay:       cfg.RetryDelay.Milliseconds(),
		RenderTarget:     cfg.RenderTarget,
		AudioTarget:      cfg.AudioTarget,
	}
	if err := conn.WriteJSON(init); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send init: %w", err)
	}

	if err := s.awaitReady(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.sessionID = sessionID
	s.closing = false
	s.mu.Unlock()

	go s.readLoop(conn)

	s.log.Info("Session %s ready (face %s)", sessionID, cfg.FaceID)
	return nil
}

func (s *AvatarService) awaitReady(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(s.config.ReadyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		switch msg.Type {
		case "ready":
			return nil
		case "error":
			return fmt.Errorf("%w: %s", ErrNotReady, msg.Message)
		default:
			s.log.Debug("Ignoring %q before ready", msg.Type)
		}
	}
}

func (s *AvatarService) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			s.mu.Lock()
			closing := s.closing || s.conn != conn
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()

			if closing {
				return
			}
			s.log.Error("Connection lost: %v", err)
			s.errors.Emit(fmt.Errorf("avatar connection lost: %w", err))
			return
		}

		switch msg.Type {
		case "error":
			s.log.Error("Service error: %s", msg.Message)
			s.errors.Emit(fmt.Errorf("avatar service: %s", msg.Message))
		case "stop":
			s.log.Info("Session ended by service: %s", msg.Message)
		default:
			s.log.Debug("Received %q", msg.Type)
		}
	}
}

// Start begins rendering
func (s *AvatarService) Start(ctx context.Context) error {
	return s.writeJSON(Message{Type: "start"})
}

// ConsumeAudioTrack pumps track's RTP audio to the avatar until the track
// ends or the session closes
func (s *AvatarService) ConsumeAudioTrack(track media.Track) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	codec := track.Codec()
	dec, err := audio.NewPayloadDecoder(codec.MimeType, codec.ClockRate, codec.Channels)
	if err != nil {
		return fmt.Errorf("cannot forward track %s: %w", track.ID(), err)
	}

	s.log.Info("Consuming track %s (%s @ %d Hz)", track.ID(), codec.MimeType, dec.SampleRate())
	go s.pump(track, dec)
	return nil
}

func (s *AvatarService) pump(track media.Track, dec *audio.PayloadDecoder) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, media.ErrTrackClosed) {
				s.log.Warn("Track %s read failed: %v", track.ID(), err)
			}
			return
		}

		pcm, err := dec.DecodeTo(pkt.Payload, s.config.SampleRate)
		if err != nil {
			s.log.Debug("Skipping undecodable packet %d: %v", pkt.SequenceNumber, err)
			continue
		}
		if len(pcm) == 0 {
			continue
		}

		if err := s.SendAudio(pcm); err != nil {
			if errors.Is(err, ErrNotConnected) {
				return
			}
			s.log.Warn("Audio send failed: %v", err)
			s.errors.Emit(fmt.Errorf("avatar audio send: %w", err))
			return
		}
	}
}

// SendAudio sends one PCM16 chunk at the configured sample rate
func (s *AvatarService) SendAudio(pcm []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *AvatarService) writeJSON(msg Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Close ends the session. It is safe to call more than once.
func (s *AvatarService) Close() error {
	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.conn = nil
	s.closing = true
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	err := conn.WriteJSON(Message{Type: "close"})
	if err == nil {
		err = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	s.writeMu.Unlock()

	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	s.log.Info("Session %s closed", sessionID)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("failed to close avatar session: %w", err)
	}
	return nil
}

// OnError registers for failures after initialization
func (s *AvatarService) OnError(fn func(error)) media.Subscription {
	return s.errors.Add(fn)
}
