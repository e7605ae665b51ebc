package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/square-key-labs/strawgo-avatar/src/audio/vad"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/services"
	"google.golang.org/genai"
)

const (
	// OutputSampleRate is the PCM rate of Live API reply audio
	OutputSampleRate = 24000

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

var (
	ErrNotInitialized = errors.New("gemini dialogue not initialized")
	ErrNotStarted     = errors.New("gemini dialogue not started")
	ErrAlreadyStarted = errors.New("gemini dialogue already started")
)

// liveSession is the part of *genai.Session the dialogue uses
type liveSession interface {
	Receive() (*genai.LiveServerMessage, error)
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// DialogueConfig holds configuration for the Gemini Live dialogue
type DialogueConfig struct {
	Voice           string  // Prebuilt voice, e.g. "Puck"
	InputSampleRate int     // Microphone PCM rate (default: 16000)
	VADThreshold    float64 // RMS level treated as full confidence speech
	VADParams       *vad.VADParams

	// Playback is the default local output for reply audio
	Playback func(pcm []byte)

	Logger *logger.Logger
}

// DialogueService is a dialogue session on the Gemini Live API
type DialogueService struct {
	config DialogueConfig
	log    *logger.Logger

	events media.Listeners[frames.Frame]
	// emitMu keeps frames from the receive loop and turn timers in order
	emitMu sync.Mutex

	mu        sync.Mutex
	connect   connectFunc
	session   liveSession
	sessionID string
	transport *Transport
	cancel    context.CancelFunc
	done      chan struct{}
	firstMsg  string
	assembler turnAssembler
	detector  *vad.Detector

	turnStart time.Time
	turnAudio time.Duration
	turnTimer *time.Timer

	// sendMu protects concurrent WebSocket writes
	sendMu sync.Mutex
}

// NewDialogueService creates an uninitialized Gemini Live dialogue
func NewDialogueService(config DialogueConfig) *DialogueService {
	if config.InputSampleRate == 0 {
		config.InputSampleRate = 16000
	}
	return &DialogueService{
		config: config,
		log:    logger.OrDefault(config.Logger).WithPrefix("GeminiLive"),
	}
}

// Initialize builds the API client. With creds.Vertex the client uses
// application default credentials for the given project and location.
func (s *DialogueService) Initialize(ctx context.Context, creds services.Credentials) error {
	cc := &genai.ClientConfig{
		APIKey:  creds.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if creds.Vertex {
		adc, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{cloudPlatformScope},
		})
		if err != nil {
			return fmt.Errorf("failed to detect Google credentials: %w", err)
		}
		cc = &genai.ClientConfig{
			Backend:     genai.BackendVertexAI,
			Project:     creds.Project,
			Location:    creds.Location,
			Credentials: adc,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}

	s.mu.Lock()
	s.connect = func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		session, err := client.Live.Connect(ctx, model, cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
	s.mu.Unlock()

	s.log.Info("Initialized (vertex: %v)", creds.Vertex)
	return nil
}

// Start connects a live session for agentID (the Live model name). The
// transport is created when the server confirms setup.
func (s *DialogueService) Start(ctx context.Context, agentID string, opts services.StartOptions) error {
	s.mu.Lock()
	connect := s.connect
	busy := s.session != nil
	s.mu.Unlock()
	if connect == nil {
		return ErrNotInitialized
	}
	if busy {
		return ErrAlreadyStarted
	}

	detector, err := s.newDetector()
	if err != nil {
		return err
	}

	session, err := connect(ctx, agentID, s.liveConfig(opts))
	if err != nil {
		return fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sessionID := uuid.New().String()

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		cancel()
		session.Close()
		return ErrAlreadyStarted
	}
	s.session = session
	s.sessionID = sessionID
	s.cancel = cancel
	s.done = done
	s.firstMsg = opts.FirstMessage
	s.assembler.reset()
	s.detector = detector
	s.mu.Unlock()

	go s.receiveLoop(runCtx, session, sessionID, done)

	s.log.Info("Session %s connecting (model %s, topic %q)", sessionID, agentID, opts.TopicID)
	return nil
}

func (s *DialogueService) liveConfig(opts services.StartOptions) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: opts.SystemPrompt}},
		}
	}

	voice := s.config.Voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	if voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	return cfg
}

func (s *DialogueService) newDetector() (*vad.Detector, error) {
	params := vad.DefaultVADParams()
	if s.config.VADParams != nil {
		params = *s.config.VADParams
	}
	detector, err := vad.NewDetector(vad.NewRMSAnalyzer(s.config.VADThreshold), s.config.InputSampleRate, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD: %w", err)
	}
	// The microphone only carries the user's voice, so these edges are role tagged
	detector.OnSpeechStarted(func() {
		s.emit(frames.NewSpeechStartedFrame(frames.RoleUser))
	})
	detector.OnSpeechStopped(func() {
		s.emit(frames.NewSpeechStoppedFrame(frames.RoleUser))
	})
	return detector, nil
}

func (s *DialogueService) receiveLoop(ctx context.Context, session liveSession, sessionID string, done chan struct{}) {
	defer close(done)

	for {
		msg, err := session.Receive()
		if ctx.Err() != nil {
			// Stopped locally, the caller already knows
			return
		}
		if err != nil {
			s.receiveFailed(sessionID, err)
			return
		}
		s.handleMessage(sessionID, msg)
	}
}

func (s *DialogueService) receiveFailed(sessionID string, err error) {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()
	if transport != nil {
		transport.close()
	}

	if remoteClosed(err) {
		s.log.Info("Session %s closed by remote", sessionID)
		s.emit(frames.NewCallEndFrame("remote closed"))
		return
	}
	s.log.Error("Session %s receive failed: %v", sessionID, err)
	s.emit(frames.NewErrorFrame(fmt.Errorf("gemini live receive: %w", err)))
}

// remoteClosed reports a normal close from the server, also when the client
// library wraps the close error
func remoteClosed(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

func (s *DialogueService) handleMessage(sessionID string, msg *genai.LiveServerMessage) {
	s.mu.Lock()
	tr := s.assembler.translate(msg)
	s.mu.Unlock()

	if tr.SetupComplete {
		s.setupComplete(sessionID)
	}

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport != nil {
		for _, chunk := range tr.Audio {
			if err := transport.writeAgentAudio(chunk); err != nil {
				s.log.Debug("Dropping reply audio: %v", err)
				continue
			}
			s.trackTurnAudio(len(chunk))
		}
	}

	for _, f := range tr.Frames {
		s.emit(f)
	}

	if tr.Interrupted {
		dropped := 0
		if transport != nil {
			dropped = transport.interrupt()
		}
		s.log.Debug("Reply interrupted, dropped %d queued packets", dropped)
		s.stopTurnTimer()
		s.emit(frames.NewTurnCompleteFrame(true))
	}
	if tr.TurnComplete && !tr.Interrupted {
		s.scheduleTurnComplete()
	}

	if msg.GoAway != nil {
		s.log.Warn("Session %s will be closed by the server in %v", sessionID, msg.GoAway.TimeLeft)
	}
}

func (s *DialogueService) setupComplete(sessionID string) {
	transport := newTransport(sessionID, OutputSampleRate, s.config.Playback)

	s.mu.Lock()
	if s.sessionID != sessionID || s.session == nil {
		s.mu.Unlock()
		return
	}
	s.transport = transport
	first := s.firstMsg
	s.firstMsg = ""
	s.mu.Unlock()

	s.log.Info("Session %s ready", sessionID)
	s.emit(frames.NewCallStartFrame(sessionID))

	if first != "" {
		prompt := fmt.Sprintf("Start the conversation by saying exactly: %q", first)
		if err := s.sendContent(prompt, true); err != nil {
			s.log.Warn("Failed to send first message: %v", err)
		}
	}
}

// trackTurnAudio accumulates how long the current reply plays for
func (s *DialogueService) trackTurnAudio(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnAudio == 0 {
		s.turnStart = time.Now()
	}
	s.turnAudio += time.Duration(n/2) * time.Second / OutputSampleRate
}

// scheduleTurnComplete reports the end of the agent's turn once its audio
// has had time to play out, since generation runs ahead of playback
func (s *DialogueService) scheduleTurnComplete() {
	s.mu.Lock()
	delay := time.Until(s.turnStart.Add(s.turnAudio))
	sessionID := s.sessionID
	s.turnAudio = 0
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	if delay <= 0 {
		s.mu.Unlock()
		s.emit(frames.NewTurnCompleteFrame(false))
		return
	}
	s.turnTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := s.sessionID == sessionID && s.session != nil
		s.turnTimer = nil
		s.mu.Unlock()
		if current {
			s.emit(frames.NewTurnCompleteFrame(false))
		}
	})
	s.mu.Unlock()
}

func (s *DialogueService) stopTurnTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnAudio = 0
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
}

// Stop closes the live session. No events are delivered for it after Stop
// returns.
func (s *DialogueService) Stop(ctx context.Context) error {
	s.mu.Lock()
	session := s.session
	if session == nil {
		s.mu.Unlock()
		return nil
	}
	sessionID := s.sessionID
	s.session = nil
	s.sessionID = ""
	cancel := s.cancel
	done := s.done
	transport := s.transport
	s.transport = nil
	detector := s.detector
	s.detector = nil
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	s.turnAudio = 0
	s.mu.Unlock()

	cancel()
	err := session.Close()
	if transport != nil {
		transport.close()
	}
	if detector != nil {
		detector.Reset()
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Session %s receive loop still running after stop: %v", sessionID, ctx.Err())
	}

	s.log.Info("Session %s stopped", sessionID)
	if err != nil {
		return fmt.Errorf("failed to close Gemini Live session: %w", err)
	}
	return nil
}

// Send adds message to the conversation context without asking for a reply
func (s *DialogueService) Send(ctx context.Context, message string) error {
	return s.sendContent(message, false)
}

func (s *DialogueService) sendContent(text string, turnComplete bool) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return ErrNotStarted
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return session.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: genai.Ptr(turnComplete),
	})
}

// SendAudio streams microphone PCM and runs local voice activity detection
func (s *DialogueService) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	session := s.session
	detector := s.detector
	s.mu.Unlock()
	if session == nil {
		return ErrNotStarted
	}

	if _, err := detector.Process(pcm); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     pcm,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", s.config.InputSampleRate),
		},
	})
}

// Transport returns the live session's media transport, nil until the
// server has confirmed setup
func (s *DialogueService) Transport() media.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport
}

// OnEvent registers for dialogue frames
func (s *DialogueService) OnEvent(fn func(frames.Frame)) media.Subscription {
	return s.events.Add(fn)
}

func (s *DialogueService) emit(f frames.Frame) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.log.Debug("Event %s", f)
	s.events.Emit(f)
}
