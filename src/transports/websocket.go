package transports

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/square-key-labs/strawgo-avatar/src/conversation"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/orchestrator"
	"github.com/square-key-labs/strawgo-avatar/src/serializers"
)

const writeTimeout = 5 * time.Second

// Controller is the conversation engine the presentation server drives.
// *orchestrator.Orchestrator satisfies it.
type Controller interface {
	StartConversation(ctx context.Context, topic *orchestrator.Topic) error
	EndConversation(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error

	Phase() conversation.Phase
	Transcript() iter.Seq[conversation.Turn]

	OnPhaseChange(fn func(conversation.Phase)) media.Subscription
	OnTranscriptAppended(fn func(conversation.Turn)) media.Subscription
	OnError(fn func(message string)) media.Subscription
}

// TopicLookup resolves a topic ID sent by a client
type TopicLookup func(id string) (*orchestrator.Topic, bool)

// UIServerConfig holds configuration for the presentation WebSocket server
type UIServerConfig struct {
	Port          int                         // Port to listen on (e.g., 8080)
	Path          string                      // WebSocket path (e.g., "/ws")
	AllowedOrigin string                      // Empty allows any origin
	CommandRate   float64                     // Commands per second per connection
	CommandBurst  int                         // Commands allowed in a burst
	PlaybackRate  int                         // PCM rate of reply audio passed to Playback (default: 24000)
	Serializer    serializers.FrameSerializer // Defaults to a 16 kHz UISerializer
	Topics        TopicLookup
	Logger        *logger.Logger
}

// UIServer relays conversation state to presentation clients over
// WebSocket and turns their commands into orchestrator calls
type UIServer struct {
	config     UIServerConfig
	controller Controller
	serializer serializers.FrameSerializer
	upgrader   websocket.Upgrader
	log        *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []media.Subscription

	server *http.Server
	conns  map[string]*wsConnection
	connMu sync.RWMutex
}

type wsConnection struct {
	id       string
	conn     *websocket.Conn
	commands *rate.Limiter
	writeMu  sync.Mutex // Protect concurrent writes to WebSocket
}

// NewUIServer creates a server and subscribes it to controller's events
func NewUIServer(controller Controller, config UIServerConfig) *UIServer {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.CommandRate <= 0 {
		config.CommandRate = 2
	}
	if config.CommandBurst <= 0 {
		config.CommandBurst = 4
	}
	if config.PlaybackRate <= 0 {
		config.PlaybackRate = 24000
	}
	if config.Serializer == nil {
		config.Serializer = serializers.NewUISerializer(16000)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &UIServer{
		config:     config,
		controller: controller,
		serializer: config.Serializer,
		log:        logger.OrDefault(config.Logger).WithPrefix("UIServer"),
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*wsConnection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.subs = []media.Subscription{
		controller.OnPhaseChange(func(p conversation.Phase) {
			s.broadcast(frames.NewPhaseFrame(p.String()))
		}),
		controller.OnTranscriptAppended(func(turn conversation.Turn) {
			s.broadcast(turnFrame(turn))
		}),
		controller.OnError(func(message string) {
			s.broadcast(frames.NewErrorFrame(errors.New(message)))
		}),
	}
	return s
}

func (s *UIServer) checkOrigin(r *http.Request) bool {
	if s.config.AllowedOrigin == "" {
		return true
	}
	return r.Header.Get("Origin") == s.config.AllowedOrigin
}

// Handler returns the WebSocket endpoint
func (s *UIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

// Start listens for connections until ctx is cancelled
func (s *UIServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Server shutdown error: %v", err)
		}
	}()

	s.log.Info("Listening on %s%s", s.server.Addr, s.config.Path)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ui server error: %w", err)
	}
	return nil
}

// Playback broadcasts reply audio to clients. It is the dialogue
// session's local output when no avatar renders the audio.
func (s *UIServer) Playback(pcm []byte) {
	s.broadcast(frames.NewAudioFrame(pcm, s.config.PlaybackRate, 1))
}

// Close unsubscribes from the controller and disconnects every client
func (s *UIServer) Close() {
	s.cancel()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	s.connMu.Lock()
	conns := make([]*wsConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}

// Connections returns the number of connected clients
func (s *UIServer) Connections() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

func (s *UIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade error: %v", err)
		return
	}

	c := &wsConnection{
		id:       uuid.New().String(),
		conn:     conn,
		commands: rate.NewLimiter(rate.Limit(s.config.CommandRate), s.config.CommandBurst),
	}

	// Hold the write lock until the snapshot is sent so broadcasts queue behind it
	c.writeMu.Lock()
	s.connMu.Lock()
	s.conns[c.id] = c
	s.connMu.Unlock()
	s.sendSnapshot(c)
	c.writeMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, c.id)
		s.connMu.Unlock()
		conn.Close()
		s.log.Debug("Connection closed: %s", c.id)
	}()

	s.log.Info("Connection established: %s", c.id)

	for {
		msgType, msgBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Read error on %s: %v", c.id, err)
			}
			return
		}

		var data interface{}
		if msgType == websocket.BinaryMessage {
			data = msgBytes
		} else {
			data = string(msgBytes)
		}

		frame, err := s.serializer.Deserialize(data)
		if err != nil {
			s.log.Warn("Deserialization error on %s: %v", c.id, err)
			continue
		}
		if frame == nil {
			continue
		}
		s.handleFrame(c, frame)
	}
}

func (s *UIServer) handleFrame(c *wsConnection, frame frames.Frame) {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		// Microphone audio outside a conversation is dropped
		if err := s.controller.SendAudio(s.ctx, f.Data); err != nil && !errors.Is(err, orchestrator.ErrNoConversation) {
			s.log.Debug("Dropped microphone audio: %v", err)
		}

	case *frames.StartConversationFrame:
		if !s.allow(c) {
			return
		}
		var topic *orchestrator.Topic
		if f.TopicID != "" && s.config.Topics != nil {
			t, ok := s.config.Topics(f.TopicID)
			if !ok {
				s.send(c, frames.NewErrorFrame(fmt.Errorf("Unknown topic %q.", f.TopicID)))
				return
			}
			topic = t
		}
		// Start blocks through retries and transport polling; failures reach
		// clients through the controller's error events
		go func() {
			if err := s.controller.StartConversation(s.ctx, topic); err != nil {
				s.log.Debug("Start from %s failed: %v", c.id, err)
			}
		}()

	case *frames.EndConversationFrame:
		if !s.allow(c) {
			return
		}
		go func() {
			if err := s.controller.EndConversation(s.ctx); err != nil {
				s.log.Debug("End from %s failed: %v", c.id, err)
			}
		}()
	}
}

func (s *UIServer) allow(c *wsConnection) bool {
	if c.commands.Allow() {
		return true
	}
	s.log.Warn("Rate limit exceeded on %s", c.id)
	s.send(c, frames.NewErrorFrame(errors.New("Too many requests. Please slow down.")))
	return false
}

// sendSnapshot writes the current phase and transcript. Caller holds c.writeMu.
func (s *UIServer) sendSnapshot(c *wsConnection) {
	if err := s.write(c, frames.NewPhaseFrame(s.controller.Phase().String())); err != nil {
		s.log.Warn("Error sending phase to %s: %v", c.id, err)
		return
	}
	for turn := range s.controller.Transcript() {
		if err := s.write(c, turnFrame(turn)); err != nil {
			s.log.Warn("Error replaying transcript to %s: %v", c.id, err)
			return
		}
	}
}

func (s *UIServer) send(c *wsConnection, frame frames.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := s.write(c, frame); err != nil {
		s.log.Warn("Error sending to %s: %v", c.id, err)
	}
}

// broadcast sends frame to every connection
func (s *UIServer) broadcast(frame frames.Frame) {
	data, err := s.serializer.Serialize(frame)
	if err != nil {
		s.log.Error("Serialization error: %v", err)
		return
	}
	if data == nil {
		return
	}

	s.connMu.RLock()
	conns := make([]*wsConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.RUnlock()

	for _, c := range conns {
		c.writeMu.Lock()
		err := writeData(c.conn, data)
		c.writeMu.Unlock()
		if err != nil {
			s.log.Warn("Error sending to %s: %v", c.id, err)
		}
	}
}

// write serializes and sends frame. Caller holds c.writeMu.
func (s *UIServer) write(c *wsConnection, frame frames.Frame) error {
	data, err := s.serializer.Serialize(frame)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return writeData(c.conn, data)
}

func writeData(conn *websocket.Conn, data interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	switch v := data.(type) {
	case []byte:
		return conn.WriteMessage(websocket.BinaryMessage, v)
	case string:
		return conn.WriteMessage(websocket.TextMessage, []byte(v))
	default:
		return fmt.Errorf("unsupported data type for WebSocket message: %T", data)
	}
}

func turnFrame(turn conversation.Turn) *frames.TurnFrame {
	return frames.NewTurnFrame(turn.ID, turn.Role, turn.Text, turn.OccurredAt)
}
