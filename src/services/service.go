package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"github.com/square-key-labs/strawgo-avatar/src/media"
)

// Kind names a remote session type
type Kind string

const (
	KindDialogue Kind = "dialogue"
	KindAvatar   Kind = "avatar"
)

// Credentials authenticate a dialogue session
type Credentials struct {
	APIKey   string
	Vertex   bool // Use Vertex AI with application default credentials
	Project  string
	Location string
}

// StartOptions are per-conversation overrides passed to the dialogue session
type StartOptions struct {
	TopicID      string
	SystemPrompt string
	FirstMessage string // Spoken by the agent when the call starts
	Voice        string
}

// DialogueSession captures microphone audio, streams it to a remote
// reasoning service and produces reply audio plus transcript events
type DialogueSession interface {
	Initialize(ctx context.Context, creds Credentials) error
	Start(ctx context.Context, agentID string, opts StartOptions) error
	Stop(ctx context.Context) error

	// Send injects a system message into the running conversation
	Send(ctx context.Context, message string) error

	// SendAudio streams little-endian PCM16 microphone audio
	SendAudio(ctx context.Context, pcm []byte) error

	// Transport returns the session's media transport. It is created
	// asynchronously after Start and is nil until then.
	Transport() media.Transport

	// OnEvent registers for CallStart, CallEnd, SpeechStarted,
	// SpeechStopped, Transcription, TurnComplete and Error frames, delivered
	// in the order the remote session emits them
	OnEvent(fn func(frames.Frame)) media.Subscription
}

// AvatarConfig configures an avatar session
type AvatarConfig struct {
	APIKey           string
	FaceID           string
	RenderTarget     string
	AudioTarget      string
	HandleSilence    bool
	IdleTimeout      time.Duration
	MaxSessionLength time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
}

// AvatarSession renders lip-synced video from forwarded audio
type AvatarSession interface {
	media.AudioConsumer

	Initialize(ctx context.Context, cfg AvatarConfig) error
	Start(ctx context.Context) error
	Close() error

	// OnError registers for transport failures after initialization
	OnError(fn func(error)) media.Subscription
}

// State is a SessionHandle lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateActive
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned for a lifecycle move the handle does not allow
var ErrInvalidTransition = errors.New("invalid session state transition")

var allowed = map[State][]State{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady, StateErrored, StateClosed},
	StateReady:         {StateActive, StateClosed, StateErrored},
	// Active returns to Ready when a conversation stops and the session is kept
	StateActive:  {StateReady, StateClosed, StateErrored},
	StateClosed:  {StateInitializing},
	StateErrored: {StateInitializing, StateReady, StateClosed},
}

// Handle tracks the lifecycle of one remote session
type Handle struct {
	id   string
	kind Kind

	mu    sync.Mutex
	state State
	err   error
}

// NewHandle creates an uninitialized handle
func NewHandle(kind Kind) *Handle {
	return &Handle{id: uuid.New().String(), kind: kind}
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Kind() Kind {
	return h.kind
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error that moved the handle to StateErrored
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Is reports whether the handle is in any of states
func (h *Handle) Is(states ...State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range states {
		if h.state == s {
			return true
		}
	}
	return false
}

// Transition moves the handle to the given state
func (h *Handle) Transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range allowed[h.state] {
		if s == to {
			h.state = to
			if to != StateErrored {
				h.err = nil
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, h.kind, h.state, to)
}

// Fail records err and moves the handle to StateErrored. Closed handles
// stay closed.
func (h *Handle) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed || h.state == StateUninitialized {
		return
	}
	h.state = StateErrored
	h.err = err
}
