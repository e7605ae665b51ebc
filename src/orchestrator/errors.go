package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/services"
)

var (
	// ErrNotReady is returned when a conversation is requested before both
	// sessions are initialized
	ErrNotReady = errors.New("sessions not initialized")

	// ErrConversationActive is returned when a conversation is already running
	ErrConversationActive = errors.New("conversation already active")

	// ErrNoConversation is returned by operations that need a running conversation
	ErrNoConversation = errors.New("no active conversation")

	// ErrDisposed is returned after Dispose
	ErrDisposed = errors.New("orchestrator disposed")
)

// ConfigurationError reports a missing or placeholder setting
type ConfigurationError struct {
	Field string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required setting %s", e.Field)
}

// InitializationError reports a session that failed to start after all
// retries
type InitializationError struct {
	Session  services.Kind
	Attempts int
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("%s session failed to start after %d attempts: %v", e.Session, e.Attempts, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// MediaBridgeTimeoutError reports that the dialogue transport did not
// appear in time. The conversation continues without the avatar.
type MediaBridgeTimeoutError struct {
	Attempts int
	Interval time.Duration
}

func (e *MediaBridgeTimeoutError) Error() string {
	return fmt.Sprintf("dialogue transport not available after %d polls every %v", e.Attempts, e.Interval)
}

// RuntimeSessionError reports a transport failure during a conversation
type RuntimeSessionError struct {
	Session services.Kind
	Err     error
}

func (e *RuntimeSessionError) Error() string {
	return fmt.Sprintf("%s session failed: %v", e.Session, e.Err)
}

func (e *RuntimeSessionError) Unwrap() error {
	return e.Err
}

// UserMessage turns any orchestrator error into the single message shown
// to the user
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var cfgErr *ConfigurationError
	var initErr *InitializationError
	var timeoutErr *MediaBridgeTimeoutError
	var conflictErr *media.RouteConflictError
	var runtimeErr *RuntimeSessionError

	switch {
	case errors.As(err, &cfgErr):
		return fmt.Sprintf("Configuration is incomplete: please set %s.", cfgErr.Field)
	case errors.As(err, &initErr):
		return fmt.Sprintf("Could not connect to the %s service (%v).", initErr.Session, initErr.Err)
	case errors.As(err, &timeoutErr):
		return "The avatar could not be connected. The conversation continues with voice only."
	case errors.As(err, &conflictErr):
		return "Audio is already routed to the avatar. Please end the current conversation first."
	case errors.As(err, &runtimeErr):
		return fmt.Sprintf("The %s connection was lost (%v). The conversation has ended.", runtimeErr.Session, runtimeErr.Err)
	case errors.Is(err, ErrNotReady):
		return "Still connecting. Please wait a moment and try again."
	case errors.Is(err, ErrConversationActive):
		return "A conversation is already in progress."
	case errors.Is(err, ErrNoConversation):
		return "There is no conversation in progress."
	case errors.Is(err, ErrDisposed):
		return "The session has been shut down."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	default:
		return err.Error()
	}
}
