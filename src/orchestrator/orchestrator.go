// Package orchestrator runs a dialogue session and an avatar session as one
// conversation. It sequences their startup and teardown, wires the dialogue's
// reply audio into the avatar and reports phase, transcript and errors to the
// presentation layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-avatar/src/conversation"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/services"
	"golang.org/x/sync/singleflight"
)

// Options configures an Orchestrator
type Options struct {
	// PollInterval and PollAttempts bound the wait for the dialogue transport
	PollInterval time.Duration // default: 100ms
	PollAttempts int           // default: 50

	// Bridge settings for the avatar audio route
	SinkDelay    time.Duration
	SinkLookups  int
	MuteOriginal bool

	// StopTimeout bounds how long teardown waits for a session to stop
	StopTimeout time.Duration // default: 5s

	Logger *logger.Logger
}

// run is one conversation. It is replaced, never reused.
type run struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	subs   []media.Subscription

	// cause is the first failure reported for the run
	cause error

	idle    *time.Timer
	ceiling *time.Timer
}

func (r *run) stopTimers() {
	if r.idle != nil {
		r.idle.Stop()
	}
	if r.ceiling != nil {
		r.ceiling.Stop()
	}
}

// Orchestrator owns one dialogue and one avatar session for its lifetime
type Orchestrator struct {
	dialogue services.DialogueSession
	avatar   services.AvatarSession
	opts     Options
	log      *logger.Logger

	dialogueHandle *services.Handle
	avatarHandle   *services.Handle
	machine        *conversation.StateMachine
	transcript     *conversation.TranscriptLog
	bridge         *media.Bridge

	initGroup singleflight.Group
	dispatch  *dispatcher

	phaseListeners media.Listeners[conversation.Phase]
	turnListeners  media.Listeners[conversation.Turn]
	errorListeners media.Listeners[string]

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// opMu serializes initialize, start and teardown. Holders watch their
	// context so a cancelling caller never waits on a retry.
	opMu sync.Mutex

	mu          sync.Mutex
	settings    Settings
	gen         uint64
	conv        *run
	disposed    bool
	avatarError media.Subscription
}

// New creates an orchestrator for the given sessions. Nothing connects
// until Initialize.
func New(dialogue services.DialogueSession, avatar services.AvatarSession, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 50
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}

	log := logger.OrDefault(opts.Logger)
	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		dialogue:       dialogue,
		avatar:         avatar,
		opts:           opts,
		log:            log.WithPrefix("Orchestrator"),
		dialogueHandle: services.NewHandle(services.KindDialogue),
		avatarHandle:   services.NewHandle(services.KindAvatar),
		machine:        conversation.NewStateMachine(log),
		transcript:     conversation.NewTranscriptLog(),
		dispatch:       newDispatcher(),
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
	}
	o.bridge = media.NewBridge(media.BridgeOptions{
		SinkDelay:      opts.SinkDelay,
		SinkLookups:    opts.SinkLookups,
		MuteOriginal:   opts.MuteOriginal,
		OnForwardError: o.forwardFailed,
		Logger:         log,
	})
	o.machine.OnTransition(func(from, to conversation.Phase) {
		o.dispatch.post(func() { o.phaseListeners.Emit(to) })
	})
	return o
}

// OnPhaseChange registers for phase changes
func (o *Orchestrator) OnPhaseChange(fn func(conversation.Phase)) media.Subscription {
	return o.phaseListeners.Add(fn)
}

// OnTranscriptAppended registers for new turns
func (o *Orchestrator) OnTranscriptAppended(fn func(conversation.Turn)) media.Subscription {
	return o.turnListeners.Add(fn)
}

// OnError registers for user facing error messages
func (o *Orchestrator) OnError(fn func(message string)) media.Subscription {
	return o.errorListeners.Add(fn)
}

func (o *Orchestrator) Phase() conversation.Phase {
	return o.machine.Phase()
}

// Transcript returns a restartable view of the current conversation's turns
func (o *Orchestrator) Transcript() iter.Seq[conversation.Turn] {
	return o.transcript.All()
}

// Route returns the active avatar audio route, if any
func (o *Orchestrator) Route() (media.Route, bool) {
	return o.bridge.Route()
}

// Ready reports whether both sessions are initialized
func (o *Orchestrator) Ready() bool {
	return o.dialogueHandle.Is(services.StateReady, services.StateActive) &&
		o.avatarHandle.Is(services.StateReady, services.StateActive)
}

// Initialize validates settings and brings up the avatar session, then the
// dialogue session. Concurrent calls share one attempt and calls after
// success are no-ops.
func (o *Orchestrator) Initialize(ctx context.Context, settings Settings) error {
	if o.isDisposed() {
		return ErrDisposed
	}
	if err := settings.Validate(); err != nil {
		o.reportError(err)
		return err
	}

	_, err, shared := o.initGroup.Do("initialize", func() (interface{}, error) {
		return nil, o.initialize(ctx, settings)
	})
	if err != nil && !shared {
		o.reportError(err)
	}
	return err
}

func (o *Orchestrator) initialize(ctx context.Context, settings Settings) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.lifeCtx, cancel)
	defer stop()

	o.mu.Lock()
	o.settings = settings
	o.mu.Unlock()

	if err := o.ensureAvatar(ctx, settings); err != nil {
		return err
	}
	if err := o.ensureDialogue(ctx, settings); err != nil {
		return err
	}

	if o.isDisposed() {
		return ErrDisposed
	}
	o.log.Info("Ready (dialogue %s, avatar %s)", o.dialogueHandle.ID(), o.avatarHandle.ID())
	return nil
}

// ensureAvatar initializes the avatar unless it is already usable. Caller
// holds opMu.
func (o *Orchestrator) ensureAvatar(ctx context.Context, settings Settings) error {
	if o.avatarHandle.Is(services.StateReady, services.StateActive) {
		return nil
	}
	if err := o.avatarHandle.Transition(services.StateInitializing); err != nil {
		return err
	}

	attempts, err := withRetry(ctx, settings.RetryDelay, settings.RetryAttempts, func(ctx context.Context) error {
		err := o.avatar.Initialize(ctx, settings.avatarConfig())
		if err != nil {
			o.log.Warn("Avatar initialization failed: %v", err)
		}
		return err
	})
	if err != nil {
		o.avatarHandle.Fail(err)
		return &InitializationError{Session: services.KindAvatar, Attempts: attempts, Err: err}
	}
	if err := o.avatarHandle.Transition(services.StateReady); err != nil {
		return err
	}

	o.mu.Lock()
	if o.avatarError == nil {
		o.avatarError = o.avatar.OnError(o.avatarFailed)
	}
	o.mu.Unlock()

	o.log.Info("Avatar ready after %d attempt(s)", attempts)
	return nil
}

// ensureDialogue initializes the dialogue client unless it is already
// usable. Caller holds opMu.
func (o *Orchestrator) ensureDialogue(ctx context.Context, settings Settings) error {
	switch o.dialogueHandle.State() {
	case services.StateReady, services.StateActive:
		return nil
	case services.StateErrored:
		// The client survives a failed conversation, only the call is gone
		if o.dialogueHandle.Err() != nil && !isInitFailure(o.dialogueHandle.Err()) {
			return o.dialogueHandle.Transition(services.StateReady)
		}
	}
	if err := o.dialogueHandle.Transition(services.StateInitializing); err != nil {
		return err
	}

	attempts, err := withRetry(ctx, settings.RetryDelay, settings.RetryAttempts, func(ctx context.Context) error {
		return o.dialogue.Initialize(ctx, settings.Dialogue)
	})
	if err != nil {
		o.dialogueHandle.Fail(&initFailure{err})
		return &InitializationError{Session: services.KindDialogue, Attempts: attempts, Err: err}
	}
	if err := o.dialogueHandle.Transition(services.StateReady); err != nil {
		return err
	}
	o.log.Info("Dialogue ready after %d attempt(s)", attempts)
	return nil
}

// initFailure marks a handle error that needs a fresh Initialize
type initFailure struct{ err error }

func (e *initFailure) Error() string { return e.err.Error() }
func (e *initFailure) Unwrap() error { return e.err }

func isInitFailure(err error) bool {
	var f *initFailure
	return errors.As(err, &f)
}

// StartConversation starts the dialogue with topic's overrides and routes
// its reply audio to the avatar. A MediaBridgeTimeoutError is returned when
// the route could not be set up; the conversation then continues without
// the avatar.
func (o *Orchestrator) StartConversation(ctx context.Context, topic *Topic) error {
	if err := o.checkIdle(); err != nil {
		return err
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	if err := o.checkIdle(); err != nil {
		return err
	}
	o.mu.Lock()
	settings := o.settings
	o.mu.Unlock()

	prepCtx, cancelPrep := context.WithCancel(ctx)
	stopPrep := context.AfterFunc(o.lifeCtx, cancelPrep)
	err := o.prepareSessions(prepCtx, settings)
	stopPrep()
	cancelPrep()
	if err != nil {
		o.reportError(err)
		return err
	}

	o.mu.Lock()
	o.gen++
	runCtx, cancel := context.WithCancel(o.lifeCtx)
	r := &run{gen: o.gen, ctx: runCtx, cancel: cancel}
	o.conv = r
	o.mu.Unlock()

	// The caller's cancellation also ends the start attempt
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	o.transcript.Clear()
	if !o.machine.Fire(conversation.EventStartRequested) {
		// A previous teardown left the machine behind, start over from Idle
		o.log.Warn("Phase %s at start, resetting", o.machine.Phase())
		o.machine.Fire(conversation.EventSessionEnded)
		o.machine.Fire(conversation.EventStartRequested)
	}
	r.subs = append(r.subs, o.dialogue.OnEvent(func(f frames.Frame) {
		o.dialogueEvent(r.gen, f)
	}))

	if !o.avatarHandle.Is(services.StateActive) {
		if err := o.avatar.Start(runCtx); err != nil {
			o.avatarHandle.Fail(err)
			err = &InitializationError{Session: services.KindAvatar, Attempts: 1, Err: err}
			o.finish(r, err)
			return err
		}
		if err := o.avatarHandle.Transition(services.StateActive); err != nil {
			o.finish(r, err)
			return err
		}
	}

	opts := topic.startOptions()
	attempts, err := withRetry(runCtx, settings.RetryDelay, settings.RetryAttempts, func(ctx context.Context) error {
		if !o.current(r.gen) {
			return context.Canceled
		}
		err := o.dialogue.Start(ctx, settings.AgentID, opts)
		if err != nil {
			o.log.Warn("Dialogue start failed: %v", err)
		}
		return err
	})
	if err != nil {
		if !o.current(r.gen) {
			o.finish(r, nil)
			return fmt.Errorf("conversation ended while starting: %w", context.Canceled)
		}
		err = &InitializationError{Session: services.KindDialogue, Attempts: attempts, Err: err}
		o.finish(r, err)
		return err
	}
	if err := o.dialogueHandle.Transition(services.StateActive); err != nil {
		o.finish(r, err)
		return err
	}
	o.startTimers(r, settings)
	o.log.Info("Conversation %d started (topic %q)", r.gen, opts.TopicID)

	return o.attachAvatar(r)
}

func (o *Orchestrator) checkIdle() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.disposed:
		return ErrDisposed
	case o.conv != nil:
		return ErrConversationActive
	}
	return nil
}

// prepareSessions recovers sessions a previous conversation left unusable
func (o *Orchestrator) prepareSessions(ctx context.Context, settings Settings) error {
	if !o.dialogueHandle.Is(services.StateReady, services.StateActive, services.StateErrored) ||
		!o.avatarHandle.Is(services.StateReady, services.StateActive, services.StateErrored, services.StateClosed) {
		return ErrNotReady
	}
	if o.dialogueHandle.Is(services.StateActive) {
		return ErrConversationActive
	}
	if err := o.ensureAvatar(ctx, settings); err != nil {
		return err
	}
	return o.ensureDialogue(ctx, settings)
}

// attachAvatar polls for the dialogue transport, then opens the route
func (o *Orchestrator) attachAvatar(r *run) error {
	var transport media.Transport
	attempts, err := withRetry(r.ctx, o.opts.PollInterval, o.opts.PollAttempts-1, func(ctx context.Context) error {
		if !o.current(r.gen) {
			return context.Canceled
		}
		transport = o.dialogue.Transport()
		if transport == nil {
			return errTransportPending
		}
		return nil
	})
	if err != nil {
		if !o.current(r.gen) {
			return nil
		}
		terr := &MediaBridgeTimeoutError{Attempts: attempts, Interval: o.opts.PollInterval}
		o.log.Warn("%v, continuing without avatar", terr)
		o.reportError(terr)
		return terr
	}

	route, err := o.bridge.Attach(o.dialogueHandle.ID(), o.avatarHandle.ID(), transport, o.avatar)
	if err != nil {
		o.log.Error("Attach failed: %v", err)
		o.reportError(err)
		return err
	}
	o.log.Info("Route %s attached after %d poll(s)", route.ID, attempts)
	return nil
}

func (o *Orchestrator) startTimers(r *run, settings Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conv != r {
		return
	}
	if settings.ConversationIdleTimeout > 0 {
		r.idle = time.AfterFunc(settings.ConversationIdleTimeout, func() {
			if o.agentBusy() {
				// The turn's end rearms the watchdog
				return
			}
			o.log.Info("No activity for %v, ending conversation", settings.ConversationIdleTimeout)
			o.endRun(r.gen, nil)
		})
	}
	if settings.MaxSessionLength > 0 {
		r.ceiling = time.AfterFunc(settings.MaxSessionLength, func() {
			o.log.Info("Conversation reached %v, ending", settings.MaxSessionLength)
			o.endRun(r.gen, nil)
		})
	}
}

// current reports whether gen is the running conversation and nobody has
// asked it to end
func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv != nil && o.conv.gen == gen && o.conv.ctx.Err() == nil
}

// dialogueEvent drives phase and transcript from one dialogue frame. Frames
// from a superseded conversation are dropped.
func (o *Orchestrator) dialogueEvent(gen uint64, f frames.Frame) {
	o.mu.Lock()
	r := o.conv
	if r == nil || r.gen != gen || r.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	switch f := f.(type) {
	case *frames.TranscriptionFrame:
		if f.Final && f.Text != "" && (f.Role == frames.RoleUser || f.Role == frames.RoleAgent) {
			turn := conversation.TurnFromTranscript(f, time.Now())
			if o.transcript.Append(turn) {
				o.dispatch.post(func() { o.turnListeners.Emit(turn) })
			}
		}
		o.machine.Apply(f)
		o.rearmIdle(r)

	case *frames.CallEndFrame:
		o.log.Info("Dialogue ended: %s", f.Reason)
		go o.endRun(gen, nil)

	case *frames.ErrorFrame:
		o.sessionFailed(gen, services.KindDialogue, f.Error)

	default:
		o.machine.Apply(f)
		o.rearmIdle(r)
	}
}

// agentBusy reports whether the agent owes a reply. Silence from the user
// is expected then, so the idle watchdog stays paused.
func (o *Orchestrator) agentBusy() bool {
	switch o.machine.Phase() {
	case conversation.PhaseThinking, conversation.PhaseSpeaking:
		return true
	}
	return false
}

// rearmIdle restarts the idle watchdog after dialogue activity, or pauses it
// while the agent is thinking or speaking
func (o *Orchestrator) rearmIdle(r *run) {
	busy := o.agentBusy()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conv != r || r.idle == nil {
		return
	}
	if busy {
		r.idle.Stop()
		return
	}
	r.idle.Reset(o.settings.ConversationIdleTimeout)
}

func (o *Orchestrator) avatarFailed(err error) {
	o.mu.Lock()
	r := o.conv
	o.mu.Unlock()

	if r == nil {
		// No conversation to end, the next start reinitializes the avatar
		o.avatarHandle.Fail(err)
		o.log.Warn("Avatar failed while idle: %v", err)
		o.reportError(&RuntimeSessionError{Session: services.KindAvatar, Err: err})
		return
	}
	o.sessionFailed(r.gen, services.KindAvatar, err)
}

// forwardFailed degrades to voice only when the avatar rejects audio
func (o *Orchestrator) forwardFailed(err error) {
	o.log.Warn("Avatar rejected audio: %v", err)
	o.reportError(&RuntimeSessionError{Session: services.KindAvatar, Err: err})
}

// sessionFailed claims the conversation for an error teardown. The cause is
// recorded under mu so a concurrent end cannot tear down without it, and the
// phase moves to Failed inside teardown.
func (o *Orchestrator) sessionFailed(gen uint64, kind services.Kind, err error) {
	rerr := &RuntimeSessionError{Session: kind, Err: err}

	o.mu.Lock()
	r := o.conv
	if r == nil || r.gen != gen || r.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	r.cause = rerr
	if kind == services.KindAvatar {
		o.avatarHandle.Fail(err)
	} else {
		o.dialogueHandle.Fail(err)
	}
	r.cancel()
	o.mu.Unlock()

	o.log.Error("%v", rerr)
	go o.endRun(gen, nil)
}

// EndConversation stops the running conversation. It is a no-op when none
// is running.
func (o *Orchestrator) EndConversation(ctx context.Context) error {
	o.endRun(0, nil)
	return nil
}

// endRun ends the conversation with generation gen (0 means whichever is
// running). cause is reported when non-nil.
func (o *Orchestrator) endRun(gen uint64, cause error) {
	o.mu.Lock()
	r := o.conv
	if r == nil || (gen != 0 && r.gen != gen) {
		o.mu.Unlock()
		return
	}
	if r.cause == nil {
		r.cause = cause
	}
	// Cancelling first makes a start still holding opMu give up its retries
	r.cancel()
	o.mu.Unlock()

	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.finish(r, nil)
}

// finish tears r down if it is still the running conversation. Caller
// holds opMu.
func (o *Orchestrator) finish(r *run, cause error) {
	o.mu.Lock()
	if o.conv != r {
		o.mu.Unlock()
		return
	}
	if r.cause == nil {
		r.cause = cause
	}
	cause = r.cause
	o.conv = nil
	o.gen++
	o.mu.Unlock()

	r.cancel()
	r.stopTimers()
	o.teardown(r, cause)
}

// teardown stops the dialogue, then closes the route, then releases a
// failed avatar. A healthy avatar stays active for the next conversation.
// Caller holds opMu.
func (o *Orchestrator) teardown(r *run, cause error) {
	if cause != nil {
		o.machine.Fire(conversation.EventSessionError)
		o.reportError(cause)
	}

	for _, sub := range r.subs {
		sub.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout)
	defer cancel()

	if err := o.dialogue.Stop(ctx); err != nil {
		o.log.Warn("Dialogue stop failed: %v", err)
	}
	if o.dialogueHandle.Is(services.StateActive, services.StateErrored) {
		if err := o.dialogueHandle.Transition(services.StateReady); err != nil {
			o.log.Warn("%v", err)
		}
	}

	o.bridge.Detach()

	if o.avatarHandle.Is(services.StateErrored) {
		if err := o.avatar.Close(); err != nil {
			o.log.Warn("Avatar close failed: %v", err)
		}
		o.avatarHandle.Transition(services.StateClosed)
	}

	if cause != nil {
		o.machine.Fire(conversation.EventTeardownComplete)
	} else {
		o.machine.Fire(conversation.EventSessionEnded)
	}
	o.log.Info("Conversation %d ended", r.gen)
}

// Send adds a system message to the running conversation
func (o *Orchestrator) Send(ctx context.Context, message string) error {
	if !o.active() {
		return ErrNoConversation
	}
	return o.dialogue.Send(ctx, message)
}

// SendAudio forwards microphone PCM to the running conversation
func (o *Orchestrator) SendAudio(ctx context.Context, pcm []byte) error {
	if !o.active() {
		return ErrNoConversation
	}
	return o.dialogue.SendAudio(ctx, pcm)
}

func (o *Orchestrator) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv != nil
}

func (o *Orchestrator) isDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

// Shutdown ends any conversation and closes both sessions. Later calls
// return nil.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	o.mu.Unlock()

	// Stops in-flight initialize and start retries
	o.lifeCancel()
	o.endRun(0, nil)

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	sub := o.avatarError
	o.avatarError = nil
	o.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	var err error
	if !o.avatarHandle.Is(services.StateUninitialized, services.StateClosed) {
		if cerr := o.avatar.Close(); cerr != nil {
			err = fmt.Errorf("failed to close avatar: %w", cerr)
		}
		o.avatarHandle.Transition(services.StateClosed)
	}
	if !o.dialogueHandle.Is(services.StateUninitialized, services.StateClosed) {
		if serr := o.dialogue.Stop(ctx); serr != nil && err == nil {
			err = fmt.Errorf("failed to stop dialogue: %w", serr)
		}
		o.dialogueHandle.Transition(services.StateClosed)
	}

	o.dispatch.close()
	o.log.Info("Shut down")
	return err
}

// Dispose releases both sessions unconditionally. It is safe to defer and
// to call more than once.
func (o *Orchestrator) Dispose() {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		o.log.Warn("%v", err)
	}
}

func (o *Orchestrator) reportError(err error) {
	msg := UserMessage(err)
	o.dispatch.post(func() { o.errorListeners.Emit(msg) })
}
