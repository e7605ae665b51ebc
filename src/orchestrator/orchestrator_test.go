package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/strawgo-avatar/src/conversation"
	"github.com/square-key-labs/strawgo-avatar/src/frames"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
	"github.com/square-key-labs/strawgo-avatar/src/media"
	"github.com/square-key-labs/strawgo-avatar/src/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// calls records session calls across both fakes in order
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, name)
}

func (c *calls) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.log {
		if l == name {
			n++
		}
	}
	return n
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type fakeSink struct {
	mu     sync.Mutex
	mutes  int
	volume float64
}

func (s *fakeSink) SetMuted(bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutes++
}

func (s *fakeSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
}

func (s *fakeSink) muteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutes
}

type fakeTransport struct {
	tracks media.Listeners[media.TrackEvent]
	sink   *fakeSink
}

func (t *fakeTransport) OnTrackStarted(fn func(media.TrackEvent)) media.Subscription {
	return t.tracks.Add(fn)
}

func (t *fakeTransport) AudioSink(participantID string) (media.AudioSink, bool) {
	if participantID != "agent" {
		return nil, false
	}
	return t.sink, true
}

func (t *fakeTransport) startAgentTrack(track media.Track) {
	t.tracks.Emit(media.TrackEvent{Participant: media.Participant{ID: "agent"}, Track: track})
}

type fakeDialogue struct {
	calls *calls

	events media.Listeners[frames.Frame]

	mu             sync.Mutex
	initErr        error
	startErr       error
	transport      media.Transport
	transportAfter int // Transport() returns nil this many times
	transportCalls int
	lastOpts       services.StartOptions
	sent           []string
}

func (d *fakeDialogue) Initialize(ctx context.Context, creds services.Credentials) error {
	d.calls.add("dialogue.init")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initErr
}

func (d *fakeDialogue) Start(ctx context.Context, agentID string, opts services.StartOptions) error {
	d.calls.add("dialogue.start")
	d.mu.Lock()
	err := d.startErr
	d.lastOpts = opts
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.emit(frames.NewCallStartFrame("call-1"))
	return nil
}

func (d *fakeDialogue) Stop(ctx context.Context) error {
	d.calls.add("dialogue.stop")
	return nil
}

func (d *fakeDialogue) Send(ctx context.Context, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, message)
	return nil
}

func (d *fakeDialogue) SendAudio(ctx context.Context, pcm []byte) error {
	return nil
}

func (d *fakeDialogue) Transport() media.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transportCalls++
	if d.transport == nil || d.transportCalls <= d.transportAfter {
		return nil
	}
	return d.transport
}

func (d *fakeDialogue) OnEvent(fn func(frames.Frame)) media.Subscription {
	return d.events.Add(fn)
}

func (d *fakeDialogue) emit(f frames.Frame) {
	d.events.Emit(f)
}

type fakeAvatar struct {
	calls *calls

	errors media.Listeners[error]

	mu       sync.Mutex
	initErr  error
	block    chan struct{}
	consumed []string
}

func (a *fakeAvatar) Initialize(ctx context.Context, cfg services.AvatarConfig) error {
	a.calls.add("avatar.init")
	a.mu.Lock()
	block, err := a.block, a.initErr
	a.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *fakeAvatar) Start(ctx context.Context) error {
	a.calls.add("avatar.start")
	return nil
}

func (a *fakeAvatar) Close() error {
	a.calls.add("avatar.close")
	return nil
}

func (a *fakeAvatar) ConsumeAudioTrack(track media.Track) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consumed = append(a.consumed, track.ID())
	return nil
}

func (a *fakeAvatar) OnError(fn func(error)) media.Subscription {
	return a.errors.Add(fn)
}

func (a *fakeAvatar) consumedTracks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.consumed...)
}

type observed struct {
	mu     sync.Mutex
	phases []conversation.Phase
	turns  []conversation.Turn
	errors []string
}

func (ob *observed) phaseList() []conversation.Phase {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return append([]conversation.Phase(nil), ob.phases...)
}

func (ob *observed) errorList() []string {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return append([]string(nil), ob.errors...)
}

func (ob *observed) turnList() []conversation.Turn {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return append([]conversation.Turn(nil), ob.turns...)
}

type harness struct {
	o         *Orchestrator
	dialogue  *fakeDialogue
	avatar    *fakeAvatar
	transport *fakeTransport
	calls     *calls
	seen      *observed
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	c := &calls{}
	transport := &fakeTransport{sink: &fakeSink{volume: 1}}
	h := &harness{
		dialogue:  &fakeDialogue{calls: c, transport: transport},
		avatar:    &fakeAvatar{calls: c},
		transport: transport,
		calls:     c,
		seen:      &observed{},
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Millisecond
	}
	opts.MuteOriginal = true
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	h.o = New(h.dialogue, h.avatar, opts)

	h.o.OnPhaseChange(func(p conversation.Phase) {
		h.seen.mu.Lock()
		h.seen.phases = append(h.seen.phases, p)
		h.seen.mu.Unlock()
	})
	h.o.OnTranscriptAppended(func(turn conversation.Turn) {
		h.seen.mu.Lock()
		h.seen.turns = append(h.seen.turns, turn)
		h.seen.mu.Unlock()
	})
	h.o.OnError(func(msg string) {
		h.seen.mu.Lock()
		h.seen.errors = append(h.seen.errors, msg)
		h.seen.mu.Unlock()
	})
	t.Cleanup(h.o.Dispose)
	return h
}

func validSettings() Settings {
	return Settings{
		Dialogue:      services.Credentials{APIKey: "dialogue-key"},
		AgentID:       "gemini-live",
		Avatar:        services.AvatarConfig{APIKey: "avatar-key", FaceID: "face-1"},
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
		HandleSilence: true,
	}
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Initialize(context.Background(), validSettings()))
}

func (h *harness) started(t *testing.T) {
	t.Helper()
	h.ready(t)
	require.NoError(t, h.o.StartConversation(context.Background(), &Topic{ID: "react", SystemPrompt: "You teach React."}))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 2*time.Millisecond)
}

func TestInitializeRejectsPlaceholderFaceID(t *testing.T) {
	h := newHarness(t, Options{})
	s := validSettings()
	s.Avatar.FaceID = "your-face-id-here"

	err := h.o.Initialize(context.Background(), s)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "avatar.face_id", cfgErr.Field)
	assert.Equal(t, conversation.PhaseIdle, h.o.Phase())
	assert.Zero(t, h.calls.count("avatar.init"))
	eventually(t, func() bool { return len(h.seen.errorList()) == 1 })
	assert.Contains(t, h.seen.errorList()[0], "avatar.face_id")
}

func TestInitializeAvatarFirstAndOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.ready(t)
	h.ready(t)

	assert.Equal(t, []string{"avatar.init", "dialogue.init"}, h.calls.all())
	assert.True(t, h.o.Ready())
}

func TestInitializeRetriesThenFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.avatar.initErr = errors.New("503 service unavailable")

	err := h.o.Initialize(context.Background(), validSettings())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, services.KindAvatar, initErr.Session)
	assert.Equal(t, 3, initErr.Attempts)
	assert.Equal(t, 3, h.calls.count("avatar.init"))
	assert.Zero(t, h.calls.count("dialogue.init"))
	assert.False(t, h.o.Ready())

	// reusable once the service recovers
	h.avatar.mu.Lock()
	h.avatar.initErr = nil
	h.avatar.mu.Unlock()
	h.ready(t)
	assert.True(t, h.o.Ready())
}

func TestConcurrentInitializeSharesAttempt(t *testing.T) {
	h := newHarness(t, Options{})
	h.avatar.block = make(chan struct{})

	errs := make(chan error, 2)
	go func() { errs <- h.o.Initialize(context.Background(), validSettings()) }()
	eventually(t, func() bool { return h.calls.count("avatar.init") == 1 })
	go func() { errs <- h.o.Initialize(context.Background(), validSettings()) }()
	time.Sleep(20 * time.Millisecond)
	close(h.avatar.block)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, h.calls.count("avatar.init"))
	assert.Equal(t, 1, h.calls.count("dialogue.init"))
}

func TestStartRequiresInitialize(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.o.StartConversation(context.Background(), nil), ErrNotReady)
	assert.Equal(t, conversation.PhaseIdle, h.o.Phase())
}

func TestTransportAppearsAfterPolling(t *testing.T) {
	h := newHarness(t, Options{})
	h.dialogue.transportAfter = 3
	h.started(t)

	assert.Equal(t, conversation.PhaseListening, h.o.Phase())
	assert.Equal(t, "You teach React.", h.dialogue.lastOpts.SystemPrompt)
	assert.Equal(t, "react", h.dialogue.lastOpts.TopicID)

	route, ok := h.o.Route()
	require.True(t, ok)
	assert.True(t, route.MuteOriginal)
	assert.Equal(t, 4, h.dialogue.transportCalls)

	track := media.NewBufferedTrack("agent-audio", 24000, 0)
	h.transport.startAgentTrack(track)
	h.transport.startAgentTrack(track)

	assert.Equal(t, []string{"agent-audio"}, h.avatar.consumedTracks())
	assert.Equal(t, 1, h.transport.sink.muteCount())
	assert.NotPanics(t, func() { h.transport.sink.SetMuted(true) })

	assert.ErrorIs(t, h.o.StartConversation(context.Background(), nil), ErrConversationActive)
}

func TestTransportNeverAppears(t *testing.T) {
	h := newHarness(t, Options{PollAttempts: 4})
	h.dialogue.transport = nil
	h.ready(t)

	err := h.o.StartConversation(context.Background(), nil)
	var timeout *MediaBridgeTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 4, timeout.Attempts)

	assert.Equal(t, conversation.PhaseListening, h.o.Phase())
	_, routed := h.o.Route()
	assert.False(t, routed)
	eventually(t, func() bool { return len(h.seen.errorList()) == 1 })
	assert.Contains(t, h.seen.errorList()[0], "voice only")

	// voice continues
	require.NoError(t, h.o.Send(context.Background(), "hint"))
}

func TestEndDuringStartRetriesStopsThem(t *testing.T) {
	h := newHarness(t, Options{})
	h.ready(t)
	h.dialogue.startErr = errors.New("connection refused")

	s := validSettings()
	s.RetryAttempts = 10
	s.RetryDelay = 30 * time.Millisecond
	require.NoError(t, h.o.Initialize(context.Background(), s)) // no-op, already ready
	h.o.mu.Lock()
	h.o.settings = s
	h.o.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.o.StartConversation(context.Background(), nil) }()
	eventually(t, func() bool { return h.calls.count("dialogue.start") == 1 })

	require.NoError(t, h.o.EndConversation(context.Background()))
	assert.Equal(t, conversation.PhaseIdle, h.o.Phase())

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, h.calls.count("dialogue.start"))
	assert.Empty(t, h.seen.errorList())
}

func TestStartFailureAfterRetries(t *testing.T) {
	h := newHarness(t, Options{})
	h.ready(t)
	h.dialogue.startErr = errors.New("quota exceeded")

	err := h.o.StartConversation(context.Background(), nil)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, services.KindDialogue, initErr.Session)
	assert.Equal(t, 3, h.calls.count("dialogue.start"))

	assert.Equal(t, conversation.PhaseIdle, h.o.Phase())
	eventually(t, func() bool {
		return slices.Contains(h.seen.phaseList(), conversation.PhaseFailed)
	})
	assert.True(t, h.o.Ready())
}

func TestEndConversationIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	require.NoError(t, h.o.EndConversation(context.Background()))
	phase := h.o.Phase()
	_, routed := h.o.Route()
	require.NoError(t, h.o.EndConversation(context.Background()))

	assert.Equal(t, conversation.PhaseIdle, phase)
	assert.Equal(t, phase, h.o.Phase())
	assert.False(t, routed)
	assert.Equal(t, 1, h.calls.count("dialogue.stop"))
	assert.Zero(t, h.calls.count("avatar.close"), "avatar stays warm")
	assert.ErrorIs(t, h.o.Send(context.Background(), "x"), ErrNoConversation)

	// and nothing to end before any conversation
	fresh := newHarness(t, Options{})
	assert.NoError(t, fresh.o.EndConversation(context.Background()))
}

func TestConversationCycleKeepsAvatarWarm(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)
	require.NoError(t, h.o.EndConversation(context.Background()))
	require.NoError(t, h.o.StartConversation(context.Background(), nil))

	assert.Equal(t, 1, h.calls.count("avatar.init"))
	assert.Equal(t, 1, h.calls.count("avatar.start"))
	assert.Equal(t, 2, h.calls.count("dialogue.start"))
	_, routed := h.o.Route()
	assert.True(t, routed)
}

func TestTranscriptDrivesPhase(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	h.dialogue.emit(frames.NewSpeechStartedFrame(frames.RoleUser))
	assert.Equal(t, conversation.PhaseListening, h.o.Phase())

	question := frames.NewTranscriptionFrame(frames.RoleUser, "What is JSX?", true)
	h.dialogue.emit(question)
	h.dialogue.emit(question)
	assert.Equal(t, conversation.PhaseThinking, h.o.Phase())

	h.dialogue.emit(frames.NewTranscriptionFrame(frames.RoleAgent, "JSX is", false))
	assert.Equal(t, conversation.PhaseThinking, h.o.Phase())

	h.dialogue.emit(frames.NewTranscriptionFrame(frames.RoleAgent, "JSX is a syntax extension.", true))
	assert.Equal(t, conversation.PhaseSpeaking, h.o.Phase())

	h.dialogue.emit(frames.NewTurnCompleteFrame(false))
	assert.Equal(t, conversation.PhaseListening, h.o.Phase())

	eventually(t, func() bool { return len(h.seen.turnList()) == 2 })
	turns := h.seen.turnList()
	assert.Equal(t, frames.RoleUser, turns[0].Role)
	assert.Equal(t, "What is JSX?", turns[0].Text)
	assert.Equal(t, frames.RoleAgent, turns[1].Role)

	var logged []string
	for turn := range h.o.Transcript() {
		logged = append(logged, turn.Text)
	}
	assert.Equal(t, []string{"What is JSX?", "JSX is a syntax extension."}, logged)
}

func TestRoleTaggedTranscriptWinsOverSpeechStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	h.dialogue.emit(frames.NewSpeechStartedFrame(frames.RoleUnknown))
	h.dialogue.emit(frames.NewTranscriptionFrame(frames.RoleAgent, "Hi there!", true))
	assert.Equal(t, conversation.PhaseSpeaking, h.o.Phase())
}

func TestDialogueErrorRecovers(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	h.dialogue.emit(frames.NewErrorFrame(errors.New("websocket: close 1011")))

	eventually(t, func() bool { return h.o.Phase() == conversation.PhaseIdle && h.calls.count("dialogue.stop") == 1 })
	eventually(t, func() bool {
		p := h.seen.phaseList()
		return len(p) >= 2 && p[len(p)-2] == conversation.PhaseFailed && p[len(p)-1] == conversation.PhaseIdle
	})
	eventually(t, func() bool { return len(h.seen.errorList()) == 1 })
	assert.Contains(t, h.seen.errorList()[0], "dialogue connection was lost")
	_, routed := h.o.Route()
	assert.False(t, routed)

	require.NoError(t, h.o.StartConversation(context.Background(), nil))
	assert.Equal(t, conversation.PhaseListening, h.o.Phase())
	assert.Equal(t, 1, h.calls.count("dialogue.init"))
	eventually(t, func() bool {
		return slices.Equal([]conversation.Phase{conversation.PhaseConnecting, conversation.PhaseListening},
			lastN(h.seen.phaseList(), 2))
	})
}

// gatedWriter holds the first log line containing match until released
type gatedWriter struct {
	match   string
	reached chan struct{}
	release chan struct{}
	once    sync.Once
	done    sync.Once
}

func newGatedWriter(match string) *gatedWriter {
	return &gatedWriter{match: match, reached: make(chan struct{}), release: make(chan struct{})}
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	if strings.Contains(string(p), w.match) {
		w.once.Do(func() {
			close(w.reached)
			<-w.release
		})
	}
	return len(p), nil
}

func (w *gatedWriter) open() {
	w.done.Do(func() { close(w.release) })
}

func TestDialogueErrorRacingEndReturnsToIdle(t *testing.T) {
	w := newGatedWriter("close 1011")
	h := newHarness(t, Options{Logger: logger.New(logger.ERROR, w, false, "")})
	t.Cleanup(w.open)
	h.started(t)

	go h.dialogue.emit(frames.NewErrorFrame(errors.New("websocket: close 1011")))
	select {
	case <-w.reached:
	case <-time.After(time.Second):
		t.Fatal("error was never logged")
	}

	// The error handler is parked mid-flight while the user ends the call
	require.NoError(t, h.o.EndConversation(context.Background()))
	w.open()

	eventually(t, func() bool {
		return h.o.Phase() == conversation.PhaseIdle && len(h.seen.errorList()) == 1 &&
			slices.Equal([]conversation.Phase{conversation.PhaseFailed, conversation.PhaseIdle}, lastN(h.seen.phaseList(), 2))
	})
	assert.Contains(t, h.seen.errorList()[0], "dialogue connection was lost")
	assert.Equal(t, 1, h.calls.count("dialogue.stop"))

	require.NoError(t, h.o.StartConversation(context.Background(), nil))
	assert.Equal(t, conversation.PhaseListening, h.o.Phase())
}

func TestStartRecoversPhaseLeftBehind(t *testing.T) {
	h := newHarness(t, Options{})
	h.ready(t)
	require.True(t, h.o.machine.Fire(conversation.EventSessionError))
	require.Equal(t, conversation.PhaseFailed, h.o.Phase())

	require.NoError(t, h.o.StartConversation(context.Background(), nil))
	assert.Equal(t, conversation.PhaseListening, h.o.Phase())
}

func TestAvatarErrorReinitializesOnNextStart(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	h.avatar.errors.Emit(errors.New("render node lost"))

	eventually(t, func() bool { return h.o.Phase() == conversation.PhaseIdle && h.calls.count("avatar.close") == 1 })
	assert.Equal(t, []string{"dialogue.stop", "avatar.close"}, lastN(h.calls.all(), 2),
		"dialogue stops before the avatar is released")

	require.NoError(t, h.o.StartConversation(context.Background(), nil))
	assert.Equal(t, 2, h.calls.count("avatar.init"))
	assert.Equal(t, 2, h.calls.count("avatar.start"))
}

func TestCallEndReturnsToIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	h.dialogue.emit(frames.NewCallEndFrame("remote closed"))
	eventually(t, func() bool { return h.o.Phase() == conversation.PhaseIdle })
	eventually(t, func() bool { return h.calls.count("dialogue.stop") == 1 })
	assert.Empty(t, h.seen.errorList())
}

func TestIdleTimeoutEndsConversation(t *testing.T) {
	h := newHarness(t, Options{})
	s := validSettings()
	s.ConversationIdleTimeout = 30 * time.Millisecond
	require.NoError(t, h.o.Initialize(context.Background(), s))
	require.NoError(t, h.o.StartConversation(context.Background(), nil))

	eventually(t, func() bool { return h.o.Phase() == conversation.PhaseIdle })
	assert.Equal(t, 1, h.calls.count("dialogue.stop"))
}

func TestIdleTimeoutWaitsForAgentReply(t *testing.T) {
	h := newHarness(t, Options{})
	s := validSettings()
	s.ConversationIdleTimeout = 50 * time.Millisecond
	require.NoError(t, h.o.Initialize(context.Background(), s))
	require.NoError(t, h.o.StartConversation(context.Background(), nil))

	h.dialogue.emit(frames.NewTranscriptionFrame(frames.RoleUser, "Explain hooks", true))
	h.dialogue.emit(frames.NewTranscriptionFrame(frames.RoleAgent, "Hooks let components keep state.", true))
	require.Equal(t, conversation.PhaseSpeaking, h.o.Phase())

	// A reply longer than the timeout keeps playing
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, conversation.PhaseSpeaking, h.o.Phase())
	assert.Zero(t, h.calls.count("dialogue.stop"))

	h.dialogue.emit(frames.NewTurnCompleteFrame(false))
	assert.Equal(t, conversation.PhaseListening, h.o.Phase())
	eventually(t, func() bool { return h.o.Phase() == conversation.PhaseIdle })
	assert.Equal(t, 1, h.calls.count("dialogue.stop"))
}

func TestEventsAfterEndAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)
	require.NoError(t, h.o.EndConversation(context.Background()))

	h.dialogue.emit(frames.NewTranscriptionFrame(frames.RoleUser, "late", true))
	h.dialogue.emit(frames.NewErrorFrame(errors.New("late failure")))

	assert.Equal(t, conversation.PhaseIdle, h.o.Phase())
	assert.Zero(t, h.dialogue.events.Len())
	count := 0
	for range h.o.Transcript() {
		count++
	}
	assert.Zero(t, count)
}

func TestShutdownReleasesBothSessions(t *testing.T) {
	h := newHarness(t, Options{})
	h.started(t)

	require.NoError(t, h.o.Shutdown(context.Background()))
	h.o.Dispose()

	assert.Equal(t, 1, h.calls.count("avatar.close"))
	assert.Equal(t, conversation.PhaseIdle, h.o.Phase())
	assert.ErrorIs(t, h.o.StartConversation(context.Background(), nil), ErrDisposed)
	assert.ErrorIs(t, h.o.Initialize(context.Background(), validSettings()), ErrDisposed)
	assert.Zero(t, h.avatar.errors.Len())
}

func TestDisposeStopsInitializeRetries(t *testing.T) {
	h := newHarness(t, Options{})
	h.avatar.initErr = errors.New("timeout")
	s := validSettings()
	s.RetryAttempts = 100
	s.RetryDelay = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.o.Initialize(context.Background(), s) }()
	eventually(t, func() bool { return h.calls.count("avatar.init") >= 1 })
	h.o.Dispose()

	require.Error(t, <-done)
	n := h.calls.count("avatar.init")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, h.calls.count("avatar.init"))
}

func lastN[T any](s []T, n int) []T {
	if len(s) < n {
		return s
	}
	return s[len(s)-n:]
}
