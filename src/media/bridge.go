package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
)

// BridgeOptions configures a Bridge
type BridgeOptions struct {
	// SinkDelay is the wait before each lookup of a participant's audio sink
	// on transports that do not announce sink creation (default: 100ms)
	SinkDelay time.Duration

	// SinkLookups bounds the delayed lookups per participant (default: 10)
	SinkLookups int

	// MuteOriginal silences the dialogue transport's own playback of
	// forwarded audio
	MuteOriginal bool

	// OnForwardError is called when the consumer rejects a track
	OnForwardError func(err error)

	Logger *logger.Logger
}

// Bridge forwards remote audio tracks from a dialogue transport into an
// avatar consumer. At most one route is active at a time.
type Bridge struct {
	opts BridgeOptions
	log  *logger.Logger

	mu        sync.Mutex
	route     *Route
	gen       uint64
	subs      []Subscription
	forwarded map[string]bool
	muted     map[string]bool
	pending   map[string]bool
	timers    map[string]*time.Timer
}

// NewBridge creates a bridge with no active route
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.SinkDelay <= 0 {
		opts.SinkDelay = 100 * time.Millisecond
	}
	if opts.SinkLookups <= 0 {
		opts.SinkLookups = 10
	}
	return &Bridge{
		opts: opts,
		log:  logger.OrDefault(opts.Logger).WithPrefix("MediaBridge"),
	}
}

// Attach starts forwarding every remote audio track that transport reports
// into consumer. It fails with *RouteConflictError while a route is active.
func (b *Bridge) Attach(sourceSession, sinkSession string, transport Transport, consumer AudioConsumer) (*Route, error) {
	if transport == nil || consumer == nil {
		return nil, fmt.Errorf("attach requires a transport and a consumer")
	}

	b.mu.Lock()
	if b.route != nil {
		active := b.copyRoute()
		b.mu.Unlock()
		return nil, &RouteConflictError{Active: active}
	}
	b.gen++
	gen := b.gen
	b.route = &Route{
		ID:            uuid.New().String(),
		SourceSession: sourceSession,
		SinkSession:   sinkSession,
		MuteOriginal:  b.opts.MuteOriginal,
		CreatedAt:     time.Now(),
	}
	b.forwarded = make(map[string]bool)
	b.muted = make(map[string]bool)
	b.pending = make(map[string]bool)
	b.timers = make(map[string]*time.Timer)
	route := b.copyRoute()
	b.mu.Unlock()

	// Subscribe outside the lock: transports may replay existing tracks
	// synchronously from inside OnTrackStarted
	notifier, hasNotifier := transport.(SinkNotifier)
	var subs []Subscription
	if b.opts.MuteOriginal && hasNotifier {
		subs = append(subs, notifier.OnSinkCreated(func(participantID string, sink AudioSink) {
			b.sinkCreated(gen, participantID, sink)
		}))
	}
	subs = append(subs, transport.OnTrackStarted(func(ev TrackEvent) {
		b.trackStarted(gen, transport, hasNotifier, consumer, ev)
	}))

	b.mu.Lock()
	if b.gen != gen {
		// Detached while subscribing
		b.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
		return nil, fmt.Errorf("route %s detached during attach", route.ID)
	}
	b.subs = subs
	b.mu.Unlock()

	b.log.Info("Route %s attached: %s → %s (mute original: %v)", route.ID, sourceSession, sinkSession, route.MuteOriginal)
	return &route, nil
}

// Detach unregisters the track listener and cancels pending sink lookups.
// It is idempotent.
func (b *Bridge) Detach() {
	b.mu.Lock()
	if b.route == nil {
		b.mu.Unlock()
		return
	}
	routeID := b.route.ID
	b.route = nil
	b.gen++
	subs := b.subs
	b.subs = nil
	timers := b.timers
	b.timers = nil
	b.pending = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, t := range timers {
		t.Stop()
	}
	b.log.Info("Route %s detached", routeID)
}

// Route returns a copy of the active route
func (b *Bridge) Route() (Route, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.route == nil {
		return Route{}, false
	}
	return b.copyRoute(), true
}

// Active reports whether a route is attached
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route != nil
}

func (b *Bridge) copyRoute() Route {
	r := *b.route
	r.Tracks = append([]string(nil), b.route.Tracks...)
	return r
}

func (b *Bridge) trackStarted(gen uint64, transport Transport, hasNotifier bool, consumer AudioConsumer, ev TrackEvent) {
	if ev.Track == nil || ev.Participant.Local || ev.Track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	participantID := ev.Participant.ID
	trackID := ev.Track.ID()

	b.mu.Lock()
	if b.gen != gen || b.forwarded[trackID] {
		b.mu.Unlock()
		return
	}
	b.forwarded[trackID] = true
	b.route.Tracks = append(b.route.Tracks, trackID)
	b.mu.Unlock()

	b.log.Info("Forwarding audio track %s from participant %s", trackID, participantID)
	if err := consumer.ConsumeAudioTrack(ev.Track); err != nil {
		b.log.Warn("Consumer rejected track %s: %v", trackID, err)
		if b.opts.OnForwardError != nil {
			b.opts.OnForwardError(fmt.Errorf("forward track %s: %w", trackID, err))
		}
		return
	}

	if !b.opts.MuteOriginal {
		return
	}

	// The transport creates the sink asynchronously, so it may not exist yet
	if sink, ok := transport.AudioSink(participantID); ok {
		b.mute(gen, participantID, sink)
		return
	}
	if hasNotifier {
		b.mu.Lock()
		if b.gen == gen {
			b.pending[participantID] = true
		}
		b.mu.Unlock()
		return
	}
	b.scheduleLookup(gen, transport, participantID, 1)
}

func (b *Bridge) sinkCreated(gen uint64, participantID string, sink AudioSink) {
	b.mu.Lock()
	wanted := b.gen == gen && b.pending[participantID]
	if wanted {
		delete(b.pending, participantID)
	}
	b.mu.Unlock()

	if wanted {
		b.mute(gen, participantID, sink)
	}
}

func (b *Bridge) scheduleLookup(gen uint64, transport Transport, participantID string, attempt int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return
	}
	b.timers[participantID] = time.AfterFunc(b.opts.SinkDelay, func() {
		b.mu.Lock()
		stale := b.gen != gen
		b.mu.Unlock()
		if stale {
			return
		}

		if sink, ok := transport.AudioSink(participantID); ok {
			b.mute(gen, participantID, sink)
			return
		}
		if attempt >= b.opts.SinkLookups {
			b.log.Warn("No audio sink for participant %s after %d lookups, original audio stays audible",
				participantID, attempt)
			return
		}
		b.scheduleLookup(gen, transport, participantID, attempt+1)
	})
}

func (b *Bridge) mute(gen uint64, participantID string, sink AudioSink) {
	b.mu.Lock()
	if b.gen != gen || b.muted[participantID] {
		b.mu.Unlock()
		return
	}
	b.muted[participantID] = true
	if t, ok := b.timers[participantID]; ok {
		t.Stop()
		delete(b.timers, participantID)
	}
	b.mu.Unlock()

	sink.SetMuted(true)
	sink.SetVolume(0)
	b.log.Debug("Muted original audio sink of participant %s", participantID)
}
