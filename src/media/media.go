// Package media forwards the dialogue session's remote audio into the avatar
// session and silences the dialogue session's own playback of it.
package media

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Track is a readable RTP audio or video track. *webrtc.TrackRemote satisfies it.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Participant identifies the owner of a track
type Participant struct {
	ID    string
	Local bool
}

// TrackEvent is delivered when a participant's track starts
type TrackEvent struct {
	Participant Participant
	Track       Track
}

// AudioSink is a participant's default audio output element
type AudioSink interface {
	SetMuted(muted bool)
	SetVolume(volume float64)
}

// Transport is the dialogue session's underlying real-time media connection
type Transport interface {
	OnTrackStarted(fn func(TrackEvent)) Subscription
	// AudioSink returns the participant's output sink once the transport has
	// created it
	AudioSink(participantID string) (AudioSink, bool)
}

// SinkNotifier is implemented by transports that announce sink creation.
// The bridge then mutes on the signal instead of polling after a delay.
type SinkNotifier interface {
	OnSinkCreated(fn func(participantID string, sink AudioSink)) Subscription
}

// AudioConsumer receives forwarded audio tracks (the avatar session)
type AudioConsumer interface {
	ConsumeAudioTrack(track Track) error
}

// Subscription is a registered callback. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// Route is one forwarded audio binding from a dialogue session to an avatar session
type Route struct {
	ID            string
	SourceSession string
	SinkSession   string
	MuteOriginal  bool
	CreatedAt     time.Time
	// Tracks forwarded so far, in arrival order
	Tracks []string
}

// RouteConflictError is returned by Attach while another route is active
type RouteConflictError struct {
	Active Route
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("media route %s already active (source %s)", e.Active.ID, e.Active.SourceSession)
}

// Listeners is a set of callbacks that can be added and removed concurrently
type Listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

// Add registers fn and returns its subscription
func (l *Listeners[T]) Add(fn func(T)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	})
}

// Emit calls every registered callback in registration order, outside the lock
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
