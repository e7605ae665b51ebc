package transports

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/square-key-labs/strawgo-avatar/src/logger"
	"github.com/square-key-labs/strawgo-avatar/src/media"
)

type peerSink struct {
	participantID string
	sink          media.AudioSink
}

// PeerTransport adapts a pion PeerConnection to media.Transport for
// dialogue sessions that hand out a negotiated connection. Remote audio
// tracks become track events keyed by their stream ID. The playback layer
// registers the local output sinks it creates for those participants.
type PeerTransport struct {
	pc  *webrtc.PeerConnection
	log *logger.Logger

	tracks media.Listeners[media.TrackEvent]
	sinks  media.Listeners[peerSink]

	mu      sync.Mutex
	started []media.TrackEvent
	outputs map[string]media.AudioSink
	closed  bool
}

// NewPeerTransport wraps pc. It must be called before remote description
// negotiation so no track is missed.
func NewPeerTransport(pc *webrtc.PeerConnection, log *logger.Logger) *PeerTransport {
	t := &PeerTransport{
		pc:      pc,
		log:     logger.OrDefault(log).WithPrefix("PeerTransport"),
		outputs: make(map[string]media.AudioSink),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			t.log.Debug("Ignoring %s track %s", track.Kind(), track.ID())
			return
		}
		t.log.Info("Remote audio track %s from %s (%s)", track.ID(), track.StreamID(), track.Codec().MimeType)
		t.trackStarted(track.StreamID(), track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("Connection state: %s", state)
	})
	return t
}

// OnTrackStarted registers fn and replays tracks that already started
func (t *PeerTransport) OnTrackStarted(fn func(media.TrackEvent)) media.Subscription {
	sub := t.tracks.Add(fn)

	t.mu.Lock()
	started := append([]media.TrackEvent(nil), t.started...)
	t.mu.Unlock()
	for _, ev := range started {
		fn(ev)
	}
	return sub
}

// OnSinkCreated registers fn for sinks added with RegisterSink
func (t *PeerTransport) OnSinkCreated(fn func(participantID string, sink media.AudioSink)) media.Subscription {
	return t.sinks.Add(func(ev peerSink) {
		fn(ev.participantID, ev.sink)
	})
}

// AudioSink returns the participant's registered output sink
func (t *PeerTransport) AudioSink(participantID string) (media.AudioSink, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sink, ok := t.outputs[participantID]
	return sink, ok
}

// RegisterSink records the local output sink playing participantID's audio
func (t *PeerTransport) RegisterSink(participantID string, sink media.AudioSink) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("peer transport closed")
	}
	t.outputs[participantID] = sink
	t.mu.Unlock()

	t.sinks.Emit(peerSink{participantID: participantID, sink: sink})
	return nil
}

func (t *PeerTransport) trackStarted(participantID string, track media.Track) {
	ev := media.TrackEvent{
		Participant: media.Participant{ID: participantID},
		Track:       track,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.started = append(t.started, ev)
	t.mu.Unlock()

	t.tracks.Emit(ev)
}

// Close closes the peer connection. Safe to call more than once.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.started = nil
	clear(t.outputs)
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
