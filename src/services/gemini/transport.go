package gemini

import (
	"sync"

	"github.com/square-key-labs/strawgo-avatar/src/media"
)

// AgentParticipantID identifies the remote agent on the transport
const AgentParticipantID = "gemini-agent"

type sinkCreated struct {
	participantID string
	sink          media.AudioSink
}

// Transport is the media side of a live session. It exposes the agent's
// reply audio as a remote track, and plays it through a local sink that
// is created when the first audio arrives.
type Transport struct {
	track    *media.BufferedTrack
	playback func(pcm []byte)

	tracks media.Listeners[media.TrackEvent]
	sinks  media.Listeners[sinkCreated]

	mu      sync.Mutex
	started bool
	sink    *media.PlaybackSink
}

func newTransport(sessionID string, sampleRate int, playback func(pcm []byte)) *Transport {
	return &Transport{
		track:    media.NewBufferedTrack(sessionID+"-agent-audio", sampleRate, 0),
		playback: playback,
	}
}

// OnTrackStarted registers fn and replays the agent track if it already started
func (t *Transport) OnTrackStarted(fn func(media.TrackEvent)) media.Subscription {
	sub := t.tracks.Add(fn)

	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if started {
		fn(t.trackEvent())
	}
	return sub
}

// OnSinkCreated registers fn for local audio sink creation
func (t *Transport) OnSinkCreated(fn func(participantID string, sink media.AudioSink)) media.Subscription {
	return t.sinks.Add(func(ev sinkCreated) {
		fn(ev.participantID, ev.sink)
	})
}

// AudioSink returns the agent's local playback sink once it exists
func (t *Transport) AudioSink(participantID string) (media.AudioSink, bool) {
	if participantID != AgentParticipantID {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sink == nil {
		return nil, false
	}
	return t.sink, true
}

// Track returns the agent's reply audio track
func (t *Transport) Track() *media.BufferedTrack {
	return t.track
}

func (t *Transport) trackEvent() media.TrackEvent {
	return media.TrackEvent{
		Participant: media.Participant{ID: AgentParticipantID},
		Track:       t.track,
	}
}

// writeAgentAudio publishes reply audio. The first call starts the track
// and then creates the playback sink, in that order.
func (t *Transport) writeAgentAudio(pcm []byte) error {
	t.mu.Lock()
	first := !t.started
	t.started = true
	t.mu.Unlock()

	if first {
		t.tracks.Emit(t.trackEvent())

		sink := media.NewPlaybackSink(t.playback)
		t.mu.Lock()
		t.sink = sink
		t.mu.Unlock()
		t.sinks.Emit(sinkCreated{participantID: AgentParticipantID, sink: sink})
	}

	if err := t.track.WritePCM(pcm); err != nil {
		return err
	}
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink.Write(pcm)
	return nil
}

// interrupt drops reply audio that has not been consumed yet
func (t *Transport) interrupt() int {
	return t.track.Discard()
}

func (t *Transport) close() {
	t.track.Flush()
	t.track.Close()
}
