package media

import (
	"encoding/binary"
	"sync"
)

// PlaybackSink is a participant's local audio output. Muted or zero volume
// sinks drop audio; other volumes scale the samples.
type PlaybackSink struct {
	mu     sync.Mutex
	muted  bool
	volume float64
	output func(pcm []byte)
}

// NewPlaybackSink creates an unmuted sink at full volume writing to output
func NewPlaybackSink(output func(pcm []byte)) *PlaybackSink {
	return &PlaybackSink{volume: 1, output: output}
}

func (s *PlaybackSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *PlaybackSink) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
}

func (s *PlaybackSink) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *PlaybackSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Write plays little-endian PCM16 through the output
func (s *PlaybackSink) Write(pcm []byte) {
	s.mu.Lock()
	muted, volume, output := s.muted, s.volume, s.output
	s.mu.Unlock()

	if muted || volume == 0 || output == nil || len(pcm) == 0 {
		return
	}
	if volume < 1 {
		scaled := make([]byte, len(pcm)&^1)
		for i := 0; i+1 < len(pcm); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
			binary.LittleEndian.PutUint16(scaled[i:], uint16(int16(v*volume)))
		}
		pcm = scaled
	}
	output(pcm)
}
