package media

import (
	"errors"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/square-key-labs/strawgo-avatar/src/audio"
)

// ErrTrackClosed is returned when writing to a closed track
var ErrTrackClosed = errors.New("track closed")

const pcmPayloadType = 96

// BufferedTrack is an in-process audio track. PCM written to it is split
// into 20ms RTP packets with an audio.MimeTypePCM payload. When the buffer
// is full the oldest queued packet is dropped so writers never block.
type BufferedTrack struct {
	id    string
	codec webrtc.RTPCodecParameters

	packets   chan *rtp.Packet
	done      chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	sequence         uint16
	timestamp        uint32
	ssrc             uint32
	samplesPerPacket int
	pending          []byte

	dropped atomic.Uint64
}

// NewBufferedTrack creates a mono PCM16 track at sampleRate holding up to
// buffer packets
func NewBufferedTrack(id string, sampleRate, buffer int) *BufferedTrack {
	if buffer <= 0 {
		buffer = 256
	}
	return &BufferedTrack{
		id: id,
		codec: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  audio.MimeTypePCM,
				ClockRate: uint32(sampleRate),
				Channels:  1,
			},
			PayloadType: pcmPayloadType,
		},
		packets:          make(chan *rtp.Packet, buffer),
		done:             make(chan struct{}),
		ssrc:             rand.Uint32(),
		sequence:         uint16(rand.UintN(1 << 16)),
		samplesPerPacket: sampleRate / 50,
	}
}

func (t *BufferedTrack) ID() string {
	return t.id
}

func (t *BufferedTrack) Kind() webrtc.RTPCodecType {
	return webrtc.RTPCodecTypeAudio
}

func (t *BufferedTrack) Codec() webrtc.RTPCodecParameters {
	return t.codec
}

// WritePCM queues little-endian PCM16. Partial packets are held until the
// next write or Flush.
func (t *BufferedTrack) WritePCM(pcm []byte) error {
	select {
	case <-t.done:
		return ErrTrackClosed
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = append(t.pending, pcm...)
	packetBytes := t.samplesPerPacket * 2
	for len(t.pending) >= packetBytes {
		t.enqueue(t.pending[:packetBytes])
		t.pending = t.pending[packetBytes:]
	}
	// Keep the backing array from growing without bound
	t.pending = append([]byte(nil), t.pending...)
	return nil
}

// Flush emits any partial packet
func (t *BufferedTrack) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) >= 2 {
		t.enqueue(t.pending[:len(t.pending)&^1])
	}
	t.pending = nil
}

// enqueue must be called with t.mu held
func (t *BufferedTrack) enqueue(payload []byte) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pcmPayloadType,
			SequenceNumber: t.sequence,
			Timestamp:      t.timestamp,
			SSRC:           t.ssrc,
		},
		Payload: append([]byte(nil), payload...),
	}
	t.sequence++
	t.timestamp += uint32(len(payload) / 2)

	for {
		select {
		case <-t.done:
			return
		case t.packets <- pkt:
			return
		default:
		}
		select {
		case <-t.packets:
			t.dropped.Add(1)
		default:
		}
	}
}

// ReadRTP blocks for the next packet. It returns io.EOF once the track is
// closed and drained.
func (t *BufferedTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil, nil
	case <-t.done:
		select {
		case pkt := <-t.packets:
			return pkt, nil, nil
		default:
			return nil, nil, io.EOF
		}
	}
}

// Discard drops every queued packet and any partial packet, used when the
// agent is interrupted mid reply
func (t *BufferedTrack) Discard() int {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()

	n := 0
	for {
		select {
		case <-t.packets:
			n++
		default:
			return n
		}
	}
}

// Dropped returns the number of packets discarded because the reader fell behind
func (t *BufferedTrack) Dropped() uint64 {
	return t.dropped.Load()
}

// Close ends the track. It is idempotent.
func (t *BufferedTrack) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}
