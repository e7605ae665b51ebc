package audio

import (
	"fmt"
	"strings"

	"github.com/pion/opus"
)

// MimeTypePCM identifies raw little-endian PCM16 payloads produced by
// in-process tracks. It is not a registered RTP payload format.
const MimeTypePCM = "audio/L16le"

const opusSampleRate = 48000

// PayloadDecoder turns RTP payloads of one codec into mono PCM16 samples
type PayloadDecoder struct {
	mimeType   string
	sampleRate int
	channels   int
	decode     func(payload []byte) ([]int16, error)
}

// NewPayloadDecoder returns a decoder for the given RTP mime type
// ("audio/opus", "audio/PCMU", "audio/PCMA" or MimeTypePCM). clockRate and
// channels come from the negotiated codec and are used for PCM payloads.
func NewPayloadDecoder(mimeType string, clockRate uint32, channels uint16) (*PayloadDecoder, error) {
	d := &PayloadDecoder{mimeType: mimeType, sampleRate: int(clockRate), channels: int(channels)}
	if d.channels == 0 {
		d.channels = 1
	}

	switch strings.ToLower(mimeType) {
	case "audio/opus":
		dec := opus.NewDecoder()
		// 120ms of stereo is the largest packet opus allows
		out := make([]byte, opusSampleRate*120/1000*2*2)
		d.sampleRate = opusSampleRate
		d.decode = func(payload []byte) ([]int16, error) {
			samples, err := opusPacketSamples(payload)
			if err != nil {
				return nil, err
			}
			_, stereo, err := dec.Decode(payload, out)
			if err != nil {
				return nil, fmt.Errorf("opus decode: %w", err)
			}
			channels := 1
			if stereo {
				channels = 2
			}
			n := samples * channels * 2
			if n > len(out) {
				n = len(out)
			}
			pcm, err := BytesToPCM(out[:n])
			if err != nil {
				return nil, err
			}
			return downmix(pcm, channels), nil
		}
	case "audio/pcmu":
		d.decode = func(payload []byte) ([]int16, error) {
			return MulawToPCM(payload), nil
		}
	case "audio/pcma":
		d.decode = func(payload []byte) ([]int16, error) {
			return AlawToPCM(payload), nil
		}
	case strings.ToLower(MimeTypePCM):
		d.decode = func(payload []byte) ([]int16, error) {
			pcm, err := BytesToPCM(payload)
			if err != nil {
				return nil, err
			}
			return downmix(pcm, d.channels), nil
		}
	default:
		return nil, fmt.Errorf("unsupported audio codec: %s", mimeType)
	}

	if d.sampleRate == 0 {
		d.sampleRate = 8000
	}
	return d, nil
}

// SampleRate is the rate of the PCM returned by Decode
func (d *PayloadDecoder) SampleRate() int {
	return d.sampleRate
}

// Decode converts one RTP payload to mono PCM16
func (d *PayloadDecoder) Decode(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return d.decode(payload)
}

// DecodeTo converts one payload and resamples it to outputRate, returning
// little-endian bytes ready to send
func (d *PayloadDecoder) DecodeTo(payload []byte, outputRate int) ([]byte, error) {
	pcm, err := d.Decode(payload)
	if err != nil || len(pcm) == 0 {
		return nil, err
	}
	return PCMToBytes(Resample(pcm, d.sampleRate, outputRate)), nil
}

func downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	mono := make([]int16, len(pcm)/channels)
	for i := range mono {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(pcm[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// opusPacketSamples reads the TOC byte (RFC 6716 section 3.1) and returns
// the per-channel sample count at 48kHz
func opusPacketSamples(packet []byte) (int, error) {
	if len(packet) < 1 {
		return 0, fmt.Errorf("empty opus packet")
	}
	toc := packet[0]
	config := toc >> 3

	// frame duration in units of 2.5ms
	var units int
	switch {
	case config < 12:
		units = [4]int{4, 8, 16, 24}[config%4]
	case config < 16:
		units = [2]int{4, 8}[config%2]
	default:
		units = [4]int{1, 2, 4, 8}[config%4]
	}

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0, fmt.Errorf("truncated opus packet")
		}
		frames = int(packet[1] & 0x3F)
	}

	return units * frames * opusSampleRate / 400, nil
}
