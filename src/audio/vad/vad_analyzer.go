package vad

import (
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-avatar/src/audio"
	"github.com/square-key-labs/strawgo-avatar/src/logger"
)

// VADState represents the current state of voice activity detection
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams holds configuration parameters for voice activity detection
type VADParams struct {
	// Confidence threshold for voice detection (0.0 to 1.0)
	Confidence float64

	// StartSecs of continuous voice before QUIET becomes SPEAKING
	StartSecs float64

	// StopSecs of continuous silence before SPEAKING becomes QUIET
	StopSecs float64

	// MinVolume is the smoothed RMS level below which audio counts as silence
	MinVolume float64
}

// DefaultVADParams returns the default VAD parameters
func DefaultVADParams() VADParams {
	return VADParams{
		Confidence: 0.5,
		StartSecs:  0.2,
		StopSecs:   0.8,
		MinVolume:  0.01,
	}
}

// VADAnalyzer scores a chunk of mono PCM for voice activity
type VADAnalyzer interface {
	// VoiceConfidence returns a value between 0.0 (no voice) and 1.0 (voice)
	VoiceConfidence(pcm []int16) float64
}

// BaseVADAnalyzer runs the hysteresis state machine shared by analyzers.
// Thresholds are measured in seconds of audio so chunk sizes may vary.
type BaseVADAnalyzer struct {
	params     VADParams
	sampleRate int

	state          VADState
	voicedSecs     float64
	silentSecs     float64
	smoothedVolume float64

	mu sync.Mutex
}

// NewBaseVADAnalyzer creates a new base VAD analyzer
func NewBaseVADAnalyzer(sampleRate int, params VADParams) (*BaseVADAnalyzer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	return &BaseVADAnalyzer{
		params:     params,
		sampleRate: sampleRate,
		state:      VADStateQuiet,
	}, nil
}

// State returns the current VAD state
func (v *BaseVADAnalyzer) State() VADState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Restart resets the VAD analyzer state
func (v *BaseVADAnalyzer) Restart() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = VADStateQuiet
	v.voicedSecs = 0
	v.silentSecs = 0
	v.smoothedVolume = 0
}

// Advance feeds one chunk's confidence into the state machine and returns
// the resulting state
func (v *BaseVADAnalyzer) Advance(pcm []int16, confidence float64) VADState {
	v.mu.Lock()
	defer v.mu.Unlock()

	const smoothingFactor = 0.2
	v.smoothedVolume = smoothingFactor*audio.RMS(pcm) + (1.0-smoothingFactor)*v.smoothedVolume
	if v.smoothedVolume < v.params.MinVolume {
		confidence = 0
	}

	chunkSecs := float64(len(pcm)) / float64(v.sampleRate)
	voiced := confidence >= v.params.Confidence
	oldState := v.state

	switch v.state {
	case VADStateQuiet, VADStateStarting:
		if !voiced {
			v.state = VADStateQuiet
			v.voicedSecs = 0
			break
		}
		v.voicedSecs += chunkSecs
		if v.voicedSecs >= v.params.StartSecs {
			v.state = VADStateSpeaking
			v.voicedSecs = 0
		} else {
			v.state = VADStateStarting
		}

	case VADStateSpeaking, VADStateStopping:
		if voiced {
			v.state = VADStateSpeaking
			v.silentSecs = 0
			break
		}
		v.silentSecs += chunkSecs
		if v.silentSecs >= v.params.StopSecs {
			v.state = VADStateQuiet
			v.silentSecs = 0
		} else {
			v.state = VADStateStopping
		}
	}

	if oldState != v.state {
		logger.Debug("[VADAnalyzer] %s → %s (confidence=%.3f, volume=%.3f)",
			oldState, v.state, confidence, v.smoothedVolume)
	}
	return v.state
}
