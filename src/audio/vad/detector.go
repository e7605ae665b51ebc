package vad

import (
	"fmt"
	"sync"

	"github.com/square-key-labs/strawgo-avatar/src/audio"
)

// Detector turns analyzer states into speech started/stopped edges
type Detector struct {
	analyzer VADAnalyzer
	machine  *BaseVADAnalyzer

	mu        sync.Mutex
	speaking  bool
	onStarted func()
	onStopped func()
}

// NewDetector creates a detector for mono PCM16 at sampleRate
func NewDetector(analyzer VADAnalyzer, sampleRate int, params VADParams) (*Detector, error) {
	machine, err := NewBaseVADAnalyzer(sampleRate, params)
	if err != nil {
		return nil, err
	}
	return &Detector{analyzer: analyzer, machine: machine}, nil
}

// OnSpeechStarted registers the callback fired when speech begins
func (d *Detector) OnSpeechStarted(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStarted = fn
}

// OnSpeechStopped registers the callback fired when speech ends
func (d *Detector) OnSpeechStopped(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStopped = fn
}

// Speaking reports whether the detector is inside a speech segment
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Process analyzes one chunk of little-endian PCM16. Callbacks run on the
// caller's goroutine, once per edge.
func (d *Detector) Process(chunk []byte) (VADState, error) {
	pcm, err := audio.BytesToPCM(chunk)
	if err != nil {
		return VADStateQuiet, fmt.Errorf("VAD analysis error: %w", err)
	}

	state := d.machine.Advance(pcm, d.analyzer.VoiceConfidence(pcm))

	d.mu.Lock()
	var fire func()
	switch {
	case state == VADStateSpeaking && !d.speaking:
		d.speaking = true
		fire = d.onStarted
	case state == VADStateQuiet && d.speaking:
		d.speaking = false
		fire = d.onStopped
	}
	d.mu.Unlock()

	if fire != nil {
		fire()
	}
	return state, nil
}

// Reset drops any in-progress speech segment without firing callbacks
func (d *Detector) Reset() {
	d.machine.Restart()
	d.mu.Lock()
	d.speaking = false
	d.mu.Unlock()
}
