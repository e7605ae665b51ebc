package vad

import "github.com/square-key-labs/strawgo-avatar/src/audio"

// RMSAnalyzer scores voice activity from signal energy alone. A chunk whose
// RMS reaches Threshold scores 1.0.
type RMSAnalyzer struct {
	Threshold float64
}

// NewRMSAnalyzer creates an energy based analyzer
func NewRMSAnalyzer(threshold float64) *RMSAnalyzer {
	if threshold <= 0 {
		threshold = 0.02
	}
	return &RMSAnalyzer{Threshold: threshold}
}

func (a *RMSAnalyzer) VoiceConfidence(pcm []int16) float64 {
	ratio := audio.RMS(pcm) / a.Threshold
	if ratio > 1 {
		return 1
	}
	return ratio
}
