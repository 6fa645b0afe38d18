package audio

import (
	"math"
	"time"
)

// VADConfig tunes the silence detector.
type VADConfig struct {
	Enabled         bool
	Threshold       float64 // normalized RMS, speech above this level
	InitialSilence  time.Duration
	TrailingSilence time.Duration
	MinSpeech       time.Duration
}

// VAD watches the energy of a capture stream and decides when the learner
// has stopped talking. Feed returns true when recording should auto-stop:
// either nothing was said within the initial silence window, or speech of
// at least MinSpeech was followed by TrailingSilence of quiet.
type VAD struct {
	cfg VADConfig

	started   time.Time
	smoothed  float64
	speaking  bool
	speechAt  time.Time
	lastVoice time.Time
}

func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg}
}

func (v *VAD) Reset(now time.Time) {
	v.started = now
	v.smoothed = 0
	v.speaking = false
	v.speechAt = time.Time{}
	v.lastVoice = time.Time{}
}

func (v *VAD) Feed(block []int16, now time.Time) bool {
	if v.started.IsZero() {
		v.started = now
	}

	// Light exponential smoothing so a single hot block does not flip the
	// speech latch.
	v.smoothed = 0.7*v.smoothed + 0.3*RMS(block)

	if v.smoothed >= v.cfg.Threshold {
		v.lastVoice = now
		if !v.speaking {
			v.speaking = true
			v.speechAt = now
		}
	}

	if !v.speaking {
		return now.Sub(v.started) >= v.cfg.InitialSilence
	}
	if now.Sub(v.speechAt) < v.cfg.MinSpeech {
		return false
	}
	return now.Sub(v.lastVoice) >= v.cfg.TrailingSilence
}

// RMS returns the root mean square of a PCM16 block normalized to [0, 1].
func RMS(block []int16) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(block)))
}
