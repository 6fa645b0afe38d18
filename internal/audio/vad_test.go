package audio

import (
	"math"
	"testing"
	"time"
)

func vadTestConfig() VADConfig {
	return VADConfig{
		Enabled:         true,
		Threshold:       0.025,
		InitialSilence:  15 * time.Second,
		TrailingSilence: 3 * time.Second,
		MinSpeech:       800 * time.Millisecond,
	}
}

func loudBlock(n int) []int16 {
	block := make([]int16, n)
	for i := range block {
		block[i] = int16(8000 * math.Sin(float64(i)*0.1))
	}
	return block
}

func quietBlock(n int) []int16 {
	return make([]int16, n)
}

func TestRMSBounds(t *testing.T) {
	if got := RMS(quietBlock(256)); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	loud := RMS(loudBlock(256))
	if loud <= 0.025 || loud > 1 {
		t.Fatalf("RMS(loud) = %v, want in (0.025, 1]", loud)
	}
}

func TestVADInitialSilenceTimeout(t *testing.T) {
	v := NewVAD(vadTestConfig())
	start := time.Now()
	v.Reset(start)

	if v.Feed(quietBlock(256), start.Add(14*time.Second)) {
		t.Fatal("auto-stop before initial silence window elapsed")
	}
	if !v.Feed(quietBlock(256), start.Add(15*time.Second)) {
		t.Fatal("no auto-stop after initial silence window")
	}
}

func TestVADTrailingSilenceAfterSpeech(t *testing.T) {
	v := NewVAD(vadTestConfig())
	start := time.Now()
	v.Reset(start)

	// A second of speech latches the speaking state.
	now := start
	for i := 0; i < 10; i++ {
		now = now.Add(100 * time.Millisecond)
		if v.Feed(loudBlock(256), now) {
			t.Fatal("auto-stop during active speech")
		}
	}
	speechEnd := now

	// Quiet blocks every 100ms. The smoothed level takes a few blocks to
	// decay below threshold, then the trailing window runs.
	var stoppedAt time.Time
	for i := 0; i < 60; i++ {
		now = now.Add(100 * time.Millisecond)
		if v.Feed(quietBlock(256), now) {
			stoppedAt = now
			break
		}
	}
	if stoppedAt.IsZero() {
		t.Fatal("no auto-stop after sustained silence")
	}
	elapsed := stoppedAt.Sub(speechEnd)
	if elapsed < 3*time.Second {
		t.Fatalf("auto-stop after %v, want at least the 3s trailing window", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("auto-stop after %v, want under 5s", elapsed)
	}
}

func TestVADMinSpeechHoldsOff(t *testing.T) {
	v := NewVAD(vadTestConfig())
	start := time.Now()
	v.Reset(start)

	// A blip shorter than MinSpeech must not arm the trailing window.
	if v.Feed(loudBlock(256), start.Add(100*time.Millisecond)) {
		t.Fatal("auto-stop on speech blip")
	}
	if v.Feed(quietBlock(256), start.Add(500*time.Millisecond)) {
		t.Fatal("auto-stop right after blip")
	}
}
