// Package speech voices individual words and prompts locally during
// word-by-word practice.
package speech

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Synthesizer speaks text and blocks until playback finishes.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// ExecSynthesizer shells out to a local TTS CLI (espeak-ng by default)
// once per utterance.
type ExecSynthesizer struct {
	cliPath   string
	extraArgs []string
	log       zerolog.Logger
}

func NewExecSynthesizer(cliPath string, extraArgs []string, log zerolog.Logger) *ExecSynthesizer {
	return &ExecSynthesizer{
		cliPath:   cliPath,
		extraArgs: extraArgs,
		log:       log.With().Str("component", "synthesizer").Logger(),
	}
}

// Available reports whether the configured CLI resolves on PATH.
func (s *ExecSynthesizer) Available() bool {
	_, err := exec.LookPath(s.cliPath)
	return err == nil
}

func (s *ExecSynthesizer) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	args := append(append([]string(nil), s.extraArgs...), text)
	cmd := exec.CommandContext(ctx, s.cliPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w (%s)", s.cliPath, err, strings.TrimSpace(string(out)))
	}
	s.log.Debug().Str("text", text).Msg("spoke")
	return nil
}

// MockSynthesizer records spoken text for tests.
type MockSynthesizer struct {
	Delay time.Duration

	mu     sync.Mutex
	spoken []string
}

func (m *MockSynthesizer) Speak(ctx context.Context, text string) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()
	return nil
}

func (m *MockSynthesizer) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.spoken))
	copy(out, m.spoken)
	return out
}
