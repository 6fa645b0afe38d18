package config

import (
	"testing"
	"time"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"SABAQ_BIND_ADDR",
		"SABAQ_SHUTDOWN_TIMEOUT",
		"SABAQ_METRICS_NAMESPACE",
		"SABAQ_TUTOR_BASE_URL",
		"SABAQ_LANGUAGE_MODE",
		"SABAQ_CONNECT_TIMEOUT",
		"SABAQ_RECONNECT_MAX_ATTEMPTS",
		"SABAQ_RECONNECT_INITIAL_BACKOFF",
		"SABAQ_RECONNECT_BACKOFF_GROWTH",
		"SABAQ_RECONNECT_MAX_DELAY",
		"SABAQ_RECONNECT_JITTER_MAX",
		"SABAQ_SEND_RETRY_DELAY",
		"SABAQ_MIN_UTTERANCE_BYTES",
		"SABAQ_SAMPLE_RATE",
		"SABAQ_AUDIO_BACKEND",
		"SABAQ_ENCODER_PREFERENCE",
		"SABAQ_SYNTHESIZER_CLI",
		"SABAQ_VAD_ENABLED",
		"SABAQ_VAD_THRESHOLD",
		"SABAQ_VAD_INITIAL_SILENCE",
		"SABAQ_VAD_TRAILING_SILENCE",
		"SABAQ_VAD_MIN_SPEECH",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TutorBaseURL != "https://api.dil.lms-staging.com" {
		t.Fatalf("TutorBaseURL = %q", cfg.TutorBaseURL)
	}
	if cfg.LanguageMode != "english" {
		t.Fatalf("LanguageMode = %q, want english", cfg.LanguageMode)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Fatalf("ReconnectMaxAttempts = %d, want 5", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBackoffGrowth != 1.8 {
		t.Fatalf("ReconnectBackoffGrowth = %v, want 1.8", cfg.ReconnectBackoffGrowth)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Fatalf("ReconnectMaxDelay = %v, want 30s", cfg.ReconnectMaxDelay)
	}
	if cfg.ReconnectJitterMax != time.Second {
		t.Fatalf("ReconnectJitterMax = %v, want 1s", cfg.ReconnectJitterMax)
	}
	if cfg.MinUtteranceBytes != 1000 {
		t.Fatalf("MinUtteranceBytes = %d, want 1000", cfg.MinUtteranceBytes)
	}
	if cfg.VADEnabled {
		t.Fatal("VADEnabled = true, want false by default")
	}
	if cfg.VADThreshold != 0.025 {
		t.Fatalf("VADThreshold = %v, want 0.025", cfg.VADThreshold)
	}
	if len(cfg.EncoderPreference) != 2 || cfg.EncoderPreference[0] != "flac" {
		t.Fatalf("EncoderPreference = %v, want [flac wav]", cfg.EncoderPreference)
	}
}

func TestLoadEncoderPreferenceOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SABAQ_ENCODER_PREFERENCE", "wav, flac")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.EncoderPreference) != 2 || cfg.EncoderPreference[0] != "wav" || cfg.EncoderPreference[1] != "flac" {
		t.Fatalf("EncoderPreference = %v, want [wav flac]", cfg.EncoderPreference)
	}
}

func TestLoadRejectsBadLanguageMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SABAQ_LANGUAGE_MODE", "french")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want language mode error")
	}
}

func TestLoadRejectsBadBaseURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SABAQ_TUTOR_BASE_URL", "wss://api.dil.lms-staging.com")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want base URL scheme error")
	}
}

func TestLoadRejectsBackoffGrowthBelowOne(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SABAQ_RECONNECT_BACKOFF_GROWTH", "0.9")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want growth error")
	}
}

func TestLoadRejectsZeroJitter(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SABAQ_RECONNECT_JITTER_MAX", "0s")

	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil, want jitter error")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SABAQ_CONNECT_TIMEOUT", "5s")
	t.Setenv("SABAQ_VAD_TRAILING_SILENCE", "1500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 5s", cfg.ConnectTimeout)
	}
	if cfg.VADTrailingSilence != 1500*time.Millisecond {
		t.Fatalf("VADTrailingSilence = %v, want 1.5s", cfg.VADTrailingSilence)
	}
}
