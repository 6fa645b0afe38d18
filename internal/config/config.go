package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the tutoring session client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	TutorBaseURL string
	LanguageMode string

	ConnectTimeout          time.Duration
	ReconnectMaxAttempts    int
	ReconnectInitialBackoff time.Duration
	ReconnectBackoffGrowth  float64
	ReconnectMaxDelay       time.Duration
	ReconnectJitterMax      time.Duration
	SendRetryDelay          time.Duration
	RedialGrace             time.Duration

	MinUtteranceBytes int
	SampleRate        int
	AudioBackend      string
	EncoderPreference []string
	SynthesizerCLI    string

	VADEnabled         bool
	VADThreshold       float64
	VADInitialSilence  time.Duration
	VADTrailingSilence time.Duration
	VADMinSpeech       time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("SABAQ_BIND_ADDR", ":8090"),
		MetricsNamespace: envOrDefault("SABAQ_METRICS_NAMESPACE", "sabaq"),
		TutorBaseURL:     envOrDefault("SABAQ_TUTOR_BASE_URL", "https://api.dil.lms-staging.com"),
		LanguageMode:     envOrDefault("SABAQ_LANGUAGE_MODE", "english"),
		AudioBackend:     envOrDefault("SABAQ_AUDIO_BACKEND", "malgo"),
		SynthesizerCLI:   envOrDefault("SABAQ_SYNTHESIZER_CLI", "espeak-ng"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:         15 * time.Second,
		ConnectTimeout:          15 * time.Second,
		ReconnectMaxAttempts:    5,
		ReconnectInitialBackoff: time.Second,
		ReconnectBackoffGrowth:  1.8,
		ReconnectMaxDelay:       30 * time.Second,
		ReconnectJitterMax:      time.Second,
		SendRetryDelay:          time.Second,
		RedialGrace:             250 * time.Millisecond,

		MinUtteranceBytes: 1000,
		SampleRate:        16000,
		EncoderPreference: []string{"flac", "wav"},

		VADEnabled:         false,
		VADThreshold:       0.025,
		VADInitialSilence:  15 * time.Second,
		VADTrailingSilence: 3 * time.Second,
		VADMinSpeech:       800 * time.Millisecond,
	}

	if v := trimmedEnv("SABAQ_ENCODER_PREFERENCE"); v != "" {
		cfg.EncoderPreference = nil
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.EncoderPreference = append(cfg.EncoderPreference, name)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("SABAQ_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("SABAQ_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxAttempts, err = intFromEnv("SABAQ_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectInitialBackoff, err = durationFromEnv("SABAQ_RECONNECT_INITIAL_BACKOFF", cfg.ReconnectInitialBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBackoffGrowth, err = floatFromEnv("SABAQ_RECONNECT_BACKOFF_GROWTH", cfg.ReconnectBackoffGrowth)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMaxDelay, err = durationFromEnv("SABAQ_RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectJitterMax, err = durationFromEnv("SABAQ_RECONNECT_JITTER_MAX", cfg.ReconnectJitterMax)
	if err != nil {
		return Config{}, err
	}
	cfg.SendRetryDelay, err = durationFromEnv("SABAQ_SEND_RETRY_DELAY", cfg.SendRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUtteranceBytes, err = intFromEnv("SABAQ_MIN_UTTERANCE_BYTES", cfg.MinUtteranceBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("SABAQ_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.VADEnabled, err = boolFromEnv("SABAQ_VAD_ENABLED", cfg.VADEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("SABAQ_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADInitialSilence, err = durationFromEnv("SABAQ_VAD_INITIAL_SILENCE", cfg.VADInitialSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.VADTrailingSilence, err = durationFromEnv("SABAQ_VAD_TRAILING_SILENCE", cfg.VADTrailingSilence)
	if err != nil {
		return Config{}, err
	}
	cfg.VADMinSpeech, err = durationFromEnv("SABAQ_VAD_MIN_SPEECH", cfg.VADMinSpeech)
	if err != nil {
		return Config{}, err
	}

	if !strings.HasPrefix(cfg.TutorBaseURL, "http://") && !strings.HasPrefix(cfg.TutorBaseURL, "https://") {
		return Config{}, fmt.Errorf("SABAQ_TUTOR_BASE_URL must start with http:// or https://")
	}
	switch cfg.LanguageMode {
	case "english", "urdu":
	default:
		return Config{}, fmt.Errorf("SABAQ_LANGUAGE_MODE must be english or urdu")
	}
	switch cfg.AudioBackend {
	case "malgo", "fake":
	default:
		return Config{}, fmt.Errorf("SABAQ_AUDIO_BACKEND must be malgo or fake")
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("SABAQ_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if cfg.ReconnectBackoffGrowth <= 1 {
		return Config{}, fmt.Errorf("SABAQ_RECONNECT_BACKOFF_GROWTH must be greater than 1")
	}
	if cfg.ReconnectInitialBackoff <= 0 || cfg.ReconnectMaxDelay < cfg.ReconnectInitialBackoff {
		return Config{}, fmt.Errorf("reconnect backoff bounds must satisfy 0 < initial <= max")
	}
	if cfg.ReconnectJitterMax <= 0 {
		return Config{}, fmt.Errorf("SABAQ_RECONNECT_JITTER_MAX must be positive")
	}
	if cfg.MinUtteranceBytes <= 0 {
		return Config{}, fmt.Errorf("SABAQ_MIN_UTTERANCE_BYTES must be positive")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("SABAQ_SAMPLE_RATE must be positive")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold >= 1 {
		return Config{}, fmt.Errorf("SABAQ_VAD_THRESHOLD must be in (0, 1)")
	}
	if len(cfg.EncoderPreference) == 0 {
		return Config{}, fmt.Errorf("SABAQ_ENCODER_PREFERENCE must name at least one encoder")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
