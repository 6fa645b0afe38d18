package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sabaq-lms/sabaq/internal/audio"
	"github.com/sabaq-lms/sabaq/internal/config"
	"github.com/sabaq-lms/sabaq/internal/history"
	"github.com/sabaq-lms/sabaq/internal/httpapi"
	"github.com/sabaq-lms/sabaq/internal/observability"
	"github.com/sabaq-lms/sabaq/internal/protocol"
	"github.com/sabaq-lms/sabaq/internal/session"
	"github.com/sabaq-lms/sabaq/internal/socket"
	"github.com/sabaq-lms/sabaq/internal/speech"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	var audioCtx audio.Context
	switch cfg.AudioBackend {
	case "fake":
		audioCtx = audio.NewFakeContext(nil)
		log.Warn().Msg("audio backend: fake (no capture hardware)")
	default:
		audioCtx, err = audio.NewContext()
		if err != nil {
			log.Fatal().Err(err).Msg("audio context init failed")
		}
	}
	defer audioCtx.Close()

	recorder := audio.NewRecorder(audioCtx, audio.RecorderConfig{
		SampleRate:        cfg.SampleRate,
		EncoderPreference: cfg.EncoderPreference,
		VAD: audio.VADConfig{
			Enabled:         cfg.VADEnabled,
			Threshold:       cfg.VADThreshold,
			InitialSilence:  cfg.VADInitialSilence,
			TrailingSilence: cfg.VADTrailingSilence,
			MinSpeech:       cfg.VADMinSpeech,
		},
	}, log)

	player, err := audioCtx.NewPlayback(audio.DeviceConfig{
		SampleRate: uint32(cfg.SampleRate),
		Channels:   audio.Channels,
	})
	if err != nil {
		log.Warn().Err(err).Msg("playback device unavailable, tutor audio disabled")
		player = nil
	} else {
		defer player.Close()
	}

	var speaker speech.Synthesizer
	if synth := speech.NewExecSynthesizer(cfg.SynthesizerCLI, nil, log); synth.Available() {
		speaker = synth
	} else {
		log.Warn().Str("cli", cfg.SynthesizerCLI).Msg("synthesizer not found, word prompts disabled")
	}

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("history store init failed")
	}
	defer store.Close()

	var ctrl *session.Controller
	sock := socket.NewManager(socket.Config{
		BaseURL:        cfg.TutorBaseURL,
		DialTimeout:    cfg.ConnectTimeout,
		RedialGrace:    cfg.RedialGrace,
		SendRetryDelay: cfg.SendRetryDelay,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		InitialBackoff: cfg.ReconnectInitialBackoff,
		BackoffGrowth:  cfg.ReconnectBackoffGrowth,
		MaxDelay:       cfg.ReconnectMaxDelay,
		JitterMax:      cfg.ReconnectJitterMax,
	}, socket.Handlers{
		OnOpen:    func() { ctrl.HandleConnected() },
		OnMessage: func(msg protocol.ServerMessage) { ctrl.HandleMessage(msg) },
		OnAudio:   func(data []byte) { ctrl.HandleAudio(data) },
		OnClosed:  func(reason error) { ctrl.HandleDisconnected(reason) },
	}, log, metrics)

	ctrl = session.NewController(session.Deps{
		Sender:   sock,
		Recorder: recorder,
		Player:   player,
		Speaker:  speaker,
		Store:    store,
		Metrics:  metrics,
		Stages:   stages,
	}, session.Config{
		LanguageMode:      cfg.LanguageMode,
		MinUtteranceBytes: cfg.MinUtteranceBytes,
		Timings:           session.DefaultTimings(),
	}, log)

	api := httpapi.New(cfg, ctrl, sock, store, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	go func() {
		// OnOpen notifies the controller once the handshake lands,
		// whether on this call or on a later scheduled redial.
		if err := sock.Connect(runCtx); err != nil {
			log.Warn().Err(err).Msg("initial dial failed, retrying in background")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("control API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	sock.Close()
	ctrl.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
