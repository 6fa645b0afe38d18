package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Utterance is one finished recording ready for upload.
type Utterance struct {
	Data     []byte
	MIME     string
	Duration time.Duration
}

type RecorderConfig struct {
	SampleRate        int
	EncoderPreference []string
	VAD               VADConfig
}

// Recorder captures one utterance at a time from the audio backend,
// feeding samples through the preferred encoder and, when enabled, the
// silence detector.
type Recorder struct {
	audioCtx Context
	cfg      RecorderConfig
	log      zerolog.Logger

	onAutoStop func()

	mu        sync.Mutex
	device    CaptureDevice
	enc       Encoder
	vad       *VAD
	pending   []int16
	recording bool
	startedAt time.Time
	frames    uint64
	stopFired bool
}

func NewRecorder(audioCtx Context, cfg RecorderConfig, log zerolog.Logger) *Recorder {
	r := &Recorder{
		audioCtx: audioCtx,
		cfg:      cfg,
		log:      log.With().Str("component", "recorder").Logger(),
	}
	if cfg.VAD.Enabled {
		r.vad = NewVAD(cfg.VAD)
	}
	return r
}

// SetAutoStop registers a callback fired once per recording when the
// silence detector decides the learner is done. The callback runs on its
// own goroutine and is expected to call Stop.
func (r *Recorder) SetAutoStop(fn func()) {
	r.mu.Lock()
	r.onAutoStop = fn
	r.mu.Unlock()
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}

	enc, err := NewEncoder(r.cfg.EncoderPreference, r.cfg.SampleRate)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	device, err := r.audioCtx.NewCapture(nil, DeviceConfig{
		SampleRate: uint32(r.cfg.SampleRate),
		Channels:   Channels,
	}, r.onData)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("open capture device: %w", err)
	}

	r.device = device
	r.enc = enc
	r.pending = r.pending[:0]
	r.recording = true
	r.startedAt = time.Now()
	r.frames = 0
	r.stopFired = false
	if r.vad != nil {
		r.vad.Reset(r.startedAt)
	}
	r.mu.Unlock()

	if err := device.Start(); err != nil {
		r.mu.Lock()
		r.recording = false
		r.device = nil
		r.enc = nil
		r.mu.Unlock()
		device.Close()
		return fmt.Errorf("start capture device: %w", err)
	}

	r.log.Debug().Str("mime", enc.MIME()).Msg("recording started")
	return nil
}

func (r *Recorder) onData(data []byte, _ uint32) {
	block := pcm16FromBytes(data)

	r.mu.Lock()
	if !r.recording || r.enc == nil {
		r.mu.Unlock()
		return
	}
	// Encoders want fixed-size blocks; buffer until one fills.
	r.pending = append(r.pending, block...)
	for len(r.pending) >= BlockSize {
		if err := r.enc.EncodeBlock(r.pending[:BlockSize]); err != nil {
			r.log.Warn().Err(err).Msg("dropping capture block")
		} else {
			r.frames += BlockSize
		}
		r.pending = r.pending[BlockSize:]
	}

	fire := false
	if r.vad != nil && !r.stopFired && r.vad.Feed(block, time.Now()) {
		r.stopFired = true
		fire = true
	}
	autoStop := r.onAutoStop
	r.mu.Unlock()

	if fire && autoStop != nil {
		go autoStop()
	}
}

// Stop finalizes the current recording and returns the encoded utterance.
func (r *Recorder) Stop() (Utterance, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return Utterance{}, ErrNotRecording
	}
	r.recording = false
	device := r.device
	enc := r.enc
	pending := r.pending
	r.pending = nil
	r.device = nil
	r.enc = nil
	r.mu.Unlock()

	device.Stop()
	device.Close()

	if len(pending) > 0 {
		if err := enc.EncodeBlock(pending); err != nil {
			r.log.Warn().Err(err).Msg("dropping final capture block")
		} else {
			r.frames += uint64(len(pending))
		}
	}
	frames := r.frames
	if err := enc.Close(); err != nil {
		return Utterance{}, fmt.Errorf("finalize encoding: %w", err)
	}

	utt := Utterance{
		Data:     enc.Bytes(),
		MIME:     enc.MIME(),
		Duration: time.Duration(frames) * time.Second / time.Duration(r.cfg.SampleRate),
	}
	r.log.Debug().Int("bytes", len(utt.Data)).Dur("duration", utt.Duration).Msg("recording stopped")
	return utt, nil
}

// Recording reports whether a capture is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
