// Package session drives the tutoring conversation: what the learner is
// doing right now, how the tutor's replies move the exercise forward, and
// how a stalled exchange recovers.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sabaq-lms/sabaq/internal/audio"
	"github.com/sabaq-lms/sabaq/internal/history"
	"github.com/sabaq-lms/sabaq/internal/observability"
	"github.com/sabaq-lms/sabaq/internal/policy"
	"github.com/sabaq-lms/sabaq/internal/protocol"
	"github.com/sabaq-lms/sabaq/internal/speech"
)

// ErrUtteranceTooShort rejects recordings below the upload minimum.
var ErrUtteranceTooShort = errors.New("utterance too short to upload")

// Sender is the outbound side of the tutor socket.
type Sender interface {
	Send(v any) bool
	IsReady() bool
}

// Config tunes one controller instance.
type Config struct {
	LanguageMode      string
	MinUtteranceBytes int
	Timings           Timings
}

// Deps carries the controller's collaborators. Store, Player, Speaker and
// the observability fields may be nil; the controller degrades gracefully.
type Deps struct {
	Sender   Sender
	Recorder *audio.Recorder
	Player   audio.PlaybackDevice
	Speaker  speech.Synthesizer
	Store    history.Store
	Metrics  *observability.Metrics
	Stages   *observability.StageWindow
}

// Snapshot is a point-in-time view of the conversation for the control API.
type Snapshot struct {
	SessionID       string   `json:"session_id"`
	State           State    `json:"state"`
	Message         string   `json:"message"`
	LanguageMode    string   `json:"language_mode"`
	Recording       bool     `json:"recording"`
	Transcription   string   `json:"transcription,omitempty"`
	Words           []string `json:"words,omitempty"`
	WordIndex       int      `json:"word_index"`
	EnglishSentence string   `json:"english_sentence,omitempty"`
	UrduSentence    string   `json:"urdu_sentence,omitempty"`
	Feedback        string   `json:"feedback,omitempty"`
}

// Controller is the conversation state machine. Every state with a
// recovery budget arms a timer on entry; a timer that outlives its state
// is a no-op thanks to the generation counter.
type Controller struct {
	log     zerolog.Logger
	cfg     Config
	deps    Deps
	ctx     context.Context
	cancel  context.CancelFunc
	session string

	mu            sync.Mutex
	state         State
	gen           int
	recoveryTimer *time.Timer
	playCancel    context.CancelFunc
	statusMessage string
	closed        bool
	introDone     bool

	transcription   string
	words           []string
	wordIndex       int
	englishSentence string
	urduSentence    string
	feedback        string
	uploadedAt      time.Time
	firstReplySeen  bool
}

func NewController(deps Deps, cfg Config, log zerolog.Logger) *Controller {
	if cfg.MinUtteranceBytes <= 0 {
		cfg.MinUtteranceBytes = 1000
	}
	if cfg.LanguageMode == "" {
		cfg.LanguageMode = "english"
	}
	zero := Timings{}
	if cfg.Timings == zero {
		cfg.Timings = DefaultTimings()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		log:           log.With().Str("component", "session").Logger(),
		cfg:           cfg,
		deps:          deps,
		ctx:           ctx,
		cancel:        cancel,
		session:       uuid.NewString(),
		state:         StateWaiting,
		statusMessage: "Tap the microphone to begin.",
	}
	if deps.Recorder != nil {
		deps.Recorder.SetAutoStop(func() {
			if err := c.StopRecording(); err != nil {
				c.log.Debug().Err(err).Msg("auto-stop ignored")
			}
		})
	}
	return c
}

// SessionID identifies this conversation for history persistence.
func (c *Controller) SessionID() string { return c.session }

// transitionLocked is the single state-change primitive: it cancels the
// previous recovery timer, bumps the generation, and arms the new state's
// timer if it has a budget.
func (c *Controller) transitionLocked(next State, message string) {
	if c.recoveryTimer != nil {
		c.recoveryTimer.Stop()
		c.recoveryTimer = nil
	}
	from := c.state
	c.gen++
	gen := c.gen
	c.state = next
	if message != "" {
		c.statusMessage = message
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.StateTransitions.WithLabelValues(string(next)).Inc()
	}
	c.log.Debug().Str("from", string(from)).Str("to", string(next)).Msg("state change")

	if budget := c.cfg.Timings.recoveryBudget(next); budget > 0 {
		state := next
		c.recoveryTimer = time.AfterFunc(budget, func() {
			c.recoverStuck(gen, state)
		})
	}
}

func (c *Controller) recoverStuck(gen int, from State) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.log.Warn().Str("state", string(from)).Msg("conversation stuck, recovering")
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecoveryEvents.WithLabelValues(string(from)).Inc()
	}
	c.deps.Stages.ObserveIndicator("recovery")
	c.stopPlaybackLocked()
	c.clearExerciseLocked()
	c.transitionLocked(StateWaiting, "Let's start over. Tap the microphone when ready.")
	c.mu.Unlock()
}

// afterLocked schedules fn after d; fn runs with the lock held and only
// if no transition happened in the meantime.
func (c *Controller) afterLocked(d time.Duration, fn func()) {
	gen := c.gen
	time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.gen {
			return
		}
		fn()
	})
}

func (c *Controller) newPlayCtxLocked() context.Context {
	if c.playCancel != nil {
		c.playCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.playCancel = cancel
	return ctx
}

func (c *Controller) stopPlaybackLocked() {
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
}

func (c *Controller) clearExerciseLocked() {
	c.transcription = ""
	c.words = nil
	c.wordIndex = 0
	c.englishSentence = ""
	c.urduSentence = ""
	c.feedback = ""
	c.uploadedAt = time.Time{}
	c.firstReplySeen = false
}

// HandleConnected runs when the tutor socket opens. The first connection
// voices a short introduction before the conversation starts.
func (c *Controller) HandleConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.introDone || c.deps.Speaker == nil {
		c.introDone = true
		c.transitionLocked(StateWaiting, "Connected. Tap the microphone to begin.")
		return
	}
	c.introDone = true
	c.transitionLocked(StatePlayingIntro, "Welcome! Listen to the introduction.")
	gen := c.gen
	ctx := c.newPlayCtxLocked()
	go c.speakIntro(ctx, gen)
}

func (c *Controller) speakIntro(ctx context.Context, gen int) {
	intro := "Welcome to your speaking practice. Listen to each sentence, repeat it, and I will help you improve."
	if err := c.deps.Speaker.Speak(ctx, intro); err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Msg("intro synthesis failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.transitionLocked(StateWaiting, "Tap the microphone to begin.")
}

// HandleDisconnected runs when the socket's closed handler fires.
func (c *Controller) HandleDisconnected(reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if reason != nil {
		c.log.Warn().Err(reason).Msg("tutor connection lost")
	}
	c.stopPlaybackLocked()
	c.clearExerciseLocked()
	c.transitionLocked(StateWaiting, "Connection lost. Please reconnect.")
}

// StartRecording opens the microphone and moves to listening.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session closed")
	}
	if c.deps.Recorder == nil {
		c.mu.Unlock()
		return errors.New("no recorder configured")
	}
	switch c.state {
	case StateWaiting, StateNoSpeech, StateFullSentence:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot record while %s", state)
	}
	c.mu.Unlock()

	if err := c.deps.Recorder.Start(); err != nil {
		c.mu.Lock()
		c.transitionLocked(StateWaiting, "Microphone unavailable. Check your audio settings.")
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.transitionLocked(StateListening, "Listening...")
	c.mu.Unlock()
	return nil
}

// StopRecording finalizes the capture and uploads the utterance. Too-short
// recordings are rejected without contacting the tutor.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	if c.deps.Recorder == nil {
		c.mu.Unlock()
		return errors.New("no recorder configured")
	}
	c.mu.Unlock()

	utt, err := c.deps.Recorder.Stop()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("session closed")
	}
	if len(utt.Data) < c.cfg.MinUtteranceBytes {
		c.log.Info().Int("bytes", len(utt.Data)).Msg("discarding short utterance")
		c.transitionLocked(StateWaiting, "That was too short. Please try again.")
		c.mu.Unlock()
		return ErrUtteranceTooShort
	}

	upload := protocol.UtteranceUpload{
		AudioBase64:  base64.StdEncoding.EncodeToString(utt.Data),
		Filename:     "utterance-" + uuid.NewString() + audio.ExtensionForMIME(utt.MIME),
		LanguageMode: c.cfg.LanguageMode,
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.UploadBytes.Observe(float64(len(utt.Data)))
	}
	c.transitionLocked(StateProcessing, "Processing your speech...")
	c.uploadedAt = time.Now()
	c.firstReplySeen = false
	c.afterLocked(c.cfg.Timings.ProcessingTimeout, func() {
		c.deps.Stages.ObserveIndicator("processing_timeout")
		c.transitionLocked(StateWaiting, "The tutor did not respond. Please try again.")
	})
	sender := c.deps.Sender
	c.mu.Unlock()

	if sender == nil || !sender.Send(upload) {
		c.log.Warn().Msg("upload not sent, socket not open")
	}
	return nil
}

// HandleMessage applies one classified tutor message to the conversation.
func (c *Controller) HandleMessage(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if msg.Sniffed {
		c.deps.Stages.ObserveIndicator("sniffed_message")
	}
	if c.state == StateProcessing && !c.firstReplySeen && !c.uploadedAt.IsZero() {
		c.firstReplySeen = true
		c.deps.Stages.Observe(observability.StageUploadToFirstReply, time.Since(c.uploadedAt))
	}

	switch msg.Kind {
	case protocol.KindYouSaid:
		c.handleYouSaidLocked(msg)
	case protocol.KindWordByWord:
		c.captureContextLocked(msg)
		c.beginWordByWordLocked()
	case protocol.KindFullSentence:
		c.captureContextLocked(msg)
		c.transitionLocked(StateFullSentence, "Now say the whole sentence: "+c.englishSentence)
	case protocol.KindFeedback, protocol.KindEnglishEdge, protocol.KindUnrecognized:
		c.handleFeedbackLocked(msg)
	case protocol.KindNoSpeech:
		c.transitionLocked(StateNoSpeech, "No speech detected. Please try again.")
		c.afterLocked(c.cfg.Timings.NoSpeechDisplay, func() {
			c.transitionLocked(StateWaiting, "Tap the microphone and speak clearly.")
		})
	case protocol.KindAwaitNext:
		c.clearExerciseLocked()
		c.transitionLocked(StateWaiting, "Ready for the next sentence.")
	case protocol.KindRetry:
		if c.englishSentence != "" {
			c.transitionLocked(StateFullSentence, "Try again: "+c.englishSentence)
		} else {
			c.transitionLocked(StateWaiting, "Let's try that again.")
		}
	}
}

func (c *Controller) captureContextLocked(msg protocol.ServerMessage) {
	if len(msg.Words) > 0 {
		c.words = msg.Words
	}
	if msg.EnglishSentence != "" {
		c.englishSentence = msg.EnglishSentence
	}
	if msg.UrduSentence != "" {
		c.urduSentence = msg.UrduSentence
	}
}

func (c *Controller) handleYouSaidLocked(msg protocol.ServerMessage) {
	c.captureContextLocked(msg)
	if msg.Response != "" {
		c.transcription = msg.Response
	} else {
		c.transcription = msg.Text()
	}
	c.transitionLocked(StateYouSaid, "You said: "+c.transcription)
	c.afterLocked(c.cfg.Timings.YouSaidDisplay, func() {
		c.sendAckLocked(protocol.AckYouSaidComplete)
		// Usually the tutor drives the next step; when the words came
		// bundled with the transcription, start practice locally.
		if len(c.words) > 0 {
			c.beginWordByWordLocked()
		}
	})
}

func (c *Controller) beginWordByWordLocked() {
	if len(c.words) == 0 {
		c.transitionLocked(StateWaiting, "Nothing to practice yet.")
		return
	}
	c.wordIndex = 0
	c.transitionLocked(StateWordByWord, "Listen and repeat each word.")
	gen := c.gen
	ctx := c.newPlayCtxLocked()
	words := append([]string(nil), c.words...)
	go c.playWords(ctx, gen, words)
}

func (c *Controller) playWords(ctx context.Context, gen int, words []string) {
	started := time.Now()
	for i, word := range words {
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.wordIndex = i
		c.statusMessage = "Repeat: " + word
		c.mu.Unlock()

		if c.deps.Speaker != nil {
			if err := c.deps.Speaker.Speak(ctx, word); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Str("word", word).Msg("word synthesis failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.Timings.WordGap):
		}
	}
	c.deps.Stages.Observe(observability.StageWordByWordTotal, time.Since(started))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.sendAckLocked(protocol.AckWordByWordComplete)
	if c.englishSentence != "" {
		c.transitionLocked(StateFullSentence, "Now say the whole sentence: "+c.englishSentence)
	}
	// Without a target sentence the tutor sends the next step; the
	// word_by_word recovery budget covers the wait.
}

func (c *Controller) handleFeedbackLocked(msg protocol.ServerMessage) {
	text := msg.Text()
	if text == "" {
		text = "Good effort! Let's continue."
	}
	c.feedback = text
	if !c.uploadedAt.IsZero() {
		elapsed := time.Since(c.uploadedAt)
		c.deps.Stages.Observe(observability.StageUploadToFeedback, elapsed)
		if c.deps.Metrics != nil {
			c.deps.Metrics.ObserveExerciseDuration(elapsed)
		}
	}
	c.transitionLocked(StateFeedback, text)
	c.afterLocked(c.cfg.Timings.FeedbackDisplay, func() {
		c.sendAckLocked(protocol.AckFeedbackComplete)
		c.persistAttemptLocked()
		c.afterLocked(c.cfg.Timings.FeedbackSettle, func() {
			c.clearExerciseLocked()
			c.transitionLocked(StateWaiting, "Ready for the next sentence.")
		})
	})
}

func (c *Controller) persistAttemptLocked() {
	if c.deps.Store == nil {
		return
	}
	transcription, redacted1 := policy.RedactPII(c.transcription)
	feedback, redacted2 := policy.RedactPII(c.feedback)
	record := history.AttemptRecord{
		SessionID:      c.session,
		LanguageMode:   c.cfg.LanguageMode,
		Transcription:  transcription,
		TargetSentence: c.englishSentence,
		TargetUrdu:     c.urduSentence,
		Feedback:       feedback,
		PIIRedacted:    redacted1 || redacted2,
	}
	store := c.deps.Store
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveAttempt(ctx, record); err != nil {
			c.log.Warn().Err(err).Msg("persist attempt failed")
		}
	}()
}

func (c *Controller) sendAckLocked(ackType string) {
	sender := c.deps.Sender
	if sender == nil || !sender.IsReady() {
		c.deps.Stages.ObserveIndicator("dropped_ack")
		c.log.Warn().Str("ack", ackType).Msg("socket not open, dropping ack")
		return
	}
	if !sender.Send(protocol.NewCompletionAck(ackType, c.cfg.LanguageMode)) {
		c.deps.Stages.ObserveIndicator("dropped_ack")
		c.log.Warn().Str("ack", ackType).Msg("ack send failed")
	}
}

// HandleAudio plays a binary tutor frame and returns to waiting when done.
func (c *Controller) HandleAudio(data []byte) {
	c.mu.Lock()
	if c.closed || c.deps.Player == nil {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateSpeaking, "")
	gen := c.gen
	ctx := c.newPlayCtxLocked()
	c.mu.Unlock()

	go func() {
		started := time.Now()
		pcm, _, err := audio.DecodeWAVPCM16LE(data, 0)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad audio frame")
			pcm = nil
		}
		if len(pcm) > 0 {
			if err := c.deps.Player.Play(ctx, pcm); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("playback failed")
			}
		}
		c.deps.Stages.Observe(observability.StageSpeakingPlayback, time.Since(started))

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.gen {
			return
		}
		c.transitionLocked(StateWaiting, "")
	}()
}

// Snapshot returns the current conversation view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	recording := false
	if c.deps.Recorder != nil {
		recording = c.deps.Recorder.Recording()
	}
	return Snapshot{
		SessionID:       c.session,
		State:           c.state,
		Message:         c.statusMessage,
		LanguageMode:    c.cfg.LanguageMode,
		Recording:       recording,
		Transcription:   c.transcription,
		Words:           append([]string(nil), c.words...),
		WordIndex:       c.wordIndex,
		EnglishSentence: c.englishSentence,
		UrduSentence:    c.urduSentence,
		Feedback:        c.feedback,
	}
}

// Close stops timers and playback; the controller accepts no more events.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.recoveryTimer != nil {
		c.recoveryTimer.Stop()
		c.recoveryTimer = nil
	}
	c.stopPlaybackLocked()
	recorder := c.deps.Recorder
	c.mu.Unlock()

	c.cancel()
	if recorder != nil && recorder.Recording() {
		if _, err := recorder.Stop(); err != nil {
			c.log.Debug().Err(err).Msg("recorder stop on close")
		}
	}
}
