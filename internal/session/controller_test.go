package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sabaq-lms/sabaq/internal/audio"
	"github.com/sabaq-lms/sabaq/internal/history"
	"github.com/sabaq-lms/sabaq/internal/protocol"
	"github.com/sabaq-lms/sabaq/internal/speech"
)

type fakeSender struct {
	mu    sync.Mutex
	ready bool
	sent  []any
}

func (s *fakeSender) Send(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return false
	}
	s.sent = append(s.sent, v)
	return true
}

func (s *fakeSender) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSender) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSender) acks() []string {
	var out []string
	for _, v := range s.messages() {
		if ack, ok := v.(protocol.CompletionAck); ok {
			out = append(out, ack.Type)
		}
	}
	return out
}

func testTimings() Timings {
	return Timings{
		ProcessingRecovery:   150 * time.Millisecond,
		YouSaidRecovery:      200 * time.Millisecond,
		WordByWordRecovery:   500 * time.Millisecond,
		FullSentenceRecovery: 300 * time.Millisecond,
		FeedbackRecovery:     400 * time.Millisecond,
		PlayingIntroRecovery: 300 * time.Millisecond,
		SpeakingRecovery:     300 * time.Millisecond,

		ProcessingTimeout: 120 * time.Millisecond,
		YouSaidDisplay:    20 * time.Millisecond,
		FeedbackDisplay:   30 * time.Millisecond,
		FeedbackSettle:    20 * time.Millisecond,
		NoSpeechDisplay:   20 * time.Millisecond,
		WordGap:           time.Millisecond,
	}
}

func newTestController(t *testing.T, deps Deps) *Controller {
	t.Helper()
	c := NewController(deps, Config{
		LanguageMode:      "english",
		MinUtteranceBytes: 1000,
		Timings:           testTimings(),
	}, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func waitForState(t *testing.T, c *Controller, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Snapshot().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.Snapshot().State, want)
}

func loudPCM(samples int) []byte {
	out := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		v := uint16(6000)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}

func testRecorder(pcm []byte) *audio.Recorder {
	return audio.NewRecorder(audio.NewFakeContext(pcm), audio.RecorderConfig{
		SampleRate:        16000,
		EncoderPreference: []string{"wav"},
	}, zerolog.Nop())
}

func TestYouSaidFlowSendsAck(t *testing.T) {
	sender := &fakeSender{ready: true}
	c := newTestController(t, Deps{Sender: sender})

	c.HandleMessage(protocol.ServerMessage{
		Kind:     protocol.KindYouSaid,
		Response: "good morning",
	})

	snap := c.Snapshot()
	if snap.State != StateYouSaid {
		t.Fatalf("state = %q, want you_said", snap.State)
	}
	if !strings.Contains(snap.Message, "good morning") {
		t.Fatalf("message = %q", snap.Message)
	}

	deadline := time.Now().Add(time.Second)
	for len(sender.acks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	acks := sender.acks()
	if len(acks) != 1 || acks[0] != protocol.AckYouSaidComplete {
		t.Fatalf("acks = %v, want [you_said_complete]", acks)
	}
}

func TestWordByWordSpeaksEachWordThenFullSentence(t *testing.T) {
	sender := &fakeSender{ready: true}
	speaker := &speech.MockSynthesizer{}
	c := newTestController(t, Deps{Sender: sender, Speaker: speaker})

	c.HandleMessage(protocol.ServerMessage{
		Kind:            protocol.KindWordByWord,
		Words:           []string{"good", "morning"},
		EnglishSentence: "Good morning.",
	})
	waitForState(t, c, StateFullSentence, time.Second)

	spoken := speaker.Spoken()
	if len(spoken) != 2 || spoken[0] != "good" || spoken[1] != "morning" {
		t.Fatalf("spoken = %v", spoken)
	}

	acks := sender.acks()
	if len(acks) != 1 || acks[0] != protocol.AckWordByWordComplete {
		t.Fatalf("acks = %v, want [word_by_word_complete]", acks)
	}
	if got := c.Snapshot().Message; !strings.Contains(got, "Good morning.") {
		t.Fatalf("message = %q", got)
	}
}

func TestFeedbackPersistsAttemptAndReturnsToWaiting(t *testing.T) {
	sender := &fakeSender{ready: true}
	store := history.NewInMemoryStore()
	c := newTestController(t, Deps{Sender: sender, Store: store})

	c.HandleMessage(protocol.ServerMessage{
		Kind:     protocol.KindYouSaid,
		Response: "i like apples",
	})
	c.HandleMessage(protocol.ServerMessage{
		Kind:     protocol.KindFeedback,
		Feedback: "Great job!",
	})
	if c.Snapshot().State != StateFeedback {
		t.Fatalf("state = %q, want feedback", c.Snapshot().State)
	}

	waitForState(t, c, StateWaiting, time.Second)

	deadline := time.Now().Add(time.Second)
	var attempts []history.AttemptRecord
	for time.Now().Before(deadline) {
		attempts, _ = store.RecentAttempts(context.Background(), c.SessionID(), 10)
		if len(attempts) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].Transcription != "i like apples" || attempts[0].Feedback != "Great job!" {
		t.Fatalf("attempt = %+v", attempts[0])
	}

	found := false
	for _, ack := range sender.acks() {
		if ack == protocol.AckFeedbackComplete {
			found = true
		}
	}
	if !found {
		t.Fatalf("acks = %v, want feedback_complete present", sender.acks())
	}

	snap := c.Snapshot()
	if snap.Transcription != "" || snap.Feedback != "" {
		t.Fatalf("scratch not cleared: %+v", snap)
	}
}

func TestRecoveryForcesWaitingOnce(t *testing.T) {
	sender := &fakeSender{ready: true}
	c := newTestController(t, Deps{
		Sender:   sender,
		Recorder: testRecorder(loudPCM(4096)),
	})

	if err := c.StartRecording(); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := c.StopRecording(); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if c.Snapshot().State != StateProcessing {
		t.Fatalf("state = %q, want processing", c.Snapshot().State)
	}

	// No tutor reply: the processing timeout then recovery path must land
	// back in waiting and stay there.
	waitForState(t, c, StateWaiting, time.Second)
	time.Sleep(200 * time.Millisecond)
	if got := c.Snapshot().State; got != StateWaiting {
		t.Fatalf("state = %q after recovery, want waiting", got)
	}
}

func TestRecoveryTimerDoesNotFireAfterTransition(t *testing.T) {
	sender := &fakeSender{ready: true}
	timings := testTimings()
	timings.FeedbackDisplay = 2 * time.Second
	timings.FeedbackRecovery = 3 * time.Second
	c := NewController(Deps{Sender: sender}, Config{
		LanguageMode:      "english",
		MinUtteranceBytes: 1000,
		Timings:           timings,
	}, zerolog.Nop())
	defer c.Close()

	c.HandleMessage(protocol.ServerMessage{Kind: protocol.KindYouSaid, Response: "hello"})
	// Move on before the you_said recovery budget (200ms) elapses.
	time.Sleep(50 * time.Millisecond)
	c.HandleMessage(protocol.ServerMessage{Kind: protocol.KindFeedback, Feedback: "Nice"})

	// Past the original you_said recovery deadline the state must still be
	// feedback; the stale timer is a no-op.
	time.Sleep(300 * time.Millisecond)
	if got := c.Snapshot().State; got != StateFeedback {
		t.Fatalf("state = %q, want feedback", got)
	}
}

func TestShortUtteranceRejected(t *testing.T) {
	sender := &fakeSender{ready: true}
	c := newTestController(t, Deps{
		Sender:   sender,
		Recorder: testRecorder(loudPCM(100)),
	})

	if err := c.StartRecording(); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	err := c.StopRecording()
	if !errors.Is(err, ErrUtteranceTooShort) {
		t.Fatalf("StopRecording() error = %v, want ErrUtteranceTooShort", err)
	}
	if got := c.Snapshot().State; got != StateWaiting {
		t.Fatalf("state = %q, want waiting", got)
	}
	if len(sender.messages()) != 0 {
		t.Fatalf("messages = %v, want none", sender.messages())
	}
}

func TestUploadShape(t *testing.T) {
	sender := &fakeSender{ready: true}
	c := newTestController(t, Deps{
		Sender:   sender,
		Recorder: testRecorder(loudPCM(4096)),
	})

	if err := c.StartRecording(); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := c.StopRecording(); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	upload, ok := msgs[0].(protocol.UtteranceUpload)
	if !ok {
		t.Fatalf("message type = %T, want UtteranceUpload", msgs[0])
	}
	if upload.LanguageMode != "english" {
		t.Fatalf("language_mode = %q", upload.LanguageMode)
	}
	if !strings.HasSuffix(upload.Filename, ".wav") || !strings.HasPrefix(upload.Filename, "utterance-") {
		t.Fatalf("filename = %q", upload.Filename)
	}
	data, err := base64.StdEncoding.DecodeString(upload.AudioBase64)
	if err != nil {
		t.Fatalf("audio_base64 decode error = %v", err)
	}
	if len(data) < 1000 {
		t.Fatalf("decoded payload = %d bytes, want >= 1000", len(data))
	}
}

func TestNoSpeechFlow(t *testing.T) {
	c := newTestController(t, Deps{Sender: &fakeSender{ready: true}})

	c.HandleMessage(protocol.ServerMessage{Kind: protocol.KindNoSpeech})
	if got := c.Snapshot().State; got != StateNoSpeech {
		t.Fatalf("state = %q, want no_speech", got)
	}
	waitForState(t, c, StateWaiting, time.Second)
}

func TestHandleAudioPlaysThenWaits(t *testing.T) {
	fakeCtx := audio.NewFakeContext(nil)
	player, err := fakeCtx.NewPlayback(audio.DeviceConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("NewPlayback() error = %v", err)
	}
	c := newTestController(t, Deps{Sender: &fakeSender{ready: true}, Player: player})

	pcm := loudPCM(512)
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	c.HandleAudio(wav)
	waitForState(t, c, StateWaiting, time.Second)

	played := fakeCtx.Played()
	if len(played) != 1 {
		t.Fatalf("played = %d buffers, want 1", len(played))
	}
	if len(played[0]) != len(pcm) {
		t.Fatalf("played %d bytes, want %d (header stripped)", len(played[0]), len(pcm))
	}
}

func TestUnrecognizedMessageBecomesGenericFeedback(t *testing.T) {
	c := newTestController(t, Deps{Sender: &fakeSender{ready: true}})

	c.HandleMessage(protocol.ServerMessage{Kind: protocol.KindUnrecognized, Sniffed: true})
	snap := c.Snapshot()
	if snap.State != StateFeedback {
		t.Fatalf("state = %q, want feedback", snap.State)
	}
	if snap.Feedback == "" {
		t.Fatal("feedback empty, want canned text")
	}
}

func TestDisconnectReturnsToWaiting(t *testing.T) {
	c := newTestController(t, Deps{Sender: &fakeSender{ready: true}})

	c.HandleMessage(protocol.ServerMessage{Kind: protocol.KindYouSaid, Response: "hi"})
	c.HandleDisconnected(errors.New("socket dropped"))

	snap := c.Snapshot()
	if snap.State != StateWaiting {
		t.Fatalf("state = %q, want waiting", snap.State)
	}
	if snap.Transcription != "" {
		t.Fatal("scratch not cleared on disconnect")
	}
}

func TestIntroPlaysOnceOnConnect(t *testing.T) {
	speaker := &speech.MockSynthesizer{}
	c := newTestController(t, Deps{Sender: &fakeSender{ready: true}, Speaker: speaker})

	c.HandleConnected()
	waitForState(t, c, StateWaiting, time.Second)
	if len(speaker.Spoken()) != 1 {
		t.Fatalf("intro spoken %d times, want 1", len(speaker.Spoken()))
	}

	c.HandleConnected()
	if got := c.Snapshot().State; got != StateWaiting {
		t.Fatalf("state = %q, want waiting on reconnect", got)
	}
	if len(speaker.Spoken()) != 1 {
		t.Fatalf("intro spoken %d times after reconnect, want 1", len(speaker.Spoken()))
	}
}
