package session

import "time"

// State is one phase of the tutoring conversation loop.
type State string

const (
	StateWaiting      State = "waiting"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StatePlayingIntro State = "playing_intro"
	StateWordByWord   State = "word_by_word"
	StateYouSaid      State = "you_said"
	StateFullSentence State = "full_sentence"
	StateFeedback     State = "feedback"
	StateNoSpeech     State = "no_speech"
)

// Timings bounds every timed behavior of the controller. Recovery budgets
// are the maximum time a state may hold before the conversation is forced
// back to waiting; display durations pace the presentation of results.
type Timings struct {
	ProcessingRecovery   time.Duration
	YouSaidRecovery      time.Duration
	WordByWordRecovery   time.Duration
	FullSentenceRecovery time.Duration
	FeedbackRecovery     time.Duration
	PlayingIntroRecovery time.Duration
	SpeakingRecovery     time.Duration

	ProcessingTimeout time.Duration
	YouSaidDisplay    time.Duration
	FeedbackDisplay   time.Duration
	FeedbackSettle    time.Duration
	NoSpeechDisplay   time.Duration
	WordGap           time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ProcessingRecovery:   25 * time.Second,
		YouSaidRecovery:      8 * time.Second,
		WordByWordRecovery:   30 * time.Second,
		FullSentenceRecovery: 15 * time.Second,
		FeedbackRecovery:     12 * time.Second,
		PlayingIntroRecovery: 20 * time.Second,
		SpeakingRecovery:     20 * time.Second,

		ProcessingTimeout: 20 * time.Second,
		YouSaidDisplay:    3 * time.Second,
		FeedbackDisplay:   5 * time.Second,
		FeedbackSettle:    2 * time.Second,
		NoSpeechDisplay:   3 * time.Second,
		WordGap:           300 * time.Millisecond,
	}
}

func (t Timings) recoveryBudget(s State) time.Duration {
	switch s {
	case StateProcessing:
		return t.ProcessingRecovery
	case StateYouSaid:
		return t.YouSaidRecovery
	case StateWordByWord:
		return t.WordByWordRecovery
	case StateFullSentence:
		return t.FullSentenceRecovery
	case StateFeedback:
		return t.FeedbackRecovery
	case StatePlayingIntro:
		return t.PlayingIntroRecovery
	case StateSpeaking:
		return t.SpeakingRecovery
	default:
		return 0
	}
}
