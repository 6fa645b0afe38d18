package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Step identifies tutor message variants by their step discriminant.
type Step string

const (
	StepYouSaidAudio      Step = "you_said_audio"
	StepRepeatPrompt      Step = "repeat_prompt"
	StepWordByWord        Step = "word_by_word"
	StepFullSentenceAudio Step = "full_sentence_audio"
	StepFeedback          Step = "feedback_step"
	StepNoSpeech          Step = "no_speech"
	StepAwaitNext         Step = "await_next"
	StepRetry             Step = "retry"
	StepEnglishEdgeCase   Step = "english_input_edge_case"
)

// Kind is the classified variant of a tutor message after discriminant
// mapping or structural sniffing.
type Kind string

const (
	KindYouSaid      Kind = "you_said"
	KindWordByWord   Kind = "word_by_word"
	KindFullSentence Kind = "full_sentence"
	KindFeedback     Kind = "feedback"
	KindNoSpeech     Kind = "no_speech"
	KindAwaitNext    Kind = "await_next"
	KindRetry        Kind = "retry"
	KindEnglishEdge  Kind = "english_edge_case"
	KindUnrecognized Kind = "unrecognized"
)

// ServerMessage is a tutor payload normalized into a single shape.
// Sniffed marks messages classified by structure rather than by an
// explicit step discriminant.
type ServerMessage struct {
	Kind            Kind
	Step            Step
	Response        string
	Words           []string
	EnglishSentence string
	UrduSentence    string
	Feedback        string
	Status          string
	Err             string
	Sniffed         bool
}

// Text returns the best display text carried by the message.
func (m ServerMessage) Text() string {
	for _, s := range []string{m.Feedback, m.Response, m.Status, m.Err} {
		if s != "" {
			return s
		}
	}
	return ""
}

type serverPayload struct {
	Step            Step            `json:"step"`
	Response        json.RawMessage `json:"response"`
	Words           []string        `json:"words"`
	EnglishSentence string          `json:"english_sentence"`
	UrduSentence    string          `json:"urdu_sentence"`
	Feedback        json.RawMessage `json:"feedback"`
	Message         string          `json:"message"`
	Status          string          `json:"status"`
	Error           string          `json:"error"`
}

func asString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Some tutor builds nest the text one level down.
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"text", "message", "transcription"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return ""
}

// Classify parses a tutor text frame into a ServerMessage. Messages with a
// known step discriminant map directly; messages without one fall back to
// structural sniffing in priority order. Unrecognized payloads classify as
// KindUnrecognized rather than erroring so a malformed tutor message never
// stalls the conversation.
func Classify(raw []byte) (ServerMessage, error) {
	var p serverPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ServerMessage{}, fmt.Errorf("invalid tutor payload: %w", err)
	}

	msg := ServerMessage{
		Step:            p.Step,
		Response:        asString(p.Response),
		Words:           p.Words,
		EnglishSentence: p.EnglishSentence,
		UrduSentence:    p.UrduSentence,
		Feedback:        asString(p.Feedback),
		Status:          p.Status,
		Err:             p.Error,
	}
	if msg.Feedback == "" {
		msg.Feedback = p.Message
	}

	switch p.Step {
	case StepYouSaidAudio:
		msg.Kind = KindYouSaid
		return msg, nil
	case StepRepeatPrompt, StepWordByWord:
		msg.Kind = KindWordByWord
		return msg, nil
	case StepFullSentenceAudio:
		msg.Kind = KindFullSentence
		return msg, nil
	case StepFeedback:
		msg.Kind = KindFeedback
		return msg, nil
	case StepNoSpeech:
		msg.Kind = KindNoSpeech
		return msg, nil
	case StepAwaitNext:
		msg.Kind = KindAwaitNext
		return msg, nil
	case StepRetry:
		msg.Kind = KindRetry
		return msg, nil
	case StepEnglishEdgeCase:
		msg.Kind = KindEnglishEdge
		return msg, nil
	}

	msg.Sniffed = true
	switch {
	case msg.Response != "" && len(msg.Words) == 0:
		msg.Kind = KindYouSaid
	case len(msg.Words) > 0:
		msg.Kind = KindWordByWord
	case msg.EnglishSentence != "":
		msg.Kind = KindFullSentence
	case msg.Feedback != "":
		msg.Kind = KindFeedback
	case mentionsNoSpeech(p.Status) || mentionsNoSpeech(p.Error):
		msg.Kind = KindNoSpeech
	default:
		msg.Kind = KindUnrecognized
	}
	return msg, nil
}

func mentionsNoSpeech(s string) bool {
	return strings.Contains(strings.ToLower(s), "no speech")
}

// UtteranceUpload is the outbound frame carrying a recorded utterance.
type UtteranceUpload struct {
	AudioBase64  string `json:"audio_base64"`
	Filename     string `json:"filename"`
	LanguageMode string `json:"language_mode"`
}

// Ack types confirm that a tutoring stage finished playing on the client.
const (
	AckYouSaidComplete    = "you_said_complete"
	AckWordByWordComplete = "word_by_word_complete"
	AckFeedbackComplete   = "feedback_complete"
)

// CompletionAck tells the tutor the client finished presenting a stage.
type CompletionAck struct {
	Type         string `json:"type"`
	LanguageMode string `json:"language_mode"`
	Timestamp    int64  `json:"timestamp"`
}

// NewCompletionAck stamps an ack with the current wall clock in
// milliseconds.
func NewCompletionAck(ackType, languageMode string) CompletionAck {
	return CompletionAck{
		Type:         ackType,
		LanguageMode: languageMode,
		Timestamp:    time.Now().UnixMilli(),
	}
}
