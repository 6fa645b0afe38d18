// Package history persists finished pronunciation exercises so a learner's
// progress survives restarts.
package history

import (
	"context"
	"time"
)

// AttemptRecord stores one completed exercise round.
type AttemptRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	LanguageMode   string    `json:"language_mode"`
	Transcription  string    `json:"transcription"`
	TargetSentence string    `json:"target_sentence"`
	TargetUrdu     string    `json:"target_urdu,omitempty"`
	Feedback       string    `json:"feedback"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves exercise attempts.
type Store interface {
	SaveAttempt(ctx context.Context, record AttemptRecord) error
	RecentAttempts(ctx context.Context, sessionID string, limit int) ([]AttemptRecord, error)
	Close() error
}
