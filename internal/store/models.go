// Package store persists users, sessions, transcript chunks, full transcripts,
// and summaries in SQLite.
package store

import "time"

// Session status values. PAUSED is a reachable value reserved for future use;
// no transition into or out of it is wired.
const (
	StatusRecording  = "RECORDING"
	StatusPaused     = "PAUSED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
)

// PlaceholderText marks a chunk whose transcription has not completed yet.
const PlaceholderText = "Transcribing…"

type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

type Session struct {
	ID        string
	UserID    string
	Title     string
	Status    string
	StartTime time.Time
	EndTime   *time.Time
}

type TranscriptChunk struct {
	ID        string
	SessionID string
	Sequence  int64
	Text      string
	Recorder  string
	CreatedAt time.Time
}

type FullTranscript struct {
	ID        string
	SessionID string
	Text      string
	CreatedAt time.Time
}

type Summary struct {
	ID        string
	SessionID string
	Text      string
	CreatedAt time.Time
}
