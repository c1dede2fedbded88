package model

import "time"

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"requestId,omitempty"`
}

type HealthResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type MockLoginRequest struct {
	Email string `json:"email"`
}

type MockLoginResponse struct {
	UserID string `json:"userId"`
}

type StartSessionRequest struct {
	UserID string `json:"userId"`
	Title  string `json:"title,omitempty"`
}

type StartSessionResponse struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

type StopSessionRequest struct {
	SessionID string `json:"sessionId"`
	// LastSequence overrides the derived boundary; nil means "derive from the
	// highest chunk sequence seen so far".
	LastSequence *int64 `json:"lastSequence,omitempty"`
}

type StopSessionResponse struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"`
	LastChunkSeq int64  `json:"lastChunkSeq"`
}

type TranscribeResponse struct {
	ChunkID       string `json:"chunkId"`
	Transcription string `json:"transcription"`
}

type SummaryRequest struct {
	SessionID string `json:"sessionId"`
}

type SummaryResponse struct {
	Summary        string `json:"summary"`
	FullTranscript string `json:"fullTranscript"`
	Cached         bool   `json:"cached"`
}

type SummaryNotReadyResponse struct {
	Status      string `json:"status"`
	TotalChunks int    `json:"totalChunks"`
	ReadyChunks int    `json:"readyChunks"`
}

type SessionStatusResponse struct {
	SessionID         string `json:"sessionId"`
	Status            string `json:"status"`
	HasFullTranscript bool   `json:"hasFullTranscript"`
	HasSummary        bool   `json:"hasSummary"`
	TotalChunks       int    `json:"totalChunks"`
	ReadyChunks       int    `json:"readyChunks"`
	Summary           string `json:"summary,omitempty"`
	FullTranscript    string `json:"fullTranscript,omitempty"`
}
