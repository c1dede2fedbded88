package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sessionscribe/internal/completion"
	"sessionscribe/internal/config"
	"sessionscribe/internal/ingest"
	"sessionscribe/internal/model"
	"sessionscribe/internal/session"
	"sessionscribe/internal/store"
	"sessionscribe/internal/upstream/openai"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type UserDirectory interface {
	FindOrCreateUser(ctx context.Context, email, name string) (store.User, error)
}

type SessionService interface {
	Start(ctx context.Context, userID, title string) (store.Session, error)
	Stop(ctx context.Context, sessionID string, lastSequence *int64) (store.Session, int64, error)
}

type ChunkIngestor interface {
	Ingest(ctx context.Context, in ingest.Input) (ingest.Result, error)
}

type Completer interface {
	TryComplete(ctx context.Context, sessionID string) (completion.Result, error)
	Status(ctx context.Context, sessionID string) (completion.StatusSnapshot, error)
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Users          UserDirectory
	Sessions       SessionService
	Ingestor       ChunkIngestor
	Completer      Completer
	Upstream       UpstreamChecker
	Store          StorePinger
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	users        UserDirectory
	sessions     SessionService
	ingestor     ChunkIngestor
	completer    Completer
	upstream     UpstreamChecker
	db           StorePinger
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	maxJSONBodyBytes = 1 << 20
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Users == nil || deps.Sessions == nil || deps.Ingestor == nil || deps.Completer == nil || deps.Upstream == nil || deps.Store == nil {
		panic("httpapi: all dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		users:        deps.Users,
		sessions:     deps.Sessions,
		ingestor:     deps.Ingestor,
		completer:    deps.Completer,
		upstream:     deps.Upstream,
		db:           deps.Store,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Post("/auth/mock-login", s.handleMockLogin)
	r.Post("/session/start", s.handleSessionStart)
	r.Post("/session/stop", s.handleSessionStop)
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/session/summary", s.handleSessionSummary)
	r.Get("/session/summary", s.handleSessionStatus)

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, model.HealthResponse{OK: false, Detail: "store unavailable"})
		return
	}
	if err := s.upstream.CheckModels(ctx); err != nil {
		detail := "upstream unavailable"
		if errors.Is(err, openai.ErrMissingAPIKey) {
			detail = "upstream API key is not configured"
		}
		writeJSON(w, http.StatusServiceUnavailable, model.HealthResponse{OK: false, Detail: detail})
		return
	}
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true, Detail: "ok"})
}

func (s *server) handleMockLogin(w http.ResponseWriter, r *http.Request) {
	var req model.MockLoginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "email is required", nil)
		return
	}

	user, err := s.users.FindOrCreateUser(r.Context(), email, "")
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MockLoginResponse{UserID: user.ID})
}

func (s *server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "userId is required", nil)
		return
	}

	sess, err := s.sessions.Start(r.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.Title))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StartSessionResponse{SessionID: sess.ID, CreatedAt: sess.StartTime})
}

func (s *server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	var req model.StopSessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "sessionId is required", nil)
		return
	}

	sess, lastSeq, err := s.sessions.Stop(r.Context(), strings.TrimSpace(req.SessionID), req.LastSequence)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.StopSessionResponse{
		SessionID:    sess.ID,
		Status:       sess.Status,
		LastChunkSeq: lastSeq,
	})
}

func (s *server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	sessionID := strings.TrimSpace(r.FormValue("sessionId"))
	if sessionID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "sessionId is required", nil)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'audio' is required", nil)
		return
	}
	defer func() { _ = file.Close() }()

	audio, err := io.ReadAll(file)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if len(audio) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "audio must not be empty", nil)
		return
	}

	var seq *int64
	if raw := strings.TrimSpace(r.FormValue("sequence")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value < 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "sequence must be a non-negative integer", nil)
			return
		}
		seq = &value
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	result, err := s.ingestor.Ingest(r.Context(), ingest.Input{
		SessionID: sessionID,
		Audio:     audio,
		MIMEType:  mimeType,
		Sequence:  seq,
		Recorder:  strings.TrimSpace(r.FormValue("recorder")),
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.TranscribeResponse{
		ChunkID:       result.Chunk.ID,
		Transcription: result.Transcription,
	})
}

func (s *server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	var req model.SummaryRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "sessionId is required", nil)
		return
	}

	result, err := s.completer.TryComplete(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	if result.State == completion.StateNotReady {
		writeJSON(w, http.StatusAccepted, model.SummaryNotReadyResponse{
			Status:      "processing",
			TotalChunks: result.TotalChunks,
			ReadyChunks: result.ReadyChunks,
		})
		return
	}

	writeJSON(w, http.StatusOK, model.SummaryResponse{
		Summary:        result.Summary,
		FullTranscript: result.FullTranscript,
		Cached:         result.State == completion.StateAlreadyComplete,
	})
}

func (s *server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "sessionId is required", nil)
		return
	}

	snap, err := s.completer.Status(r.Context(), sessionID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.SessionStatusResponse{
		SessionID:         snap.SessionID,
		Status:            snap.Status,
		HasFullTranscript: snap.HasFullTranscript,
		HasSummary:        snap.HasSummary,
		TotalChunks:       snap.TotalChunks,
		ReadyChunks:       snap.ReadyChunks,
		Summary:           snap.Summary,
		FullTranscript:    snap.FullTranscript,
	})
}

func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = r.Body.Close() }()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return false
	}
	if err := ensureBodyFullyConsumed(decoder); err != nil {
		s.handleJSONDecodeError(w, r, err)
		return false
	}
	return true
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) handleJSONDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "JSON body too large", nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	details := detailsForError(err)

	var upstreamErr *openai.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
		message = "resource not found"
	case errors.Is(err, completion.ErrNoTranscript):
		status = http.StatusNotFound
		code = "no_transcript"
		message = "no transcript chunks found"
	case errors.Is(err, session.ErrCompleted):
		status = http.StatusConflict
		code = "session_completed"
		message = "session is already completed"
	case errors.Is(err, ingest.ErrShuttingDown):
		status = http.StatusServiceUnavailable
		code = "shutting_down"
		message = "service is shutting down"
	case errors.Is(err, openai.ErrMissingAPIKey):
		status = http.StatusInternalServerError
		code = "configuration_error"
		message = "upstream API key is not configured"
	case errors.As(err, &upstreamErr):
		status = http.StatusBadGateway
		code = "upstream_request_failed"
		message = "upstream request failed"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		code = "canceled"
		message = "request canceled"
	}

	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func ensureBodyFullyConsumed(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("multiple JSON values")
		}
		return err
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func newRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstreamStatus"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstreamBody"] = upstreamErr.Body
		}
	}
	return details
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
