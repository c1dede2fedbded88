// Package completion decides when a stopped session has all of its chunks
// transcribed, assembles the full transcript exactly once, and generates the
// summary exactly once.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sessionscribe/internal/store"
)

// ErrNoTranscript is returned when the candidate chunk set is empty or yields
// no text after trimming.
var ErrNoTranscript = errors.New("no transcript chunks found")

type State int

const (
	// StateCompleted means this call assembled the transcript and created the summary.
	StateCompleted State = iota
	// StateAlreadyComplete means a summary already existed; nothing was regenerated.
	StateAlreadyComplete
	// StateNotReady means at least one chunk in range still holds placeholder text.
	StateNotReady
)

type Result struct {
	State          State
	Summary        string
	FullTranscript string
	TotalChunks    int
	ReadyChunks    int
}

type StatusSnapshot struct {
	SessionID         string
	Status            string
	HasFullTranscript bool
	HasSummary        bool
	TotalChunks       int
	ReadyChunks       int
	Summary           string
	FullTranscript    string
}

type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

type Option func(*Detector)

// WithTriggerTimeout bounds each auto-triggered completion attempt.
func WithTriggerTimeout(d time.Duration) Option {
	return func(det *Detector) { det.triggerTimeout = d }
}

// WithSummaryObserver registers a callback invoked when a summary row is created.
func WithSummaryObserver(fn func()) Option {
	return func(det *Detector) { det.onSummary = fn }
}

type Detector struct {
	store      *store.Store
	summarizer Summarizer
	boundaries *Boundaries
	logger     *slog.Logger

	group          singleflight.Group
	tasks          sync.WaitGroup
	baseCtx        context.Context
	cancel         context.CancelFunc
	triggerTimeout time.Duration
	onSummary      func()
}

func New(st *store.Store, summarizer Summarizer, boundaries *Boundaries, logger *slog.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		store:          st,
		summarizer:     summarizer,
		boundaries:     boundaries,
		logger:         logger,
		baseCtx:        ctx,
		cancel:         cancel,
		triggerTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// TryComplete evaluates whether the session can be completed and, if so,
// performs the one-shot transcript assembly and summarization. It is safe to
// call any number of times and from any number of goroutines: concurrent calls
// for the same session collapse onto one in-flight attempt, and the store's
// unique constraints resolve races with other writers.
func (d *Detector) TryComplete(ctx context.Context, sessionID string) (Result, error) {
	v, err, _ := d.group.Do(sessionID, func() (any, error) {
		return d.tryComplete(ctx, sessionID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (d *Detector) tryComplete(ctx context.Context, sessionID string) (Result, error) {
	// Idempotent fast path: an existing summary is the authoritative "done" signal.
	if sum, err := d.store.Summary(ctx, sessionID); err == nil {
		res := Result{State: StateAlreadyComplete, Summary: sum.Text}
		if ft, ftErr := d.store.FullTranscript(ctx, sessionID); ftErr == nil {
			res.FullTranscript = ft.Text
		}
		return res, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	ft, err := d.store.FullTranscript(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		var notReady *Result
		ft, notReady, err = d.assembleTranscript(ctx, sessionID)
		if err != nil {
			return Result{}, err
		}
		if notReady != nil {
			return *notReady, nil
		}
	} else if err != nil {
		return Result{}, err
	}

	summaryText, err := d.summarizer.Summarize(ctx, ft.Text)
	if err != nil {
		return Result{}, fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	sum, err := d.store.CreateSummary(ctx, sessionID, summaryText)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Another writer finished first; its summary wins.
		sum, err = d.store.Summary(ctx, sessionID)
	} else if err == nil && d.onSummary != nil {
		d.onSummary()
	}
	if err != nil {
		return Result{}, err
	}

	if err := d.store.SetSessionStatus(ctx, sessionID, store.StatusCompleted); err != nil {
		// The summary row exists, so the session is done; the next status read
		// will still short-circuit. Surface the inconsistency in the log only.
		d.logger.Warn("failed to mark session completed", "session_id", sessionID, "error", err)
	}
	d.boundaries.Delete(sessionID)

	return Result{State: StateCompleted, Summary: sum.Text, FullTranscript: ft.Text}, nil
}

// assembleTranscript builds and persists the full transcript. The third return
// is non-nil when chunks are still transcribing, in which case nothing is created.
func (d *Detector) assembleTranscript(ctx context.Context, sessionID string) (store.FullTranscript, *Result, error) {
	boundary, bounded := d.boundaries.Get(sessionID)
	chunks, err := d.store.ChunksUpTo(ctx, sessionID, boundary, bounded)
	if err != nil {
		return store.FullTranscript{}, nil, err
	}
	if len(chunks) == 0 {
		return store.FullTranscript{}, nil, ErrNoTranscript
	}

	ready := 0
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Text == store.PlaceholderText {
			continue
		}
		ready++
		if text := strings.TrimSpace(c.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if ready < len(chunks) {
		return store.FullTranscript{}, &Result{
			State:       StateNotReady,
			TotalChunks: len(chunks),
			ReadyChunks: ready,
		}, nil
	}

	text := strings.Join(parts, " ")
	if text == "" {
		return store.FullTranscript{}, nil, ErrNoTranscript
	}

	ft, err := d.store.CreateFullTranscript(ctx, sessionID, text)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost the race; use the winner's transcript.
		ft, err = d.store.FullTranscript(ctx, sessionID)
	}
	if err != nil {
		return store.FullTranscript{}, nil, err
	}
	return ft, nil, nil
}

// ChunkTranscribed is called by the ingestion coordinator after a chunk's text
// is persisted. When the chunk reaches the recorded boundary of a PROCESSING
// session, a completion attempt is spawned detached from the caller so a slow
// summarization never blocks the triggering chunk's response.
func (d *Detector) ChunkTranscribed(sessionID string, seq int64) {
	boundary, ok := d.boundaries.Get(sessionID)
	if !ok || seq < boundary {
		return
	}

	d.tasks.Add(1)
	go func() {
		defer d.tasks.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("completion trigger panicked", "session_id", sessionID, "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(d.baseCtx, d.triggerTimeout)
		defer cancel()

		sess, err := d.store.Session(ctx, sessionID)
		if err != nil || sess.Status != store.StatusProcessing {
			return
		}
		if _, err := d.store.FullTranscript(ctx, sessionID); err == nil {
			return
		}

		res, err := d.TryComplete(ctx, sessionID)
		switch {
		case errors.Is(err, ErrNoTranscript):
			d.logger.Info("auto completion found no transcript", "session_id", sessionID)
		case err != nil:
			d.logger.Error("auto completion failed", "session_id", sessionID, "error", err)
		case res.State == StateNotReady:
			d.logger.Debug("auto completion not ready",
				"session_id", sessionID,
				"total_chunks", res.TotalChunks,
				"ready_chunks", res.ReadyChunks,
			)
		default:
			d.logger.Info("session completed", "session_id", sessionID)
		}
	}()
}

// Status reports a snapshot for the polling endpoint.
func (d *Detector) Status(ctx context.Context, sessionID string) (StatusSnapshot, error) {
	sess, err := d.store.Session(ctx, sessionID)
	if err != nil {
		return StatusSnapshot{}, err
	}

	total, ready, err := d.store.ChunkCounts(ctx, sessionID)
	if err != nil {
		return StatusSnapshot{}, err
	}

	snap := StatusSnapshot{
		SessionID:   sess.ID,
		Status:      sess.Status,
		TotalChunks: total,
		ReadyChunks: ready,
	}
	if ft, err := d.store.FullTranscript(ctx, sessionID); err == nil {
		snap.HasFullTranscript = true
		snap.FullTranscript = ft.Text
	} else if !errors.Is(err, store.ErrNotFound) {
		return StatusSnapshot{}, err
	}
	if sum, err := d.store.Summary(ctx, sessionID); err == nil {
		snap.HasSummary = true
		snap.Summary = sum.Text
	} else if !errors.Is(err, store.ErrNotFound) {
		return StatusSnapshot{}, err
	}
	return snap, nil
}

// Shutdown waits for in-flight auto-triggered completions, cancelling them if
// ctx expires first.
func (d *Detector) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
