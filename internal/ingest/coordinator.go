// Package ingest accepts audio chunks and serializes their transcription
// per session: one upstream call in flight per session, strict FIFO in
// submission order, full concurrency across sessions.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"sessionscribe/internal/store"
)

// ErrShuttingDown is returned for chunks arriving after shutdown began.
var ErrShuttingDown = errors.New("ingest coordinator is shutting down")

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Notifier is told about every successfully transcribed chunk so completion
// detection can run.
type Notifier interface {
	ChunkTranscribed(sessionID string, seq int64)
}

type MetricsObserver interface {
	IncChunkTranscribed()
	IncChunkFailed()
	SetActiveSessionQueues(n int)
}

type Input struct {
	SessionID string
	Audio     []byte
	MIMEType  string
	// Sequence is the caller-supplied per-session ordering value; when nil the
	// next value after the current maximum is assigned.
	Sequence *int64
	Recorder string
}

type Result struct {
	Chunk         store.TranscriptChunk
	Transcription string
}

type Option func(*Coordinator)

func WithMetrics(m MetricsObserver) Option {
	return func(c *Coordinator) { c.metrics = m }
}

type task struct {
	chunkID   string
	sessionID string
	seq       int64
	audio     []byte
	mimeType  string
	done      chan taskResult
}

type taskResult struct {
	text string
	err  error
}

type sessionQueue struct {
	tasks []*task // guarded by Coordinator.mu
}

type Coordinator struct {
	store       *store.Store
	transcriber Transcriber
	notifier    Notifier
	logger      *slog.Logger
	metrics     MetricsObserver

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool
	wg     sync.WaitGroup
}

func New(st *store.Store, transcriber Transcriber, notifier Notifier, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:       st,
		transcriber: transcriber,
		notifier:    notifier,
		logger:      logger,
		baseCtx:     ctx,
		cancel:      cancel,
		queues:      make(map[string]*sessionQueue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Ingest persists a placeholder chunk immediately, queues the transcription
// call behind any earlier chunks of the same session, and blocks until the
// call finishes. The chunk row keeps its placeholder text if transcription
// ultimately fails; the queue advances regardless.
func (c *Coordinator) Ingest(ctx context.Context, in Input) (Result, error) {
	if _, err := c.store.Session(ctx, in.SessionID); err != nil {
		return Result{}, err
	}

	seq, err := c.resolveSequence(ctx, in)
	if err != nil {
		return Result{}, err
	}

	chunk, err := c.store.CreateChunk(ctx, in.SessionID, seq, in.Recorder)
	if err != nil {
		return Result{}, err
	}

	t := &task{
		chunkID:   chunk.ID,
		sessionID: in.SessionID,
		seq:       seq,
		audio:     in.Audio,
		mimeType:  in.MIMEType,
		done:      make(chan taskResult, 1),
	}
	if err := c.enqueue(in.SessionID, t); err != nil {
		return Result{}, err
	}

	select {
	case <-ctx.Done():
		// The queued work still runs to completion against the base context;
		// only the caller gives up waiting.
		return Result{}, ctx.Err()
	case res := <-t.done:
		if res.err != nil {
			return Result{}, res.err
		}
		chunk.Text = res.text
		return Result{Chunk: chunk, Transcription: res.text}, nil
	}
}

func (c *Coordinator) resolveSequence(ctx context.Context, in Input) (int64, error) {
	if in.Sequence != nil {
		return *in.Sequence, nil
	}
	total, _, err := c.store.ChunkCounts(ctx, in.SessionID)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	max, err := c.store.MaxChunkSequence(ctx, in.SessionID)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (c *Coordinator) enqueue(sessionID string, t *task) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	q := c.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		c.queues[sessionID] = q
		c.wg.Add(1)
		go c.runQueue(sessionID, q)
	}
	q.tasks = append(q.tasks, t)
	active := len(c.queues)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetActiveSessionQueues(active)
	}
	return nil
}

// runQueue is the lazily created worker for one session key. It drains the
// queue in FIFO order and removes itself from the map once idle.
func (c *Coordinator) runQueue(sessionID string, q *sessionQueue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.tasks) == 0 {
			delete(c.queues, sessionID)
			active := len(c.queues)
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.SetActiveSessionQueues(active)
			}
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		c.mu.Unlock()

		c.process(t)
	}
}

func (c *Coordinator) process(t *task) {
	text, err := c.transcriber.Transcribe(c.baseCtx, t.audio, t.mimeType)
	if err != nil {
		c.logger.Error("chunk transcription failed",
			"session_id", t.sessionID,
			"chunk_id", t.chunkID,
			"seq", t.seq,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.IncChunkFailed()
		}
		t.done <- taskResult{err: err}
		return
	}

	if err := c.store.UpdateChunkText(c.baseCtx, t.chunkID, text); err != nil {
		c.logger.Error("chunk text update failed",
			"session_id", t.sessionID,
			"chunk_id", t.chunkID,
			"error", err,
		)
		t.done <- taskResult{err: err}
		return
	}

	if c.metrics != nil {
		c.metrics.IncChunkTranscribed()
	}
	t.done <- taskResult{text: text}

	if c.notifier != nil {
		c.notifier.ChunkTranscribed(t.sessionID, t.seq)
	}
}

// Shutdown stops accepting new chunks and waits for queued work to drain.
// If ctx expires first, in-flight upstream calls are cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
