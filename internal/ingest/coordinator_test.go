package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sessionscribe/internal/store"
)

type concurrencyTracker struct {
	mu        sync.Mutex
	inFlight  map[string]int
	maxSeen   map[string]int
	overlapped atomic.Bool
}

func newConcurrencyTracker() *concurrencyTracker {
	return &concurrencyTracker{inFlight: make(map[string]int), maxSeen: make(map[string]int)}
}

func (c *concurrencyTracker) enter(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[key]++
	if c.inFlight[key] > c.maxSeen[key] {
		c.maxSeen[key] = c.inFlight[key]
	}
	active := 0
	for _, n := range c.inFlight {
		if n > 0 {
			active++
		}
	}
	if active > 1 {
		c.overlapped.Store(true)
	}
}

func (c *concurrencyTracker) exit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[key]--
}

type fakeTranscriber struct {
	tracker *concurrencyTracker
	delay   time.Duration
	fn      func(audio []byte) (string, error)
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	if f.tracker != nil {
		key := string(audio[:1])
		f.tracker.enter(key)
		defer f.tracker.exit(key)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fn != nil {
		return f.fn(audio)
	}
	return "text:" + string(audio), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (r *recordingNotifier) ChunkTranscribed(sessionID string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, fmt.Sprintf("%s/%d", sessionID, seq))
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSession(t *testing.T, s *store.Store, email string) store.Session {
	t.Helper()
	ctx := context.Background()
	user, err := s.FindOrCreateUser(ctx, email, "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	sess, err := s.CreateSession(ctx, user.ID, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seqPtr(v int64) *int64 { return &v }

func TestIngestPersistsAndTranscribes(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1@example.com")
	notifier := &recordingNotifier{}
	c := New(st, &fakeTranscriber{}, notifier, silentLogger())

	res, err := c.Ingest(context.Background(), Input{
		SessionID: sess.ID,
		Audio:     []byte("a"),
		MIMEType:  "audio/wav",
		Sequence:  seqPtr(0),
		Recorder:  "mic",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Transcription != "text:a" {
		t.Fatalf("unexpected transcription: %q", res.Transcription)
	}

	chunks, err := st.ChunksUpTo(context.Background(), sess.ID, 0, false)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "text:a" {
		t.Fatalf("chunk not updated: %+v", chunks)
	}
	if chunks[0].Recorder != "mic" {
		t.Fatalf("recorder not persisted: %+v", chunks[0])
	}

	notes := notifier.all()
	if len(notes) != 1 || notes[0] != sess.ID+"/0" {
		t.Fatalf("unexpected notifications: %v", notes)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestIngestUnknownSession(t *testing.T) {
	st := newTestStore(t)
	c := New(st, &fakeTranscriber{}, &recordingNotifier{}, silentLogger())

	_, err := c.Ingest(context.Background(), Input{SessionID: "missing", Audio: []byte("a")})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestDerivesSequenceWhenOmitted(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1@example.com")
	c := New(st, &fakeTranscriber{}, &recordingNotifier{}, silentLogger())
	ctx := context.Background()

	first, err := c.Ingest(ctx, Input{SessionID: sess.ID, Audio: []byte("a")})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if first.Chunk.Sequence != 0 {
		t.Fatalf("first derived sequence = %d, want 0", first.Chunk.Sequence)
	}

	second, err := c.Ingest(ctx, Input{SessionID: sess.ID, Audio: []byte("b")})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if second.Chunk.Sequence != 1 {
		t.Fatalf("second derived sequence = %d, want 1", second.Chunk.Sequence)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestIngestSerializesPerSessionButNotAcrossSessions(t *testing.T) {
	st := newTestStore(t)
	sessA := newTestSession(t, st, "a@example.com")
	sessB := newTestSession(t, st, "b@example.com")
	tracker := newConcurrencyTracker()
	c := New(st, &fakeTranscriber{tracker: tracker, delay: 20 * time.Millisecond}, &recordingNotifier{}, silentLogger())

	// Audio payloads start with a session marker so the tracker can key on it.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for key, sess := range map[string]store.Session{"A": sessA, "B": sessB} {
			i, key, sess := i, key, sess
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Ingest(context.Background(), Input{
					SessionID: sess.ID,
					Audio:     []byte(key),
					Sequence:  seqPtr(int64(i)),
				})
				if err != nil {
					t.Errorf("Ingest(%s/%d) error = %v", key, i, err)
				}
			}()
		}
	}
	wg.Wait()

	if tracker.maxSeen["A"] > 1 || tracker.maxSeen["B"] > 1 {
		t.Fatalf("per-session calls overlapped: %v", tracker.maxSeen)
	}
	if !tracker.overlapped.Load() {
		t.Fatal("expected cross-session calls to overlap")
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestIngestFailureLeavesPlaceholderAndAdvancesQueue(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1@example.com")
	notifier := &recordingNotifier{}
	boom := errors.New("boom")
	tr := &fakeTranscriber{fn: func(audio []byte) (string, error) {
		if string(audio) == "bad" {
			return "", boom
		}
		return "ok", nil
	}}
	c := New(st, tr, notifier, silentLogger())
	ctx := context.Background()

	_, err := c.Ingest(ctx, Input{SessionID: sess.ID, Audio: []byte("bad"), Sequence: seqPtr(0)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transcription error, got %v", err)
	}

	// The queue must advance past the failed chunk.
	res, err := c.Ingest(ctx, Input{SessionID: sess.ID, Audio: []byte("good"), Sequence: seqPtr(1)})
	if err != nil {
		t.Fatalf("Ingest() after failure error = %v", err)
	}
	if res.Transcription != "ok" {
		t.Fatalf("unexpected transcription: %q", res.Transcription)
	}

	chunks, err := st.ChunksUpTo(ctx, sess.ID, 0, false)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Text != store.PlaceholderText {
		t.Fatalf("failed chunk must keep placeholder, got %q", chunks[0].Text)
	}
	if chunks[1].Text != "ok" {
		t.Fatalf("unexpected second chunk text: %q", chunks[1].Text)
	}

	notes := notifier.all()
	if len(notes) != 1 {
		t.Fatalf("failed chunks must not notify completion: %v", notes)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestIngestAfterShutdownRefused(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st, "u1@example.com")
	c := New(st, &fakeTranscriber{}, &recordingNotifier{}, silentLogger())

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	_, err := c.Ingest(context.Background(), Input{SessionID: sess.ID, Audio: []byte("a"), Sequence: seqPtr(0)})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
