package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a unique constraint rejects an insert.
	// During completion it means another writer won the race.
	ErrAlreadyExists = errors.New("already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	title      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time   INTEGER
);
CREATE TABLE IF NOT EXISTS transcript_chunks (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	text       TEXT NOT NULL,
	recorder   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcript_chunks_session_seq
	ON transcript_chunks(session_id, seq);
CREATE TABLE IF NOT EXISTS full_transcripts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS summaries (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path with WAL and
// foreign keys enabled, and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindOrCreateUser returns the user with the given email, creating it on
// first login.
func (s *Store) FindOrCreateUser(ctx context.Context, email, name string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, created_at FROM users WHERE email = ?
	`, email)
	u, err := scanUser(row)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	u = User{ID: uuid.NewString(), Email: email, Name: name, CreatedAt: time.Now().UTC()}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
	`, u.ID, u.Email, u.Name, u.CreatedAt.UnixMilli())
	if err != nil {
		// Concurrent first login for the same email: read back the winner.
		if isUniqueViolation(err) {
			row := s.db.QueryRowContext(ctx, `
				SELECT id, email, name, created_at FROM users WHERE email = ?
			`, email)
			return scanUser(row)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *Store) User(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, created_at FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// CreateSession creates a session in RECORDING state.
func (s *Store) CreateSession(ctx context.Context, userID, title string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Status:    StatusRecording,
		StartTime: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, title, status, start_time) VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.Title, sess.Status, sess.StartTime.UnixMilli())
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, status, start_time, end_time FROM sessions WHERE id = ?
	`, id)

	var sess Session
	var startTime int64
	var endTime sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Status, &startTime, &endTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartTime = time.UnixMilli(startTime).UTC()
	if endTime.Valid {
		t := time.UnixMilli(endTime.Int64).UTC()
		sess.EndTime = &t
	}
	return sess, nil
}

// StopSession sets the session to PROCESSING and records its end time.
func (s *Store) StopSession(ctx context.Context, id string, endTime time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, end_time = ? WHERE id = ?
	`, StatusProcessing, endTime.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return requireRow(res)
}

func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res)
}

// CreateChunk inserts a chunk with placeholder text; the text is filled in
// exactly once when transcription completes.
func (s *Store) CreateChunk(ctx context.Context, sessionID string, seq int64, recorder string) (TranscriptChunk, error) {
	chunk := TranscriptChunk{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sequence:  seq,
		Text:      PlaceholderText,
		Recorder:  recorder,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_chunks (id, session_id, seq, text, recorder, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, chunk.ID, chunk.SessionID, chunk.Sequence, chunk.Text, chunk.Recorder, chunk.CreatedAt.UnixMilli())
	if err != nil {
		return TranscriptChunk{}, fmt.Errorf("insert chunk: %w", err)
	}
	return chunk, nil
}

func (s *Store) UpdateChunkText(ctx context.Context, chunkID, text string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcript_chunks SET text = ? WHERE id = ?
	`, text, chunkID)
	if err != nil {
		return fmt.Errorf("update chunk text: %w", err)
	}
	return requireRow(res)
}

// MaxChunkSequence returns the highest sequence recorded for the session, or
// 0 when the session has no chunks.
func (s *Store) MaxChunkSequence(ctx context.Context, sessionID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM transcript_chunks WHERE session_id = ?
	`, sessionID)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max chunk sequence: %w", err)
	}
	return max, nil
}

// ChunksUpTo returns the session's chunks ordered by (seq, created_at)
// ascending. When bounded is true only chunks with seq <= maxSeq are returned.
func (s *Store) ChunksUpTo(ctx context.Context, sessionID string, maxSeq int64, bounded bool) ([]TranscriptChunk, error) {
	query := `
		SELECT id, session_id, seq, text, recorder, created_at
		FROM transcript_chunks
		WHERE session_id = ?`
	args := []any{sessionID}
	if bounded {
		query += ` AND seq <= ?`
		args = append(args, maxSeq)
	}
	query += ` ORDER BY seq ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []TranscriptChunk
	for rows.Next() {
		var c TranscriptChunk
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Sequence, &c.Text, &c.Recorder, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkCounts returns the total number of chunks for the session and how many
// of them have final (non-placeholder) text.
func (s *Store) ChunkCounts(ctx context.Context, sessionID string) (total, ready int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN text <> ? THEN 1 ELSE 0 END), 0)
		FROM transcript_chunks WHERE session_id = ?
	`, PlaceholderText, sessionID)
	if err := row.Scan(&total, &ready); err != nil {
		return 0, 0, fmt.Errorf("count chunks: %w", err)
	}
	return total, ready, nil
}

// CreateFullTranscript inserts the assembled transcript. The unique constraint
// on session_id turns a concurrent duplicate into ErrAlreadyExists.
func (s *Store) CreateFullTranscript(ctx context.Context, sessionID, text string) (FullTranscript, error) {
	ft := FullTranscript{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO full_transcripts (id, session_id, text, created_at) VALUES (?, ?, ?, ?)
	`, ft.ID, ft.SessionID, ft.Text, ft.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return FullTranscript{}, ErrAlreadyExists
		}
		return FullTranscript{}, fmt.Errorf("insert full transcript: %w", err)
	}
	return ft, nil
}

func (s *Store) FullTranscript(ctx context.Context, sessionID string) (FullTranscript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, text, created_at FROM full_transcripts WHERE session_id = ?
	`, sessionID)

	var ft FullTranscript
	var createdAt int64
	if err := row.Scan(&ft.ID, &ft.SessionID, &ft.Text, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FullTranscript{}, ErrNotFound
		}
		return FullTranscript{}, fmt.Errorf("scan full transcript: %w", err)
	}
	ft.CreatedAt = time.UnixMilli(createdAt).UTC()
	return ft, nil
}

// CreateSummary inserts the summary, with the same single-writer constraint
// semantics as CreateFullTranscript.
func (s *Store) CreateSummary(ctx context.Context, sessionID, text string) (Summary, error) {
	sum := Summary{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, session_id, text, created_at) VALUES (?, ?, ?, ?)
	`, sum.ID, sum.SessionID, sum.Text, sum.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return Summary{}, ErrAlreadyExists
		}
		return Summary{}, fmt.Errorf("insert summary: %w", err)
	}
	return sum, nil
}

func (s *Store) Summary(ctx context.Context, sessionID string) (Summary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, text, created_at FROM summaries WHERE session_id = ?
	`, sessionID)

	var sum Summary
	var createdAt int64
	if err := row.Scan(&sum.ID, &sum.SessionID, &sum.Text, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, ErrNotFound
		}
		return Summary{}, fmt.Errorf("scan summary: %w", err)
	}
	sum.CreatedAt = time.UnixMilli(createdAt).UTC()
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return u, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
