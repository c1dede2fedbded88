// Package session owns the recording session lifecycle:
// RECORDING → PROCESSING (stop) → COMPLETED (summary produced).
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessionscribe/internal/store"
)

// ErrCompleted is returned when stop is attempted on a COMPLETED session.
// COMPLETED is terminal; no transition leaves it.
var ErrCompleted = errors.New("session already completed")

// BoundaryRecorder records the last chunk sequence for a stopped session so
// completion detection knows when every chunk has been transcribed.
type BoundaryRecorder interface {
	Set(sessionID string, seq int64)
}

type Service struct {
	store      *store.Store
	boundaries BoundaryRecorder
}

func New(st *store.Store, boundaries BoundaryRecorder) *Service {
	return &Service{store: st, boundaries: boundaries}
}

// Start creates a session in RECORDING state. A user may hold any number of
// concurrent sessions.
func (s *Service) Start(ctx context.Context, userID, title string) (store.Session, error) {
	if _, err := s.store.User(ctx, userID); err != nil {
		return store.Session{}, fmt.Errorf("look up user: %w", err)
	}
	return s.store.CreateSession(ctx, userID, title)
}

// Stop transitions the session to PROCESSING, records its end time, and
// remembers the last chunk sequence as the completion boundary. When the
// caller does not supply lastSequence it is derived from the highest sequence
// among the session's existing chunks (0 if none). A repeated stop before new
// chunks arrive re-derives and overwrites the boundary; last writer wins.
func (s *Service) Stop(ctx context.Context, sessionID string, lastSequence *int64) (store.Session, int64, error) {
	sess, err := s.store.Session(ctx, sessionID)
	if err != nil {
		return store.Session{}, 0, err
	}
	if sess.Status == store.StatusCompleted {
		return store.Session{}, 0, ErrCompleted
	}

	var boundary int64
	if lastSequence != nil {
		boundary = *lastSequence
	} else {
		boundary, err = s.store.MaxChunkSequence(ctx, sessionID)
		if err != nil {
			return store.Session{}, 0, err
		}
	}

	s.boundaries.Set(sessionID, boundary)

	if err := s.store.StopSession(ctx, sessionID, time.Now()); err != nil {
		return store.Session{}, 0, err
	}
	sess, err = s.store.Session(ctx, sessionID)
	if err != nil {
		return store.Session{}, 0, err
	}
	return sess, boundary, nil
}
