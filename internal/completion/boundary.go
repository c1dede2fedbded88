package completion

import "sync"

// Boundaries is the process-wide map of session id to the last chunk sequence
// recorded at stop time. It is in-memory only: after a restart the boundary is
// unknown and completion falls back to considering all existing chunks.
type Boundaries struct {
	mu   sync.Mutex
	seqs map[string]int64
}

func NewBoundaries() *Boundaries {
	return &Boundaries{seqs: make(map[string]int64)}
}

func (b *Boundaries) Set(sessionID string, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[sessionID] = seq
}

func (b *Boundaries) Get(sessionID string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq, ok := b.seqs[sessionID]
	return seq, ok
}

func (b *Boundaries) Delete(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seqs, sessionID)
}
