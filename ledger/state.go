package ledger

import (
	"sync"
	"time"
)

// LedgerState holds shared state between the Ledger pipeline and the Server.
type LedgerState struct {
	mu             sync.RWMutex
	lastSeq        int64
	lastCommitTime time.Time
	changed        chan struct{} // closed and replaced on every commit
}

func NewLedgerState(lastSeq int64) *LedgerState {
	return &LedgerState{
		lastSeq: lastSeq,
		changed: make(chan struct{}),
	}
}

// SetCommitted records a committed batch and wakes up every waiter.
func (s *LedgerState) SetCommitted(seq int64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.lastCommitTime = t
	close(s.changed)
	s.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next commit.
func (s *LedgerState) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

func (s *LedgerState) LastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

func (s *LedgerState) LastCommitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommitTime
}
