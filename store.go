package didsol

import (
	"context"
	"fmt"
	"sync"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

type AccountStore interface {
	// GetAccount returns a copy of the account at address. Addresses that were
	// never written are returned as empty, system owned accounts (never nil).
	GetAccount(ctx context.Context, address PublicKey) (*Account, error)

	// CommitInstructions atomically commits a batch of prepared instructions
	// and returns their history records, in order. All instructions in the
	// batch are committed, or none are (all-or-nothing).
	//
	// Every written account's Revision MUST match the stored revision. If the
	// account changed since ProcessInstruction() read it, CommitInstructions()
	// fails with ErrRevisionMismatch. Two instructions in one batch writing the
	// same account therefore conflict.
	CommitInstructions(ctx context.Context, prepared []*PreparedInstruction) ([]*InstructionRecord, error)

	// GetHistory returns the records of all instructions committed against a
	// DID account, oldest first.
	GetHistory(ctx context.Context, didAccount PublicKey) ([]*InstructionRecord, error)

	// GetRecordsSince returns up to limit records with Seq > seq, in order.
	GetRecordsSince(ctx context.Context, seq int64, limit int) ([]*InstructionRecord, error)

	// Airdrop credits lamports to an account, creating it if needed.
	Airdrop(ctx context.Context, address PublicKey, lamports uint64) error
}

// MemAccountStore is an in-memory implementation of the AccountStore interface
type MemAccountStore struct {
	accounts map[PublicKey]*Account
	records  []*InstructionRecord
	lock     sync.RWMutex
}

var _ AccountStore = (*MemAccountStore)(nil)

func NewMemAccountStore() *MemAccountStore {
	return &MemAccountStore{
		accounts: make(map[PublicKey]*Account),
	}
}

func (s *MemAccountStore) GetAccount(ctx context.Context, address PublicKey) (*Account, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	acct, ok := s.accounts[address]
	if !ok {
		return NewEmptyAccount(address), nil
	}
	return acct.Clone(), nil
}

func (s *MemAccountStore) CommitInstructions(ctx context.Context, prepared []*PreparedInstruction) ([]*InstructionRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	// check everything first, so that a failure leaves the store untouched
	touched := make(map[PublicKey]bool)
	for _, p := range prepared {
		for _, w := range p.Writes {
			if touched[w.Address] {
				return nil, fmt.Errorf("%w: %s written twice in one batch", ErrRevisionMismatch, w.Address)
			}
			touched[w.Address] = true

			var current uint64
			if acct, ok := s.accounts[w.Address]; ok {
				current = acct.Revision
			}
			if current != w.Revision {
				return nil, fmt.Errorf("%w: %s is at revision %d, expected %d", ErrRevisionMismatch, w.Address, current, w.Revision)
			}
		}
	}

	records := make([]*InstructionRecord, 0, len(prepared))
	for _, p := range prepared {
		rec, err := NewInstructionRecord(p, syntax.DatetimeNow())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	for _, p := range prepared {
		for _, w := range p.Writes {
			acct := w.Clone()
			acct.Revision = w.Revision + 1
			s.accounts[w.Address] = acct
		}
	}
	for _, rec := range records {
		rec.Seq = int64(len(s.records)) + 1
		s.records = append(s.records, rec)
	}
	return records, nil
}

func (s *MemAccountStore) GetHistory(ctx context.Context, didAccount PublicKey) ([]*InstructionRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	addr := didAccount.String()
	var out []*InstructionRecord
	for _, rec := range s.records {
		if rec.DidAccount == addr {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemAccountStore) GetRecordsSince(ctx context.Context, seq int64, limit int) ([]*InstructionRecord, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(s.records)) {
		return nil, nil
	}
	end := min(int64(len(s.records)), seq+int64(limit))
	out := make([]*InstructionRecord, end-seq)
	copy(out, s.records[seq:end])
	return out, nil
}

func (s *MemAccountStore) Airdrop(ctx context.Context, address PublicKey, lamports uint64) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	acct, ok := s.accounts[address]
	if !ok {
		acct = NewEmptyAccount(address)
		s.accounts[address] = acct
	}
	acct.Lamports += lamports
	acct.Revision++
	return nil
}
