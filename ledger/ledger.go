package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	didsol "github.com/did-method-sol/go-didsol"
)

const (
	// metricsInterval is how often queue depths are recorded.
	metricsInterval = 1 * time.Second

	// retryDelay is the delay before retrying after a store error.
	retryDelay = 1 * time.Second
)

var ErrLedgerStopped = errors.New("ledger is not running")

// pending is a submission waiting for its outcome. Exactly one outcome is
// delivered on result.
type pending struct {
	seq      int64
	accounts []string
	req      *didsol.Request
	airdrop  *airdropRequest
	result   chan outcome
}

type airdropRequest struct {
	address  didsol.PublicKey
	lamports uint64
}

type outcome struct {
	record *didsol.InstructionRecord
	err    error
}

func (p *pending) instructionType() string {
	if p.airdrop != nil {
		return "airdrop"
	}
	return p.req.Instruction.InstructionType()
}

func (p *pending) resolve(rec *didsol.InstructionRecord, err error) {
	p.result <- outcome{record: rec, err: err}
}

// Ledger sequences submitted requests, executes them against the account
// store and commits them in batches.
type Ledger struct {
	store      didsol.AccountStore
	state      *LedgerState
	numWorkers int
	submitted  chan *pending
	done       chan struct{}
	logger     *slog.Logger
}

func NewLedger(store didsol.AccountStore, state *LedgerState, numWorkers int, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:      store,
		state:      state,
		numWorkers: max(numWorkers, 1),
		submitted:  make(chan *pending, 10000),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ledger"),
	}
}

// Submit verifies the transaction signatures and waits until the request
// has been committed or rejected. Rejections wrap didsol.ErrInvalidInstruction
// or ErrInvalidTransaction.
func (l *Ledger) Submit(ctx context.Context, tx *Transaction) (*didsol.InstructionRecord, error) {
	req, err := tx.Verify()
	if err != nil {
		return nil, err
	}
	writable := req.WritableAccounts()
	accounts := make([]string, len(writable))
	for i, a := range writable {
		accounts[i] = a.String()
	}
	return l.enqueue(ctx, &pending{
		accounts: accounts,
		req:      req,
		result:   make(chan outcome, 1),
	})
}

// Airdrop credits lamports to an address, serialized with any request that
// writes the same account.
func (l *Ledger) Airdrop(ctx context.Context, address didsol.PublicKey, lamports uint64) error {
	_, err := l.enqueue(ctx, &pending{
		accounts: []string{address.String()},
		airdrop:  &airdropRequest{address: address, lamports: lamports},
		result:   make(chan outcome, 1),
	})
	return err
}

func (l *Ledger) enqueue(ctx context.Context, p *pending) (*didsol.InstructionRecord, error) {
	select {
	case l.submitted <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrLedgerStopped
	}

	select {
	case o := <-p.result:
		return o.record, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrLedgerStopped
	}
}

// Run executes the pipeline until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	defer close(l.done)

	infl := NewInFlight(0)

	/*

		Submit puts requests into the submitted channel.

		the loop below assigns each request a sequence number and forwards it into seqreqs, *but*,
		it ensures that no two requests in flight may write the same account.

		ExecuteWorker threads read from seqreqs, run the instruction against the store snapshot,
		and write the prepared result into the executed channel.

		Finally, the CommitWorker loop reads from executed and commits to the store in batches.

	*/

	seqreqs := make(chan *pending, 100)
	executed := make(chan executedRequest, 1000)

	for range l.numWorkers {
		go l.ExecuteWorker(ctx, seqreqs, executed, infl)
	}

	flushCh := make(chan chan struct{})
	go l.CommitWorker(ctx, executed, infl, flushCh)

	go func() {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ProcessedCursorGauge.Record(ctx, infl.GetProcessedCursor())
				InFlightGauge.Record(ctx, int64(infl.Len()))
				SubmittedQueueGauge.Record(ctx, int64(len(l.submitted)))
				SeqRequestsQueueGauge.Record(ctx, int64(len(seqreqs)))
				ExecutedQueueGauge.Record(ctx, int64(len(executed)))
			}
		}
	}()

	l.logger.Info("ledger running", "workers", l.numWorkers, "last_seq", l.state.LastSeq())

	var seq int64
	for {
		var p *pending
		select {
		case <-ctx.Done():
			return nil
		case p = <-l.submitted:
		}

		seq++
		p.seq = seq

		// If an account is already held, ask the committer to flush its batch
		// so the previous request hopefully gets committed and released.
		for !infl.AddInFlight(p.accounts, p.seq) {
			done := make(chan struct{})
			select {
			case flushCh <- done:
			case <-ctx.Done():
				return nil
			}
			select {
			case <-done:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case seqreqs <- p:
		case <-ctx.Done():
			return nil
		}
	}
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
