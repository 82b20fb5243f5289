package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	didsol "github.com/did-method-sol/go-didsol"
	"go.opentelemetry.io/otel/metric"
)

const batchSize = 1000

type executedRequest struct {
	p    *pending
	prep *didsol.PreparedInstruction
}

// ExecuteWorker runs sequenced requests against the store and sends prepared
// instructions to the executed channel. Multiple workers can run in parallel.
// Note: the sequencer inserts into InFlight, we are responsible for removal on rejection
func (l *Ledger) ExecuteWorker(ctx context.Context, seqreqs <-chan *pending, executed chan<- executedRequest, infl *InFlight) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-seqreqs:
			if !ok {
				return
			}

			if p.airdrop != nil {
				// the account is held, so no prepared instruction can race with this write
				err := l.store.Airdrop(ctx, p.airdrop.address, p.airdrop.lamports)
				infl.RemoveInFlight(p.accounts, p.seq)
				p.resolve(nil, err)
				continue
			}

			prep, err := l.executeInner(ctx, p.req)
			if err != nil {
				l.logger.Info("instruction rejected", "seq", p.seq, "type", p.instructionType(), "did_account", p.req.DidAccount, "error", err)
				RejectedCounter.Add(ctx, 1, metric.WithAttributes(instructionTypeAttr(p.instructionType())))
				infl.RemoveInFlight(p.accounts, p.seq)
				p.resolve(nil, err)
				continue
			}

			select {
			case executed <- executedRequest{p: p, prep: prep}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *Ledger) executeInner(ctx context.Context, req *didsol.Request) (*didsol.PreparedInstruction, error) {
	for {
		prep, err := didsol.ProcessInstruction(ctx, l.store, req)
		if err == nil {
			return prep, nil
		}
		if errors.Is(err, didsol.ErrInvalidInstruction) {
			return nil, err
		}

		// Transient error (hopefully). If the db is down then waiting for it to come back is all we can do.
		l.logger.Warn("failed executing instruction, retrying", "did_account", req.DidAccount, "error", err)
		if !sleepCtx(ctx, retryDelay) {
			return nil, fmt.Errorf("context cancelled while retrying execution: %w", err)
		}
	}
}

// CommitWorker receives executed requests and commits them to the store in batches.
// Only a single commit worker should run to avoid database contention.
// Note: responsible for removing from InFlight after commit
func (l *Ledger) CommitWorker(ctx context.Context, executed <-chan executedRequest, infl *InFlight, flushCh <-chan chan struct{}) {
	batch := make([]executedRequest, 0, batchSize)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	commitBatch := func() {
		if len(batch) == 0 {
			return
		}
		l.commitItems(ctx, batch, infl)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			commitBatch()
			return
		case e, ok := <-executed:
			if !ok {
				commitBatch()
				return
			}

			batch = append(batch, e)
			if len(batch) >= batchSize {
				commitBatch()
			}

		case <-ticker.C:
			// Periodically flush partial batches to prevent deadlock
			commitBatch()

		case done := <-flushCh:
			commitBatch()
			close(done)
		}
	}
}

// commitItems commits items, retrying on store errors, and resolves each
// submission. Returns false if ctx was cancelled.
func (l *Ledger) commitItems(ctx context.Context, items []executedRequest, infl *InFlight) bool {
	prepared := make([]*didsol.PreparedInstruction, len(items))
	for i, e := range items {
		prepared[i] = e.prep
	}
	for {
		records, err := l.store.CommitInstructions(ctx, prepared)
		if err == nil {
			CommitBatchSizeHist.Record(ctx, int64(len(items)))
			l.finishItems(ctx, items, records, nil, infl)
			return true
		}
		if errors.Is(err, didsol.ErrRevisionMismatch) {
			if len(items) == 1 {
				l.finishItems(ctx, items, nil, err, infl)
				return true
			}
			// commit individually to limit the blast radius to the conflicting requests
			for _, e := range items {
				if !l.commitItems(ctx, []executedRequest{e}, infl) {
					return false
				}
			}
			return true
		}

		l.logger.Error("failed to commit batch", "batch_size", len(items), "error", err)
		if !sleepCtx(ctx, retryDelay) {
			l.finishItems(ctx, items, nil, ctx.Err(), infl)
			return false
		}
	}
}

func (l *Ledger) finishItems(ctx context.Context, items []executedRequest, records []*didsol.InstructionRecord, err error, infl *InFlight) {
	for i, e := range items {
		infl.RemoveInFlight(e.p.accounts, e.p.seq)
		attrs := metric.WithAttributes(instructionTypeAttr(e.p.instructionType()))
		if err != nil {
			RejectedCounter.Add(ctx, 1, attrs)
			e.p.resolve(nil, err)
			continue
		}
		CommittedCounter.Add(ctx, 1, attrs)
		e.p.resolve(records[i], nil)
	}
	if err == nil && len(records) > 0 {
		now := time.Now()
		last := records[len(records)-1].Seq
		l.state.SetCommitted(last, now)
		LastSeqGauge.Record(ctx, last)
		LastCommitTsGauge.Record(ctx, now.Unix())
	}
}
