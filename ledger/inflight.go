package ledger

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/sets/treeset"
)

/*

Constraints:

- AddInFlight is always called in order of ascending seq
- a request holds every account it may write, so two requests in flight never write the same account

*/

type InFlight struct {
	processedCursor int64 // all seqs <= this value have been committed or rejected
	accounts        *hashset.Set
	seqs            *treeset.Set // treeset means we can find the minimum efficiently
	removed         *treeset.Set // seqs that have been removed but are ahead of the cursor
	lock            sync.RWMutex
}

func int64Comparator(a, b interface{}) int {
	aInt := a.(int64)
	bInt := b.(int64)
	if aInt < bInt {
		return -1
	} else if aInt > bInt {
		return 1
	}
	return 0
}

func NewInFlight(processedCursor int64) *InFlight {
	return &InFlight{
		processedCursor: processedCursor,
		accounts:        hashset.New(),
		seqs:            treeset.NewWith(int64Comparator),
		removed:         treeset.NewWith(int64Comparator),
	}
}

func (infl *InFlight) GetProcessedCursor() int64 {
	infl.lock.RLock()
	defer infl.lock.RUnlock()
	return infl.processedCursor
}

// Len returns the number of requests currently in flight
func (infl *InFlight) Len() int {
	infl.lock.RLock()
	defer infl.lock.RUnlock()
	return infl.seqs.Size()
}

// returns true on success. Does nothing and returns false if any of the
// accounts is already held by another request.
func (infl *InFlight) AddInFlight(accounts []string, seq int64) bool {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	for _, a := range accounts {
		if infl.accounts.Contains(a) {
			return false
		}
	}

	for _, a := range accounts {
		infl.accounts.Add(a)
	}
	infl.seqs.Add(seq)

	return true
}

// always succeeds, and updates processedCursor if appropriate
func (infl *InFlight) RemoveInFlight(accounts []string, seq int64) {
	infl.lock.Lock()
	defer infl.lock.Unlock()

	if !infl.seqs.Contains(seq) {
		// already removed, the caller is using the API wrong
		return
	}

	for _, a := range accounts {
		infl.accounts.Remove(a)
	}
	infl.seqs.Remove(seq)
	infl.removed.Add(seq)

	// drain: advance cursor past completed seqs below the lowest inflight
	for {
		it := infl.removed.Iterator()
		if !it.First() {
			break
		}
		minRemoved := it.Value().(int64)

		inflIt := infl.seqs.Iterator()
		if inflIt.First() {
			minInflight := inflIt.Value().(int64)
			if minRemoved >= minInflight {
				break
			}
		}

		infl.processedCursor = minRemoved
		infl.removed.Remove(minRemoved)
	}
}
