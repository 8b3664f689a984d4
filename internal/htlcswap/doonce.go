package htlcswap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/store"
)

// ErrPhaseUnsafe is the error role_a and role_b log when a safety gate blocks
// forward progress; it is not returned to the caller — the executor aborts
// or takes the refund path instead of treating it as a crash (spec §7
// propagation policy).
var ErrPhaseUnsafe = errors.New("htlcswap: safety gate blocked forward progress")

// ErrIncorrectFunding is returned by a Watch*Funded ledger call when the
// counterparty's deposit exists but doesn't match the agreed asset or
// amount (spec §7's Funded::Incorrectly taxonomy). watchOnce treats it the
// same as never having observed the event: the phase machine falls through
// to its refund path rather than proceeding as if correctly funded.
var ErrIncorrectFunding = errors.New("htlcswap: counterparty funding does not match agreed asset/amount")

// retryBackoff bounds the in-process retry of a single ledger action before
// doOnce gives up and returns an error that causes the swap task to exit and
// be respawned at next process start — the bounded in-process retry called
// for by spec.md §9's Open Questions, shaped like the teacher's
// poll-then-backoff retry worker loop.
var retryBackoff = []time.Duration{0, 2 * time.Second, 10 * time.Second}

// doOnce implements the exactly-once combinator (spec §4.4):
//  1. check the event log via the store; if the terminal event of X is
//     already recorded, return it without touching the ledger.
//  2. otherwise execute action (which itself broadcasts + watches the
//     ledger) with a small bounded retry, then persist the event.
func doOnce[T any](ctx context.Context, st *store.Store, swapID, eventType string, version *int, action func(context.Context) (T, error)) (T, error) {
	var existing T
	found, err := st.LoadEvent(swapID, eventType, &existing)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("htlcswap: load event %s/%s: %w", swapID, eventType, err)
	}
	if found {
		return existing, nil
	}

	var result T
	var lastErr error
	for attempt, wait := range retryBackoff {
		if wait > 0 {
			select {
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			case <-time.After(wait):
			}
		}
		result, lastErr = action(ctx)
		if lastErr == nil {
			break
		}
		if attempt == len(retryBackoff)-1 {
			var zero T
			return zero, fmt.Errorf("htlcswap: action %s/%s failed after %d attempts: %w", swapID, eventType, len(retryBackoff), lastErr)
		}
	}

	newVersion, err := st.SaveEvent(swapID, eventType, result, *version)
	if err != nil && !errors.Is(err, store.ErrEventAlreadySet) {
		var zero T
		return zero, fmt.Errorf("htlcswap: save event %s/%s: %w", swapID, eventType, err)
	}
	if err == nil {
		*version = newVersion
	}
	return result, nil
}
