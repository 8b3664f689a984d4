package htlcswap

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/swapmaker/internal/store"
)

// watchOnce is doOnce's counterpart for phases the *counterparty* performs:
// we never broadcast anything ourselves, only watch the ledger and record
// what we observe. watchFn is expected to block until either the event is
// observed or ctx is done (e.g. because the caller bounded ctx to the point
// where our own refund path becomes the better bet). A context deadline is
// reported as "not found" (found=false, err=nil) rather than an error, so
// callers can fall through to the refund arbitration without special-casing
// context errors.
func watchOnce(ctx context.Context, st *store.Store, swapID, eventType string, version *int, watchFn func(context.Context) (LedgerEvent, error)) (event LedgerEvent, found bool, err error) {
	var existing LedgerEvent
	cached, err := st.LoadEvent(swapID, eventType, &existing)
	if err != nil {
		return LedgerEvent{}, false, fmt.Errorf("htlcswap: load event %s/%s: %w", swapID, eventType, err)
	}
	if cached {
		return existing, true, nil
	}

	observed, err := watchFn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return LedgerEvent{}, false, nil
		}
		if errors.Is(err, ErrIncorrectFunding) {
			// spec §7: a counterparty deposit of the wrong asset or amount is
			// not a funded ledger, so it is reported the same way as never
			// having seen one — the caller falls through to its refund path.
			return LedgerEvent{}, false, nil
		}
		return LedgerEvent{}, false, fmt.Errorf("htlcswap: watch %s/%s: %w", swapID, eventType, err)
	}

	newVersion, err := st.SaveEvent(swapID, eventType, observed, *version)
	if err != nil && !errors.Is(err, store.ErrEventAlreadySet) {
		return LedgerEvent{}, false, fmt.Errorf("htlcswap: save event %s/%s: %w", swapID, eventType, err)
	}
	if err == nil {
		*version = newVersion
	}
	return observed, true, nil
}
