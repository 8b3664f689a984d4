package htlcswap

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/store"
	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

// SafetyMargins holds the per-ledger safety-margin durations consulted by
// isSafeToFund/isSafeToRedeem (spec §4.4, §9 Open Questions).
type SafetyMargins struct {
	Bitcoin  time.Duration
	Ethereum time.Duration
}

// Executor drives one atomic swap to a terminal state. One Executor instance
// exists per in-flight swap, spawned by the maker controller (E) via the
// store (C) on an accepted match or on startup re-enumeration.
type Executor struct {
	store   *store.Store
	hbit    HbitLedger
	herc20  Herc20Ledger
	margins SafetyMargins
	log     *logging.Logger
}

// NewExecutor constructs an Executor over the given ledger capabilities.
func NewExecutor(st *store.Store, hbit HbitLedger, herc20 Herc20Ledger, margins SafetyMargins) *Executor {
	return &Executor{
		store:   st,
		hbit:    hbit,
		herc20:  herc20,
		margins: margins,
		log:     logging.GetDefault().Component("htlcswap"),
	}
}

// Run drives params through its role's phase machine to a terminal state.
// It is safe to call Run again for the same swap_id after a crash: every
// forward and watch step replays via the store's event log (do_once/watchOnce),
// so re-execution only repeats ledger calls that never reached do_once's
// save_event step.
func (e *Executor) Run(ctx context.Context, params SwapParams) (FinishedEvent, error) {
	version, err := e.store.SwapVersion(params.SwapID)
	if err != nil {
		return FinishedEvent{}, fmt.Errorf("htlcswap: swap %s not found in store: %w", params.SwapID, err)
	}

	switch params.Role {
	case RoleBtcForDai:
		return e.runRoleA(ctx, params, &version)
	case RoleDaiForBtc:
		return e.runRoleB(ctx, params, &version)
	default:
		return FinishedEvent{}, fmt.Errorf("htlcswap: unknown role %q", params.Role)
	}
}
