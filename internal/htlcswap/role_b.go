package htlcswap

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/swapmaker/internal/money"
)

// runRoleB drives the DaiForBtc sequence: alpha=herc20 (ours), beta=hbit
// (counterparty's). Mirror image of runRoleA with deploy/fund collapsed into
// a single hbit_funded event (a P2WSH output has no separate deploy step).
//
//	alpha_fund (ours)      -> herc20_deployed, herc20_funded
//	beta_fund (theirs)     -> hbit_funded
//	beta_redeem (ours)     -> hbit_redeemed, reveals secret, point of no return
//	alpha_redeem (theirs)  -> herc20_redeemed
func (e *Executor) runRoleB(ctx context.Context, params SwapParams, version *int) (FinishedEvent, error) {
	now, err := e.herc20.CurrentTime(ctx)
	if err != nil {
		return FinishedEvent{}, fmt.Errorf("htlcswap: herc20 current time: %w", err)
	}
	if !isSafeToFund(now, params.Hbit.Expiry, e.margins.Bitcoin) {
		e.log.Warn("safety gate blocked alpha_fund", "swap_id", params.SwapID, "error", ErrPhaseUnsafe)
		return e.abortedB(params), nil
	}

	deployed, err := doOnce(ctx, e.store, params.SwapID, EventHerc20Deployed, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.DeployHerc20(ctx, params.Herc20)
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	funded, err := doOnce(ctx, e.store, params.SwapID, EventHerc20Funded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.FundHerc20(ctx, params.Herc20, deployed)
	})
	if err != nil {
		return FinishedEvent{}, err
	}

	betaFunded, found, err := e.watchBetaFundHbit(ctx, params, version)
	if err != nil {
		return FinishedEvent{}, err
	}
	if !found {
		return e.refundB(ctx, params, version, deployed)
	}

	redeemNow, err := e.hbit.CurrentTime(ctx)
	if err != nil {
		return FinishedEvent{}, fmt.Errorf("htlcswap: hbit current time: %w", err)
	}
	if !isSafeToRedeem(redeemNow, params.Hbit.Expiry, redeemMargin(e.margins.Bitcoin)) {
		e.log.Warn("safety gate blocked beta_redeem", "swap_id", params.SwapID, "error", ErrPhaseUnsafe)
		return e.refundB(ctx, params, version, deployed)
	}

	_, err = doOnce(ctx, e.store, params.SwapID, EventHbitRedeemed, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.hbit.RedeemHbit(ctx, params.Hbit, betaFunded, params.Secret)
	})
	if err != nil {
		return FinishedEvent{}, err
	}

	watchCtx, cancel := context.WithDeadline(ctx, params.Herc20.Expiry)
	defer cancel()
	_, found, err = watchOnce(watchCtx, e.store, params.SwapID, EventHerc20Redeemed, version, func(ctx context.Context) (LedgerEvent, error) {
		ev, _, err := e.herc20.WatchHerc20Redeemed(ctx, params.Herc20, funded)
		return ev, err
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	if found {
		return FinishedEvent{
			SwapID:     params.SwapID,
			State:      Completed,
			FreedSats:  0,
			FreedAttos: money.ZeroAttos(),
		}, nil
	}

	_, err = doOnce(ctx, e.store, params.SwapID, EventHerc20Refunded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.RefundHerc20(ctx, params.Herc20, deployed)
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	return FinishedEvent{
		SwapID:     params.SwapID,
		State:      PartiallyRefunded,
		FreedSats:  0,
		FreedAttos: params.ReservedAttos,
	}, nil
}

// watchBetaFundHbit bounds the wait for the counterparty's hbit funding to
// our own refund deadline on herc20.
func (e *Executor) watchBetaFundHbit(ctx context.Context, params SwapParams, version *int) (LedgerEvent, bool, error) {
	watchCtx, cancel := context.WithDeadline(ctx, params.Herc20.Expiry)
	defer cancel()
	return watchOnce(watchCtx, e.store, params.SwapID, EventHbitFunded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.hbit.WatchHbitFunded(ctx, params.Hbit)
	})
}

// refundB runs the alpha-side (herc20) refund once beta never materialized
// or the pre-redeem safety gate tripped.
func (e *Executor) refundB(ctx context.Context, params SwapParams, version *int, deployed LedgerEvent) (FinishedEvent, error) {
	_, err := doOnce(ctx, e.store, params.SwapID, EventHerc20Refunded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.RefundHerc20(ctx, params.Herc20, deployed)
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	return FinishedEvent{
		SwapID:     params.SwapID,
		State:      Refunded,
		FreedSats:  0,
		FreedAttos: params.ReservedAttos,
	}, nil
}

// abortedB reports a swap that never left the gate.
func (e *Executor) abortedB(params SwapParams) FinishedEvent {
	return FinishedEvent{
		SwapID:     params.SwapID,
		State:      Aborted,
		FreedSats:  params.ReservedSats,
		FreedAttos: params.ReservedAttos,
	}
}
