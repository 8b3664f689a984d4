package htlcswap

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/swapmaker/internal/money"
)

// runRoleA drives the BtcForDai sequence: alpha=hbit (ours), beta=herc20
// (counterparty's). Phase order per spec.md §4.2:
//
//	alpha_fund (ours)      -> hbit_funded
//	beta_deploy (theirs)   -> herc20_deployed
//	beta_fund (theirs)     -> herc20_funded
//	beta_redeem (ours)     -> herc20_redeemed, reveals secret, point of no return
//	alpha_redeem (theirs)  -> hbit_redeemed
//
// If the counterparty never deploys/funds beta, or the pre-beta_redeem
// safety gate trips, we refund alpha instead and never reveal the secret.
func (e *Executor) runRoleA(ctx context.Context, params SwapParams, version *int) (FinishedEvent, error) {
	now, err := e.hbit.CurrentTime(ctx)
	if err != nil {
		return FinishedEvent{}, fmt.Errorf("htlcswap: hbit current time: %w", err)
	}
	if !isSafeToFund(now, params.Herc20.Expiry, e.margins.Ethereum) {
		e.log.Warn("safety gate blocked alpha_fund", "swap_id", params.SwapID, "error", ErrPhaseUnsafe)
		return e.abortedA(params), nil
	}

	funded, err := doOnce(ctx, e.store, params.SwapID, EventHbitFunded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.hbit.FundHbit(ctx, params.Hbit)
	})
	if err != nil {
		return FinishedEvent{}, err
	}

	deployed, found, err := e.watchBetaDeploy(ctx, params, version)
	if err != nil {
		return FinishedEvent{}, err
	}
	if !found {
		return e.refundA(ctx, params, version, funded)
	}

	betaFunded, found, err := watchOnce(ctx, e.store, params.SwapID, EventHerc20Funded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.WatchHerc20Funded(ctx, params.Herc20, deployed)
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	if !found {
		return e.refundA(ctx, params, version, funded)
	}

	redeemNow, err := e.herc20.CurrentTime(ctx)
	if err != nil {
		return FinishedEvent{}, fmt.Errorf("htlcswap: herc20 current time: %w", err)
	}
	if !isSafeToRedeem(redeemNow, params.Herc20.Expiry, redeemMargin(e.margins.Ethereum)) {
		e.log.Warn("safety gate blocked beta_redeem", "swap_id", params.SwapID, "error", ErrPhaseUnsafe)
		return e.refundA(ctx, params, version, funded)
	}

	_, err = doOnce(ctx, e.store, params.SwapID, EventHerc20Redeemed, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.RedeemHerc20(ctx, params.Herc20, betaFunded, params.Secret)
	})
	if err != nil {
		return FinishedEvent{}, err
	}

	// Past the point of no return: the secret is public. The counterparty's
	// alpha_redeem is their business; we only watch for it to close the
	// record, with a refund fallback if it never arrives before our own
	// timelock (they already have the funds' worth from our perspective,
	// so PartiallyRefunded here means we got our DAI but never saw their
	// hbit-side spend confirmed).
	watchCtx, cancel := context.WithDeadline(ctx, params.Hbit.Expiry)
	defer cancel()
	_, found, err = watchOnce(watchCtx, e.store, params.SwapID, EventHbitRedeemed, version, func(ctx context.Context) (LedgerEvent, error) {
		ev, _, err := e.hbit.WatchHbitRedeemed(ctx, params.Hbit, funded)
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

	_, err = doOnce(ctx, e.store, params.SwapID, EventHbitRefunded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.hbit.RefundHbit(ctx, params.Hbit, funded)
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	return FinishedEvent{
		SwapID:     params.SwapID,
		State:      PartiallyRefunded,
		FreedSats:  params.ReservedSats,
		FreedAttos: money.ZeroAttos(),
	}, nil
}

// watchBetaDeploy bounds the wait for the counterparty's herc20 deployment
// to our own refund deadline on hbit: past that point there is no benefit
// to waiting further, since we'd refund alpha regardless of a late deploy.
func (e *Executor) watchBetaDeploy(ctx context.Context, params SwapParams, version *int) (LedgerEvent, bool, error) {
	watchCtx, cancel := context.WithDeadline(ctx, params.Hbit.Expiry)
	defer cancel()
	return watchOnce(watchCtx, e.store, params.SwapID, EventHerc20Deployed, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.herc20.WatchHerc20Deployed(ctx, params.Herc20)
	})
}

// refundA runs the alpha-side (hbit) refund once beta never materialized or
// the pre-redeem safety gate tripped, producing a Refunded terminal event.
func (e *Executor) refundA(ctx context.Context, params SwapParams, version *int, funded LedgerEvent) (FinishedEvent, error) {
	_, err := doOnce(ctx, e.store, params.SwapID, EventHbitRefunded, version, func(ctx context.Context) (LedgerEvent, error) {
		return e.hbit.RefundHbit(ctx, params.Hbit, funded)
	})
	if err != nil {
		return FinishedEvent{}, err
	}
	return FinishedEvent{
		SwapID:     params.SwapID,
		State:      Refunded,
		FreedSats:  params.ReservedSats,
		FreedAttos: money.ZeroAttos(),
	}, nil
}

// abortedA reports a swap that never left the gate: nothing was funded, so
// the entire reservation is returned untouched.
func (e *Executor) abortedA(params SwapParams) FinishedEvent {
	return FinishedEvent{
		SwapID:     params.SwapID,
		State:      Aborted,
		FreedSats:  params.ReservedSats,
		FreedAttos: params.ReservedAttos,
	}
}
