package htlcswap

import (
	"context"
	"time"
)

// HbitLedger is the capability set for the Bitcoin side of a swap (spec §9
// design notes: "a small capability set at the behavioral boundary — Fund,
// Deploy, Redeem, Refund, IsSafeToFund, IsSafeToRedeem"). Whichever role
// plays hbit as its *own* execution side calls Fund/Redeem/Refund; the other
// role only calls the Watch* methods to confirm the counterparty's actions.
// IsSafeToFund/IsSafeToRedeem are implemented as pure helpers in safety.go
// over CurrentTime, since the predicate itself doesn't vary per ledger —
// only the source of "current time" (the relevant ledger's block time) does.
type HbitLedger interface {
	FundHbit(ctx context.Context, p HbitParams) (LedgerEvent, error)
	RedeemHbit(ctx context.Context, p HbitParams, funded LedgerEvent, secret Secret) (LedgerEvent, error)
	RefundHbit(ctx context.Context, p HbitParams, funded LedgerEvent) (LedgerEvent, error)

	WatchHbitFunded(ctx context.Context, p HbitParams) (LedgerEvent, error)
	WatchHbitRedeemed(ctx context.Context, p HbitParams, funded LedgerEvent) (LedgerEvent, Secret, error)
	WatchHbitRefunded(ctx context.Context, p HbitParams, funded LedgerEvent) (LedgerEvent, error)

	CurrentTime(ctx context.Context) (time.Time, error)
}

// Herc20Ledger is the mirror capability set for the Ethereum side.
type Herc20Ledger interface {
	DeployHerc20(ctx context.Context, p Herc20Params) (LedgerEvent, error)
	FundHerc20(ctx context.Context, p Herc20Params, deployed LedgerEvent) (LedgerEvent, error)
	RedeemHerc20(ctx context.Context, p Herc20Params, funded LedgerEvent, secret Secret) (LedgerEvent, error)
	RefundHerc20(ctx context.Context, p Herc20Params, deployed LedgerEvent) (LedgerEvent, error)

	WatchHerc20Deployed(ctx context.Context, p Herc20Params) (LedgerEvent, error)
	WatchHerc20Funded(ctx context.Context, p Herc20Params, deployed LedgerEvent) (LedgerEvent, error)
	WatchHerc20Redeemed(ctx context.Context, p Herc20Params, funded LedgerEvent) (LedgerEvent, Secret, error)

	CurrentTime(ctx context.Context) (time.Time, error)
}
