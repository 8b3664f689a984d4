package htlcswap

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/internal/store"
)

func attos(n int64) money.Attos {
	a, err := money.NewAttos(big.NewInt(n))
	if err != nil {
		panic(err)
	}
	return a
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertHeader(t *testing.T, st *store.Store, params SwapParams) {
	t.Helper()
	hbitJSON, _ := json.Marshal(params.Hbit)
	herc20JSON, _ := json.Marshal(params.Herc20)
	err := st.InsertSwap(store.SwapHeader{
		SwapID:              params.SwapID,
		Role:                string(params.Role),
		HbitParams:          hbitJSON,
		Herc20Params:        herc20JSON,
		SecretHash:          Secret(params.SecretHash).Hex(),
		StartOfSwapUnixNano: params.StartOfSwap.UnixNano(),
		CounterpartyPeerID:  params.CounterpartyPeerID,
	})
	if err != nil {
		t.Fatalf("InsertSwap: %v", err)
	}
}

// fakeHbit and fakeHerc20 are minimal, scenario-driven stand-ins for the real
// wallet/watcher adapters (component G), which live behind the same
// interfaces in production.
type fakeHbit struct {
	now time.Time

	fundErr error

	counterpartyRedeems bool
	watchRedeemSecret   Secret
}

func (f *fakeHbit) FundHbit(ctx context.Context, p HbitParams) (LedgerEvent, error) {
	if f.fundErr != nil {
		return LedgerEvent{}, f.fundErr
	}
	return LedgerEvent{TxHash: "hbit-fund-tx"}, nil
}

func (f *fakeHbit) RedeemHbit(ctx context.Context, p HbitParams, funded LedgerEvent, secret Secret) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "hbit-redeem-tx", Secret: &secret}, nil
}

func (f *fakeHbit) RefundHbit(ctx context.Context, p HbitParams, funded LedgerEvent) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "hbit-refund-tx"}, nil
}

func (f *fakeHbit) WatchHbitFunded(ctx context.Context, p HbitParams) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "hbit-fund-tx-theirs"}, nil
}

func (f *fakeHbit) WatchHbitRedeemed(ctx context.Context, p HbitParams, funded LedgerEvent) (LedgerEvent, Secret, error) {
	if !f.counterpartyRedeems {
		<-ctx.Done()
		return LedgerEvent{}, Secret{}, ctx.Err()
	}
	return LedgerEvent{TxHash: "hbit-redeem-tx-theirs"}, f.watchRedeemSecret, nil
}

func (f *fakeHbit) WatchHbitRefunded(ctx context.Context, p HbitParams, funded LedgerEvent) (LedgerEvent, error) {
	<-ctx.Done()
	return LedgerEvent{}, ctx.Err()
}

func (f *fakeHbit) CurrentTime(ctx context.Context) (time.Time, error) { return f.now, nil }

type fakeHerc20 struct {
	now time.Time

	counterpartyDeploys bool
	counterpartyFunds   bool
	counterpartyRedeems bool
}

func (f *fakeHerc20) DeployHerc20(ctx context.Context, p Herc20Params) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "herc20-deploy-tx"}, nil
}

func (f *fakeHerc20) FundHerc20(ctx context.Context, p Herc20Params, deployed LedgerEvent) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "herc20-fund-tx"}, nil
}

func (f *fakeHerc20) RedeemHerc20(ctx context.Context, p Herc20Params, funded LedgerEvent, secret Secret) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "herc20-redeem-tx", Secret: &secret}, nil
}

func (f *fakeHerc20) RefundHerc20(ctx context.Context, p Herc20Params, deployed LedgerEvent) (LedgerEvent, error) {
	return LedgerEvent{TxHash: "herc20-refund-tx"}, nil
}

func (f *fakeHerc20) WatchHerc20Deployed(ctx context.Context, p Herc20Params) (LedgerEvent, error) {
	if !f.counterpartyDeploys {
		<-ctx.Done()
		return LedgerEvent{}, ctx.Err()
	}
	return LedgerEvent{TxHash: "herc20-deploy-tx-theirs"}, nil
}

func (f *fakeHerc20) WatchHerc20Funded(ctx context.Context, p Herc20Params, deployed LedgerEvent) (LedgerEvent, error) {
	if !f.counterpartyFunds {
		<-ctx.Done()
		return LedgerEvent{}, ctx.Err()
	}
	return LedgerEvent{TxHash: "herc20-fund-tx-theirs"}, nil
}

func (f *fakeHerc20) WatchHerc20Redeemed(ctx context.Context, p Herc20Params, funded LedgerEvent) (LedgerEvent, Secret, error) {
	if !f.counterpartyRedeems {
		<-ctx.Done()
		return LedgerEvent{}, Secret{}, ctx.Err()
	}
	return LedgerEvent{TxHash: "herc20-redeem-tx-theirs"}, Secret{}, nil
}

func (f *fakeHerc20) CurrentTime(ctx context.Context) (time.Time, error) { return f.now, nil }

func baseRoleAParams(swapID string) SwapParams {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return SwapParams{
		SwapID: swapID,
		Role:   RoleBtcForDai,
		Hbit: HbitParams{
			Amount: 1_000_000,
			Expiry: now.Add(2 * time.Hour),
		},
		Herc20: Herc20Params{
			Amount: attos(100_000),
			Expiry: now.Add(4 * time.Hour),
		},
		Secret:        Secret{0xAB},
		StartOfSwap:   now,
		ReservedSats:  1_000_000,
		ReservedAttos: money.ZeroAttos(),
	}
}

func TestRoleAHappyPath(t *testing.T) {
	st := newTestStore(t)
	params := baseRoleAParams("swap-a-happy")
	insertHeader(t, st, params)

	now := params.StartOfSwap
	hbit := &fakeHbit{now: now, counterpartyRedeems: true}
	herc20 := &fakeHerc20{now: now, counterpartyDeploys: true, counterpartyFunds: true}

	exec := NewExecutor(st, hbit, herc20, SafetyMargins{Bitcoin: time.Minute, Ethereum: time.Minute})
	result, err := exec.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != Completed {
		t.Fatalf("State = %v, want Completed", result.State)
	}
}

func TestRoleARefundsOnCounterpartyNoShow(t *testing.T) {
	st := newTestStore(t)
	params := baseRoleAParams("swap-a-noshow")
	insertHeader(t, st, params)

	now := params.StartOfSwap
	hbit := &fakeHbit{now: now}
	herc20 := &fakeHerc20{now: now} // counterparty never deploys

	exec := NewExecutor(st, hbit, herc20, SafetyMargins{Bitcoin: time.Minute, Ethereum: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	shortParams := params
	shortParams.Hbit.Expiry = now.Add(50 * time.Millisecond)
	result, err := exec.Run(ctx, shortParams)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != Refunded {
		t.Fatalf("State = %v, want Refunded", result.State)
	}
	if result.FreedSats != params.ReservedSats {
		t.Fatalf("FreedSats = %v, want %v", result.FreedSats, params.ReservedSats)
	}
}

func TestRoleAAbortsWhenGateUnsafeBeforeFunding(t *testing.T) {
	st := newTestStore(t)
	params := baseRoleAParams("swap-a-abort")
	// beta expiry already effectively passed relative to the fund margin.
	params.Herc20.Expiry = params.StartOfSwap.Add(time.Second)
	insertHeader(t, st, params)

	hbit := &fakeHbit{now: params.StartOfSwap}
	herc20 := &fakeHerc20{now: params.StartOfSwap}

	exec := NewExecutor(st, hbit, herc20, SafetyMargins{Bitcoin: time.Hour, Ethereum: time.Hour})
	result, err := exec.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != Aborted {
		t.Fatalf("State = %v, want Aborted", result.State)
	}
	if result.FreedSats != params.ReservedSats {
		t.Fatalf("FreedSats = %v, want %v", result.FreedSats, params.ReservedSats)
	}
}

func TestRoleARestartsIdempotently(t *testing.T) {
	st := newTestStore(t)
	params := baseRoleAParams("swap-a-restart")
	insertHeader(t, st, params)

	now := params.StartOfSwap
	herc20 := &fakeHerc20{now: now, counterpartyDeploys: true, counterpartyFunds: true}

	// Pre-seed the hbit_funded event as if a prior process crashed right
	// after broadcasting but before the rest of the sequence ran.
	version, err := st.SwapVersion(params.SwapID)
	if err != nil {
		t.Fatalf("SwapVersion: %v", err)
	}
	if _, err := st.SaveEvent(params.SwapID, EventHbitFunded, LedgerEvent{TxHash: "hbit-fund-tx"}, version); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	// FundHbit fails if it is called, so reaching Completed shows the
	// recorded hbit_funded event was replayed instead of funding again.
	fundCounted := &fakeHbit{now: now, counterpartyRedeems: true, fundErr: errors.New("FundHbit called again after restart")}
	exec := NewExecutor(st, fundCounted, herc20, SafetyMargins{Bitcoin: time.Minute, Ethereum: time.Minute})
	result, err := exec.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != Completed {
		t.Fatalf("State = %v, want Completed", result.State)
	}
}

func TestRoleBHappyPath(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	params := SwapParams{
		SwapID: "swap-b-happy",
		Role:   RoleDaiForBtc,
		Hbit: HbitParams{
			Amount: 1_000_000,
			Expiry: now.Add(2 * time.Hour),
		},
		Herc20: Herc20Params{
			Amount: attos(100_000),
			Expiry: now.Add(4 * time.Hour),
		},
		Secret:        Secret{0xCD},
		StartOfSwap:   now,
		ReservedAttos: attos(100_000),
	}
	insertHeader(t, st, params)

	hbit := &fakeHbit{now: now, counterpartyRedeems: false}
	herc20 := &fakeHerc20{now: now, counterpartyRedeems: true}

	exec := NewExecutor(st, hbit, herc20, SafetyMargins{Bitcoin: time.Minute, Ethereum: time.Minute})

	// For role B we redeem hbit ourselves and watch herc20 be redeemed by
	// the counterparty, so WatchHbitFunded must report "theirs funded".
	result, err := exec.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != Completed {
		t.Fatalf("State = %v, want Completed", result.State)
	}
}
