package maker

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/htlcswap"
	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/internal/order"
	"github.com/klingon-exchange/swapmaker/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func attos(n int64) money.Attos {
	a, err := money.NewAttos(big.NewInt(n))
	if err != nil {
		panic(err)
	}
	return a
}

func mustRate(t *testing.T, f float64, exp int32) money.Rate {
	t.Helper()
	r, err := money.RateFromFloat(f, exp)
	if err != nil {
		t.Fatalf("RateFromFloat: %v", err)
	}
	return r
}

type fakePublisher struct {
	published []order.Order
	cleared   int
}

func (f *fakePublisher) Publish(ctx context.Context, o order.Order) error {
	f.published = append(f.published, o)
	return nil
}

func (f *fakePublisher) ClearOwnOrders(ctx context.Context) error {
	f.cleared++
	return nil
}

type fakeRunner struct {
	result htlcswap.FinishedEvent
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, params htlcswap.SwapParams) (htlcswap.FinishedEvent, error) {
	if f.err != nil {
		return htlcswap.FinishedEvent{}, f.err
	}
	event := f.result
	event.SwapID = params.SwapID
	return event, nil
}

type fakeSink struct {
	records []TradeRecord
}

func (f *fakeSink) Write(r TradeRecord) error {
	f.records = append(f.records, r)
	return nil
}

func newTestController(t *testing.T, runner ExecutorRunner, pub OrderPublisher, sink HistorySink) (*Controller, Channels, chan RateResult, chan BtcBalanceResult, chan DaiBalanceResult, chan OrderMatch) {
	t.Helper()
	st := newTestStore(t)

	rateCh := make(chan RateResult, 4)
	btcCh := make(chan BtcBalanceResult, 4)
	daiCh := make(chan DaiBalanceResult, 4)
	matchCh := make(chan OrderMatch, 4)

	ch := Channels{
		RateTicks:      rateCh,
		BtcBalanceTick: btcCh,
		DaiBalanceTick: daiCh,
		Matches:        matchCh,
	}

	cfg := Config{Spread: mustSpread(t, 0)}
	c := New(cfg, st, runner, pub, sink, ch)
	return c, ch, rateCh, btcCh, daiCh, matchCh
}

func mustSpread(t *testing.T, bps uint32) money.Spread {
	t.Helper()
	s, err := money.NewSpreadBasisPoints(bps)
	if err != nil {
		t.Fatalf("NewSpreadBasisPoints: %v", err)
	}
	return s
}

func TestControllerPublishesOnRateAndBalanceTicks(t *testing.T) {
	pub := &fakePublisher{}
	c, _, rateCh, btcCh, daiCh, _ := newTestController(t, &fakeRunner{}, pub, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	rateCh <- RateResult{Rate: mustRate(t, 1.0, money.RateExpBTCToDAI)}
	btcCh <- BtcBalanceResult{Balance: 10_000_000}
	daiCh <- DaiBalanceResult{Balance: attos(1_000_000_000_000_000_000)}

	deadline := time.After(2 * time.Second)
	for len(pub.published) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for published orders, got %d", len(pub.published))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestControllerRejectsUnprofitableMatch(t *testing.T) {
	pub := &fakePublisher{}
	c, _, rateCh, btcCh, daiCh, matchCh := newTestController(t, &fakeRunner{}, pub, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	rateCh <- RateResult{Rate: mustRate(t, 1.0, money.RateExpBTCToDAI)}
	btcCh <- BtcBalanceResult{Balance: 10_000_000}
	daiCh <- DaiBalanceResult{Balance: attos(1_000_000_000_000_000_000)}
	time.Sleep(50 * time.Millisecond) // let ticks settle before the match

	matchCh <- OrderMatch{
		Order: order.Order{Side: order.Sell, Base: 1_000_000, Quote: attos(1)}, // absurdly low quote
		Params: htlcswap.SwapParams{
			SwapID: "rejected-swap",
			Role:   htlcswap.RoleBtcForDai,
		},
		CounterpartyPeerID: "peer-1",
	}
	time.Sleep(50 * time.Millisecond)

	headers, err := c.store.AllSwaps()
	if err != nil {
		t.Fatalf("AllSwaps: %v", err)
	}
	if len(headers) != 0 {
		t.Fatalf("expected no persisted swap for a rejected match, got %d", len(headers))
	}
}

func TestControllerAcceptsMatchAndReleasesOnFinish(t *testing.T) {
	pub := &fakePublisher{}
	sink := &fakeSink{}
	runner := &fakeRunner{result: htlcswap.FinishedEvent{State: htlcswap.Completed}}
	c, _, rateCh, btcCh, daiCh, matchCh := newTestController(t, runner, pub, sink)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	rateCh <- RateResult{Rate: mustRate(t, 1.0, money.RateExpBTCToDAI)}
	btcCh <- BtcBalanceResult{Balance: 10_000_000}
	daiCh <- DaiBalanceResult{Balance: attos(1_000_000_000_000_000_000)}
	time.Sleep(50 * time.Millisecond)

	swapID := "accepted-swap"
	matchCh <- OrderMatch{
		Order: order.Order{Side: order.Sell, Base: 1_000_000, Quote: attos(10_000_000_000_000_000)},
		Params: htlcswap.SwapParams{
			SwapID:      swapID,
			Role:        htlcswap.RoleBtcForDai,
			StartOfSwap: time.Now(),
		},
		CounterpartyPeerID: "peer-2",
	}

	deadline := time.After(2 * time.Second)
	for len(sink.records) < 1 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for trade history record")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if sink.records[0].SwapID != swapID {
		t.Fatalf("SwapID = %q, want %q", sink.records[0].SwapID, swapID)
	}
	if sink.records[0].State != htlcswap.Completed {
		t.Fatalf("State = %v, want Completed", sink.records[0].State)
	}

	headers, err := c.store.AllSwaps()
	if err != nil {
		t.Fatalf("AllSwaps: %v", err)
	}
	if len(headers) != 0 {
		t.Fatalf("expected swap to be removed from store after finishing, got %d", len(headers))
	}
}

func TestDecideInsufficientFundsOnOversizedSell(t *testing.T) {
	pub := &fakePublisher{}
	c, _, rateCh, btcCh, daiCh, _ := newTestController(t, &fakeRunner{}, pub, nil)
	c.rateValid = true
	c.midRate = mustRate(t, 1.0, money.RateExpBTCToDAI)
	c.daiBalanceValid = true
	c.daiBalance = attos(1_000)
	c.btcBalanceValid = true
	c.btcBalance = 500_000
	_ = rateCh
	_ = btcCh
	_ = daiCh

	o := order.Order{Side: order.Sell, Base: 1_000_000, Quote: attos(20_000_000_000_000_000)}
	decision, err := c.decide(o)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision != InsufficientFunds {
		t.Fatalf("decision = %v, want InsufficientFunds", decision)
	}
}
