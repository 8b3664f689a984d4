package ticks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/money"
)

type fakeRateSource struct {
	ticker Ticker
	err    error
}

func (f *fakeRateSource) FetchTicker(ctx context.Context) (Ticker, error) {
	if f.err != nil {
		return Ticker{}, f.err
	}
	return f.ticker, nil
}

func TestMidRateAveragesAskAndBid(t *testing.T) {
	ticker := Ticker{Ask: []string{"10001.0"}, Bid: []string{"9999.0"}}
	rate, err := midRate(ticker, money.RateExpBTCToDAI)
	if err != nil {
		t.Fatalf("midRate: %v", err)
	}
	want, err := money.RateFromFloat(10000.0, money.RateExpBTCToDAI)
	if err != nil {
		t.Fatalf("RateFromFloat: %v", err)
	}
	if rate.String() != want.String() {
		t.Fatalf("rate = %+v, want %+v", rate, want)
	}
}

func TestMidRateRejectsMalformedAsk(t *testing.T) {
	ticker := Ticker{Ask: []string{"not-a-number"}, Bid: []string{"9999.0"}}
	if _, err := midRate(ticker, money.RateExpBTCToDAI); err == nil {
		t.Fatalf("expected error for malformed ask")
	}
}

func TestRateTickerEmitsResultOnEachPoll(t *testing.T) {
	source := &fakeRateSource{ticker: Ticker{Ask: []string{"2.0"}, Bid: []string{"2.0"}}}
	rt := NewRateTicker(source, 20*time.Millisecond, money.RateExpBTCToDAI)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	defer func() {
		cancel()
		rt.Stop()
	}()

	select {
	case result := <-rt.Results():
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		want, _ := money.RateFromFloat(2.0, money.RateExpBTCToDAI)
		if result.Rate.String() != want.String() {
			t.Fatalf("rate = %+v, want %+v", result.Rate, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for first rate tick")
	}
}

func TestRateTickerPropagatesFetchError(t *testing.T) {
	source := &fakeRateSource{err: errors.New("rate source unreachable")}
	rt := NewRateTicker(source, 20*time.Millisecond, money.RateExpBTCToDAI)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	defer func() {
		cancel()
		rt.Stop()
	}()

	select {
	case result := <-rt.Results():
		if result.Err == nil {
			t.Fatalf("expected error result")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error tick")
	}
}

func TestRateTickerStopsCleanly(t *testing.T) {
	source := &fakeRateSource{ticker: Ticker{Ask: []string{"1.0"}, Bid: []string{"1.0"}}}
	rt := NewRateTicker(source, 10*time.Millisecond, money.RateExpBTCToDAI)
	rt.Start(context.Background())
	<-rt.Results()
	rt.Stop()
}

type fakeBtcWallet struct {
	balance money.Sats
	err     error
}

func (f *fakeBtcWallet) Balance(ctx context.Context) (money.Sats, error) {
	return f.balance, f.err
}

func TestBtcBalanceTickerEmitsBalance(t *testing.T) {
	wallet := &fakeBtcWallet{balance: 42_000}
	bt := NewBtcBalanceTicker(wallet, 20*time.Millisecond)
	bt.Start(context.Background())
	defer bt.Stop()

	select {
	case result := <-bt.Results():
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if result.Balance != 42_000 {
			t.Fatalf("Balance = %v, want 42000", result.Balance)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for btc balance tick")
	}
}

type fakeDaiWallet struct {
	balance money.Attos
	err     error
}

func (f *fakeDaiWallet) DaiBalance(ctx context.Context) (money.Attos, error) {
	return f.balance, f.err
}

func TestDaiBalanceTickerEmitsBalance(t *testing.T) {
	zero := money.ZeroAttos()
	wallet := &fakeDaiWallet{balance: zero}
	dt := NewDaiBalanceTicker(wallet, 20*time.Millisecond)
	dt.Start(context.Background())
	defer dt.Stop()

	select {
	case result := <-dt.Results():
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dai balance tick")
	}
}
