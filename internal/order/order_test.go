package order

import (
	"testing"

	"github.com/klingon-exchange/swapmaker/internal/money"
)

func mustRate(t *testing.T, f float64) money.Rate {
	t.Helper()
	r, err := money.RateFromFloat(f, money.RateExpBTCToDAI)
	if err != nil {
		t.Fatalf("RateFromFloat(%v): %v", f, err)
	}
	return r
}

func mustSpread(t *testing.T, bps uint32) money.Spread {
	t.Helper()
	s, err := money.NewSpreadBasisPoints(bps)
	if err != nil {
		t.Fatalf("NewSpreadBasisPoints(%d): %v", bps, err)
	}
	return s
}

// TestHappySell mirrors spec.md §8 scenario 1.
func TestHappySell(t *testing.T) {
	rate := mustRate(t, 10000.0)
	spread := mustSpread(t, 500) // 5%
	maxSell := money.Sats(100_000_000)

	o, err := NewSellOrder(3*100_000_000, 0, 0, &maxSell, rate, spread)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Base != 100_000_000 {
		t.Errorf("expected base=1 BTC, got %d sats", o.Base)
	}

	wantQuote, _ := money.FromDaiTrunc(10500.0)
	if o.Quote.Cmp(wantQuote) != 0 {
		t.Errorf("expected quote=10500 DAI (%s attos), got %s", wantQuote, o.Quote)
	}
}

func TestSellOrderNoAvailableBalance(t *testing.T) {
	rate := mustRate(t, 10000.0)
	spread := mustSpread(t, 0)

	o, err := NewSellOrder(1_000_000, 1_000_000, 0, nil, rate, spread)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Base != 0 {
		t.Errorf("expected zero sell base when balance==reserved, got %d", o.Base)
	}
}

func TestSellOrderUnderflowsOnFeeReserve(t *testing.T) {
	rate := mustRate(t, 10000.0)
	spread := mustSpread(t, 0)

	_, err := NewSellOrder(100, 90, 50, nil, rate, spread)
	if err != ErrWouldUnderflow {
		t.Fatalf("expected ErrWouldUnderflow, got %v", err)
	}
}

func TestIsProfitableRejectsBelowFloor(t *testing.T) {
	rate := mustRate(t, 10000.0)
	spread := mustSpread(t, 0)

	offer := Order{Side: Sell, Base: 100_000_000, Quote: mustAttos(t, 9000.0)}
	ok, err := IsProfitable(offer, rate, spread)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected offer below the floor rate to be unprofitable")
	}
}

func mustAttos(t *testing.T, f float64) money.Attos {
	t.Helper()
	a, err := money.FromDaiTrunc(f)
	if err != nil {
		t.Fatalf("FromDaiTrunc(%v): %v", f, err)
	}
	return a
}
