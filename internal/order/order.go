// Package order builds canonical (base, quote) order pairs from wallet
// balance, reservations, caps, rate, and spread.
package order

import (
	"errors"

	"github.com/klingon-exchange/swapmaker/internal/money"
)

// Side is which side of the book an order sits on.
type Side string

const (
	Sell Side = "sell" // selling BTC for DAI
	Buy  Side = "buy"  // selling DAI for BTC
)

// Errors returned by the order builder. Per spec §7, a computation error
// here is treated by the controller as "no new order this tick".
var (
	ErrRateInvalid    = errors.New("order: rate is invalid")
	ErrWouldUnderflow = errors.New("order: reserved and fee reserve exceed balance")
)

// Order is the immutable (side, base, quote) triple produced by the builder.
type Order struct {
	Side  Side
	Base  money.Sats
	Quote money.Attos
}

// NewSellOrder builds a Sell order selling BTC for DAI.
//
//  1. available = btc_balance - btc_reserved
//  2. sell_base = min(available, btc_max_sell or available) - fee_reserve
//  3. ask_rate = mid_rate * (1+spread), truncated to the BTC->DAI precision bound
//  4. quote = convert(sell_base, 8, ask_rate, ..., 18)
func NewSellOrder(btcBalance, btcReserved, feeReserve money.Sats, btcMaxSell *money.Sats, midRate money.Rate, spread money.Spread) (Order, error) {
	if btcReserved > btcBalance {
		return Order{}, ErrWouldUnderflow
	}
	available := btcBalance - btcReserved

	capped := available
	if btcMaxSell != nil {
		capped = money.MinSats(available, *btcMaxSell)
	}
	if feeReserve > capped {
		return Order{}, ErrWouldUnderflow
	}
	sellBase := capped - feeReserve

	askRate := spread.Apply(midRate, true)

	quote, err := money.ConvertSatsToAttos(sellBase, askRate)
	if err != nil {
		return Order{}, err
	}

	return Order{Side: Sell, Base: sellBase, Quote: quote}, nil
}

// NewBuyOrder builds a Buy order selling DAI for BTC.
//
//  1. available = dai_balance - dai_reserved (capped to dai_max_sell)
//  2. bid_rate = mid_rate * (1-spread), truncated; quote side is capped to available
//  3. base = convert(quote, 18, 1/bid_rate, ..., 8)
func NewBuyOrder(daiBalance, daiReserved money.Attos, daiMaxSell *money.Attos, midRate money.Rate, spread money.Spread) (Order, error) {
	available, err := daiBalance.Sub(daiReserved)
	if err != nil {
		return Order{}, ErrWouldUnderflow
	}
	if daiMaxSell != nil {
		available = money.Min(available, *daiMaxSell)
	}

	bidRate := spread.Apply(midRate, false)
	inverseBidRate, err := bidRate.Invert(money.RateExpDAIToBTC)
	if err != nil {
		return Order{}, err
	}

	base, err := money.ConvertAttosToSats(available, inverseBidRate)
	if err != nil {
		return Order{}, err
	}

	return Order{Side: Buy, Base: base, Quote: available}, nil
}

// CurrentProfitableRate recomputes the rate floor/ceiling the controller
// compares a counterparty's offered order against: spread applied in the
// same direction as the order's side, exactly as new_sell_order/new_buy_order
// apply it when building our own quotes.
func CurrentProfitableRate(midRate money.Rate, spread money.Spread, side Side) money.Rate {
	return spread.Apply(midRate, side == Sell)
}

// IsProfitable reports whether an offered order (from the counterparty's
// perspective, i.e. mirroring our side) is at least as good as the current
// profitable rate: for a Sell order we require quote/base >= floor rate; for
// a Buy order we require quote/base <= ceiling rate (we are paying out quote,
// receiving base, and want to pay no more per unit than our bid).
func IsProfitable(offered Order, midRate money.Rate, spread money.Spread) (bool, error) {
	floor := CurrentProfitableRate(midRate, spread, offered.Side)

	// Compare offered.Quote against convert(offered.Base, floor) at floor's
	// own exponent: for Sell we require offered.Quote >= floorQuote; for Buy
	// we require offered.Quote <= floorQuote (since for Buy, base/quote are
	// from the counterparty's Sell perspective of DAI, a lower quote for the
	// same base is better for us).
	floorQuote, err := money.ConvertSatsToAttos(offered.Base, floor)
	if err != nil {
		return false, err
	}

	if offered.Side == Sell {
		return offered.Quote.Cmp(floorQuote) >= 0, nil
	}
	return offered.Quote.Cmp(floorQuote) <= 0, nil
}
