// Package ticks implements the periodic producers (component F) that feed
// the market-maker controller (E): a rate-source HTTP poller and balance
// pollers for each wallet side. Each producer runs as its own sleeping
// goroutine and sends onto a capacity-zero (rendezvous) channel, so a slow
// controller naturally backpressures the producer (spec.md §5).
package ticks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapmaker/internal/maker"
	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

// Ticker is the rate source's JSON shape (spec.md §6): at minimum an ask and
// bid array, first element of each the best price as a decimal string.
type Ticker struct {
	Ask []string `json:"ask"`
	Bid []string `json:"bid"`
}

// RateSource fetches the current ticker from the configured rate source.
type RateSource interface {
	FetchTicker(ctx context.Context) (Ticker, error)
}

// HTTPRateSource is a RateSource backed by an HTTP GET against a JSON ticker
// endpoint, the default and only production implementation.
type HTTPRateSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPRateSource constructs an HTTPRateSource with a sane default client
// timeout; RateTicker additionally bounds each fetch with ctx.
func NewHTTPRateSource(url string) *HTTPRateSource {
	return &HTTPRateSource{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPRateSource) FetchTicker(ctx context.Context) (Ticker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Ticker{}, fmt.Errorf("ticks: build rate source request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return Ticker{}, fmt.Errorf("ticks: fetch rate source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Ticker{}, fmt.Errorf("ticks: rate source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ticker{}, fmt.Errorf("ticks: read rate source body: %w", err)
	}

	var t Ticker
	if err := json.Unmarshal(body, &t); err != nil {
		return Ticker{}, fmt.Errorf("ticks: decode rate source body: %w", err)
	}
	if len(t.Ask) == 0 || len(t.Bid) == 0 {
		return Ticker{}, fmt.Errorf("ticks: rate source ticker missing ask or bid")
	}
	return t, nil
}

// midRate parses the ticker's best ask/bid as decimal.Decimal — rejecting
// malformed or non-finite text at the parse boundary exactly where the spec
// calls for it (a float only enters the system here) — and returns their
// mean scaled to a money.Rate at the given precision.
func midRate(t Ticker, exp int32) (money.Rate, error) {
	ask, err := decimal.NewFromString(t.Ask[0])
	if err != nil {
		return money.Rate{}, fmt.Errorf("ticks: parse ask %q: %w", t.Ask[0], err)
	}
	bid, err := decimal.NewFromString(t.Bid[0])
	if err != nil {
		return money.Rate{}, fmt.Errorf("ticks: parse bid %q: %w", t.Bid[0], err)
	}
	mid := ask.Add(bid).Div(decimal.NewFromInt(2))
	f, exact := mid.Float64()
	if !exact {
		// mid carries more precision than float64 can exactly hold; that's
		// fine here since RateFromFloat re-validates digit count against exp
		// on the float's own shortest round-tripping text — see money.go.
		_ = exact
	}
	return money.RateFromFloat(f, exp)
}

// RateTicker periodically polls a RateSource and emits a mid-market Rate
// (or error) on Results.
type RateTicker struct {
	source   RateSource
	interval time.Duration
	exp      int32
	results  chan maker.RateResult
	log      *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRateTicker constructs a RateTicker. Call Start to begin polling.
func NewRateTicker(source RateSource, interval time.Duration, exp int32) *RateTicker {
	return &RateTicker{
		source:   source,
		interval: interval,
		exp:      exp,
		results:  make(chan maker.RateResult),
		log:      logging.GetDefault().Component("ticks.rate"),
		done:     make(chan struct{}),
	}
}

// Results returns the channel the controller should wire into
// maker.Channels.RateTicks.
func (t *RateTicker) Results() <-chan maker.RateResult { return t.results }

// Start begins polling in its own goroutine.
func (t *RateTicker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels polling and waits for the goroutine to exit.
func (t *RateTicker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *RateTicker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *RateTicker) poll(ctx context.Context) {
	raw, err := t.source.FetchTicker(ctx)
	var result maker.RateResult
	if err != nil {
		t.log.Warn("rate source fetch failed", "error", err)
		result = maker.RateResult{Err: err}
	} else {
		rate, err := midRate(raw, t.exp)
		if err != nil {
			t.log.Warn("invalid rate from source", "error", err)
			result = maker.RateResult{Err: err}
		} else {
			result = maker.RateResult{Rate: rate}
		}
	}
	select {
	case t.results <- result:
	case <-ctx.Done():
	}
}

// BitcoinBalanceFetcher is the subset of the Bitcoin wallet boundary (G)
// balance polling needs.
type BitcoinBalanceFetcher interface {
	Balance(ctx context.Context) (money.Sats, error)
}

// EthereumBalanceFetcher is the subset of the Ethereum wallet boundary (G)
// balance polling needs.
type EthereumBalanceFetcher interface {
	DaiBalance(ctx context.Context) (money.Attos, error)
}

// BtcBalanceTicker periodically polls a Bitcoin wallet's balance.
type BtcBalanceTicker struct {
	wallet   BitcoinBalanceFetcher
	interval time.Duration
	results  chan maker.BtcBalanceResult
	log      *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBtcBalanceTicker constructs a BtcBalanceTicker.
func NewBtcBalanceTicker(wallet BitcoinBalanceFetcher, interval time.Duration) *BtcBalanceTicker {
	return &BtcBalanceTicker{
		wallet:   wallet,
		interval: interval,
		results:  make(chan maker.BtcBalanceResult),
		log:      logging.GetDefault().Component("ticks.btc_balance"),
		done:     make(chan struct{}),
	}
}

// Results returns the channel the controller should wire into
// maker.Channels.BtcBalanceTick.
func (t *BtcBalanceTicker) Results() <-chan maker.BtcBalanceResult { return t.results }

// Start begins polling in its own goroutine.
func (t *BtcBalanceTicker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels polling and waits for the goroutine to exit.
func (t *BtcBalanceTicker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *BtcBalanceTicker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *BtcBalanceTicker) poll(ctx context.Context) {
	balance, err := t.wallet.Balance(ctx)
	var result maker.BtcBalanceResult
	if err != nil {
		t.log.Warn("btc balance fetch failed", "error", err)
		result = maker.BtcBalanceResult{Err: err}
	} else {
		result = maker.BtcBalanceResult{Balance: balance}
	}
	select {
	case t.results <- result:
	case <-ctx.Done():
	}
}

// DaiBalanceTicker periodically polls the Ethereum wallet's DAI balance.
type DaiBalanceTicker struct {
	wallet   EthereumBalanceFetcher
	interval time.Duration
	results  chan maker.DaiBalanceResult
	log      *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDaiBalanceTicker constructs a DaiBalanceTicker.
func NewDaiBalanceTicker(wallet EthereumBalanceFetcher, interval time.Duration) *DaiBalanceTicker {
	return &DaiBalanceTicker{
		wallet:   wallet,
		interval: interval,
		results:  make(chan maker.DaiBalanceResult),
		log:      logging.GetDefault().Component("ticks.dai_balance"),
		done:     make(chan struct{}),
	}
}

// Results returns the channel the controller should wire into
// maker.Channels.DaiBalanceTick.
func (t *DaiBalanceTicker) Results() <-chan maker.DaiBalanceResult { return t.results }

// Start begins polling in its own goroutine.
func (t *DaiBalanceTicker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels polling and waits for the goroutine to exit.
func (t *DaiBalanceTicker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

func (t *DaiBalanceTicker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *DaiBalanceTicker) poll(ctx context.Context) {
	balance, err := t.wallet.DaiBalance(ctx)
	var result maker.DaiBalanceResult
	if err != nil {
		t.log.Warn("dai balance fetch failed", "error", err)
		result = maker.DaiBalanceResult{Err: err}
	} else {
		result = maker.DaiBalanceResult{Balance: balance}
	}
	select {
	case t.results <- result:
	case <-ctx.Done():
	}
}
