// Package maker implements the market-maker controller (component E): a
// single-threaded event reducer that owns trading state (balances,
// reservations, mid-market rate) and drives the order builder (A/B) and the
// per-swap HTLC executors (D) in response to ticks, match offers, and
// swap-finished notifications.
package maker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/htlcswap"
	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/internal/order"
	"github.com/klingon-exchange/swapmaker/internal/store"
	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

// MatchDecision is the controller's verdict on an offered match.
type MatchDecision string

const (
	GoForSwap         MatchDecision = "GoForSwap"
	RateNotProfitable MatchDecision = "RateNotProfitable"
	InsufficientFunds MatchDecision = "InsufficientFunds"
)

// RateResult mirrors a Result<Rate> tick: either a fresh mid-market rate or
// an error invalidating the previous one.
type RateResult struct {
	Rate money.Rate
	Err  error
}

// BtcBalanceResult mirrors a Result<Sats> tick.
type BtcBalanceResult struct {
	Balance money.Sats
	Err     error
}

// DaiBalanceResult mirrors a Result<Attos> tick.
type DaiBalanceResult struct {
	Balance money.Attos
	Err     error
}

// OrderMatch is an offered match from a counterparty, already translated
// into a fully negotiated swap by the peer layer (component G): the order
// terms plus the concrete HTLC parameters D would need to run it.
type OrderMatch struct {
	Order              order.Order
	CounterpartyPeerID string
	Params             htlcswap.SwapParams
}

// TradeRecord is the shape fed to HistorySink on every terminal swap,
// grounded on nectar's into_history_trade/History::write call in
// handle_finished_swap.
type TradeRecord struct {
	SwapID             string
	Side               order.Side
	Base               money.Sats
	Quote              money.Attos
	CounterpartyPeerID string
	FinishedAt         time.Time
	State              htlcswap.TerminalState
}

// HistorySink is the external collaborator that appends one row per
// finished swap; the CSV writer itself is out of scope, only this contract.
type HistorySink interface {
	Write(TradeRecord) error
}

// OrderPublisher is the peer-layer capability the controller needs to push
// its current sell/buy quotes, and clear them when they go stale.
type OrderPublisher interface {
	Publish(ctx context.Context, o order.Order) error
	ClearOwnOrders(ctx context.Context) error
}

// ExecutorRunner runs one swap to completion. In production this is
// (*htlcswap.Executor).Run; tests substitute a fake.
type ExecutorRunner interface {
	Run(ctx context.Context, params htlcswap.SwapParams) (htlcswap.FinishedEvent, error)
}

// Config holds the controller's trading parameters (spec.md §6 maker.*).
type Config struct {
	BtcMaxSell *money.Sats
	DaiMaxSell *money.Attos
	Spread     money.Spread
	FeeReserve money.Sats
}

// swapFinishedMsg is the internal channel element fed by each spawned D
// goroutine back to the controller's single-threaded select loop.
type swapFinishedMsg struct {
	event              htlcswap.FinishedEvent
	counterpartyPeerID string
	side               order.Side
	base               money.Sats
	quote              money.Attos
}

// Controller is the single-threaded trading-state reducer described in
// spec.md §4.5. All mutation of trading state happens on the run goroutine;
// callers interact only through the exported channels' send side and the
// Start/Stop lifecycle.
type Controller struct {
	cfg    Config
	store  *store.Store
	runner ExecutorRunner
	pub    OrderPublisher
	sink   HistorySink
	log    *logging.Logger

	rateTicks <-chan RateResult
	btcTicks  <-chan BtcBalanceResult
	daiTicks  <-chan DaiBalanceResult
	matches   <-chan OrderMatch
	finished  chan swapFinishedMsg

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// trading state, owned exclusively by the run goroutine
	btcBalance, btcReserved money.Sats
	daiBalance, daiReserved money.Attos
	btcBalanceValid         bool
	daiBalanceValid         bool
	midRate                 money.Rate
	rateValid               bool
	publishedSell           *order.Order
	publishedBuy            *order.Order
}

// Channels bundles the four external event sources the controller selects
// over (spec.md §5: "selects over four independent channels").
type Channels struct {
	RateTicks      <-chan RateResult
	BtcBalanceTick <-chan BtcBalanceResult
	DaiBalanceTick <-chan DaiBalanceResult
	Matches        <-chan OrderMatch
}

// New constructs a Controller. Call Start to begin processing.
func New(cfg Config, st *store.Store, runner ExecutorRunner, pub OrderPublisher, sink HistorySink, ch Channels) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     st,
		runner:    runner,
		pub:       pub,
		sink:      sink,
		log:       logging.GetDefault().Component("maker"),
		rateTicks: ch.RateTicks,
		btcTicks:  ch.BtcBalanceTick,
		daiTicks:  ch.DaiBalanceTick,
		matches:   ch.Matches,
		finished:  make(chan swapFinishedMsg),
		done:      make(chan struct{}),
	}
}

// Start enumerates the swap store for in-flight swaps and logs each one via
// respawn, then begins the select loop (spec.md §4.5 "Startup"). It neither
// spawns executors nor re-adds reservations; cmd/swapmakerd does both for
// each persisted swap through RespawnSwap.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	headers, err := c.store.AllSwaps()
	if err != nil {
		return err
	}
	for _, h := range headers {
		if err := c.respawn(h); err != nil {
			c.log.Warn("failed to respawn swap from store", "swap_id", h.SwapID, "error", err)
		}
	}

	go c.run()
	return nil
}

// Stop cancels the run loop and waits for it to exit. In-flight D goroutines
// are not cancelled (spec.md §5: "no mid-flight cancellation of a running D");
// they continue to a terminal state and deliver to c.finished, which is
// abandoned once run() has returned — acceptable because RemoveSwap/history
// already happened inside run() before exit only for swaps finished before
// shutdown; any swap still running at shutdown is picked up again by the
// next process's Start via the store.
func (c *Controller) Stop() {
	c.cancel()
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case r, ok := <-c.rateTicks:
			if !ok {
				c.rateTicks = nil
				continue
			}
			c.onRateTick(r)
		case b, ok := <-c.btcTicks:
			if !ok {
				c.btcTicks = nil
				continue
			}
			c.onBtcBalanceTick(b)
		case d, ok := <-c.daiTicks:
			if !ok {
				c.daiTicks = nil
				continue
			}
			c.onDaiBalanceTick(d)
		case m, ok := <-c.matches:
			if !ok {
				c.matches = nil
				continue
			}
			c.onMatchOffered(m)
		case f := <-c.finished:
			c.onSwapFinished(f)
		}
	}
}

func (c *Controller) onRateTick(r RateResult) {
	if r.Err != nil {
		c.rateValid = false
		c.log.Warn("rate source error, invalidating mid-market rate", "error", r.Err)
		return
	}
	changed := !c.rateValid || c.midRate.String() != r.Rate.String()
	c.midRate = r.Rate
	c.rateValid = true
	if changed {
		c.republish()
	}
}

func (c *Controller) onBtcBalanceTick(b BtcBalanceResult) {
	if b.Err != nil {
		c.btcBalanceValid = false
		c.log.Warn("btc balance fetch error", "error", b.Err)
		return
	}
	changed := !c.btcBalanceValid || c.btcBalance != b.Balance
	c.btcBalance = b.Balance
	c.btcBalanceValid = true
	if changed {
		c.publishSell()
	}
}

func (c *Controller) onDaiBalanceTick(d DaiBalanceResult) {
	if d.Err != nil {
		c.daiBalanceValid = false
		c.log.Warn("dai balance fetch error", "error", d.Err)
		return
	}
	changed := !c.daiBalanceValid || c.daiBalance.Cmp(d.Balance) != 0
	c.daiBalance = d.Balance
	c.daiBalanceValid = true
	if changed {
		c.publishBuy()
	}
}

// republish clears previously published orders and emits fresh ones on both
// sides, per spec.md §4.5 ("replace mid_market_rate and if changed emit a
// new sell and new buy order, clearing previously published orders").
func (c *Controller) republish() {
	if err := c.pub.ClearOwnOrders(c.ctx); err != nil {
		c.log.Warn("failed to clear own orders", "error", err)
	}
	c.publishedSell = nil
	c.publishedBuy = nil
	c.publishSell()
	c.publishBuy()
}

func (c *Controller) publishSell() {
	if !c.rateValid || !c.btcBalanceValid {
		return
	}
	o, err := order.NewSellOrder(c.btcBalance, c.btcReserved, c.cfg.FeeReserve, c.cfg.BtcMaxSell, c.midRate, c.cfg.Spread)
	if err != nil {
		c.log.Debug("no sell order this tick", "error", err)
		return
	}
	c.publishedSell = &o
	if err := c.pub.Publish(c.ctx, o); err != nil {
		c.log.Warn("failed to publish sell order", "error", err)
	}
}

func (c *Controller) publishBuy() {
	if !c.rateValid || !c.daiBalanceValid {
		return
	}
	o, err := order.NewBuyOrder(c.daiBalance, c.daiReserved, c.cfg.DaiMaxSell, c.midRate, c.cfg.Spread)
	if err != nil {
		c.log.Debug("no buy order this tick", "error", err)
		return
	}
	c.publishedBuy = &o
	if err := c.pub.Publish(c.ctx, o); err != nil {
		c.log.Warn("failed to publish buy order", "error", err)
	}
}

// errNoRateYet is never returned to callers; onMatchOffered logs it and
// drops the event rather than surfacing it as a MatchDecision, since "we
// don't have a rate or balance yet" is an internal-state gap, not a verdict
// on the counterparty's offer.
var errNoRateYet = errors.New("maker: no valid mid-market rate or balance yet")

// onMatchOffered implements the match-decision algorithm (spec.md §4.5).
func (c *Controller) onMatchOffered(m OrderMatch) {
	decision, err := c.decide(m.Order)
	if err != nil {
		c.log.Warn("match decision error, dropping event", "error", err, "counterparty", m.CounterpartyPeerID)
		return
	}
	switch decision {
	case RateNotProfitable:
		c.log.Info("match rejected: not profitable", "counterparty", m.CounterpartyPeerID)
		return
	case InsufficientFunds:
		c.log.Info("match rejected: insufficient funds", "counterparty", m.CounterpartyPeerID)
		return
	}

	hbitJSON, err := json.Marshal(m.Params.Hbit)
	if err != nil {
		c.log.Warn("failed to marshal hbit params, dropping match", "swap_id", m.Params.SwapID, "error", err)
		return
	}
	herc20JSON, err := json.Marshal(m.Params.Herc20)
	if err != nil {
		c.log.Warn("failed to marshal herc20 params, dropping match", "swap_id", m.Params.SwapID, "error", err)
		return
	}
	var secretHex string
	if m.Params.Role == htlcswap.RoleBtcForDai {
		secretHex = m.Params.Secret.Hex()
	}
	header := store.SwapHeader{
		SwapID:              m.Params.SwapID,
		Role:                string(m.Params.Role),
		HbitParams:          hbitJSON,
		Herc20Params:        herc20JSON,
		SecretHash:          htlcswap.Secret(m.Params.SecretHash).Hex(),
		Secret:              secretHex,
		StartOfSwapUnixNano: m.Params.StartOfSwap.UnixNano(),
		CounterpartyPeerID:  m.CounterpartyPeerID,
	}
	if err := c.store.InsertSwap(header); err != nil {
		c.log.Warn("failed to persist swap header, dropping match", "swap_id", m.Params.SwapID, "error", err)
		return
	}

	if err := c.store.InsertActivePeer(m.CounterpartyPeerID); err != nil {
		c.log.Warn("failed to mark active peer", "peer", m.CounterpartyPeerID, "error", err)
	}
	c.reserve(m.Order)
	c.spawn(m)
}

// decide runs steps 1-3 of the match-decision algorithm; step 4 (the
// reservation/spawn side effects) lives in onMatchOffered since they must
// only happen once the caller has committed to GoForSwap.
func (c *Controller) decide(o order.Order) (MatchDecision, error) {
	if !c.rateValid {
		return "", errNoRateYet
	}

	profitable, err := order.IsProfitable(o, c.midRate, c.cfg.Spread)
	if err != nil {
		return "", err
	}
	if !profitable {
		return RateNotProfitable, nil
	}

	switch o.Side {
	case order.Sell:
		// We are selling BTC to the counterparty: we pay out BTC (base) plus fee.
		if !c.btcBalanceValid {
			return "", errNoRateYet
		}
		delta := o.Base + c.cfg.FeeReserve
		if c.btcReserved+delta > c.btcBalance || delta < o.Base {
			return InsufficientFunds, nil
		}
	case order.Buy:
		// We are selling DAI to the counterparty: we pay out DAI (quote).
		if !c.daiBalanceValid {
			return "", errNoRateYet
		}
		delta := o.Quote
		projected := c.daiReserved.Add(delta)
		if projected.Cmp(c.daiBalance) > 0 {
			return InsufficientFunds, nil
		}
	}
	return GoForSwap, nil
}

func (c *Controller) reserve(o order.Order) {
	switch o.Side {
	case order.Sell:
		c.btcReserved += o.Base + c.cfg.FeeReserve
	case order.Buy:
		c.daiReserved = c.daiReserved.Add(o.Quote)
	}
}

func (c *Controller) release(side order.Side, base money.Sats, quote money.Attos) {
	switch side {
	case order.Sell:
		delta := base + c.cfg.FeeReserve
		if delta > c.btcReserved {
			c.log.Warn("btc reservation underflow on release, clamping to zero")
			c.btcReserved = 0
			return
		}
		c.btcReserved -= delta
	case order.Buy:
		next, err := c.daiReserved.Sub(quote)
		if err != nil {
			c.log.Warn("dai reservation underflow on release, clamping to zero", "error", err)
			next = money.ZeroAttos()
		}
		c.daiReserved = next
	}
}

// spawn launches the per-swap executor as an independent goroutine (spec.md
// §5: "Each D instance runs as an independent cooperative task").
func (c *Controller) spawn(m OrderMatch) {
	go func() {
		event, err := c.runner.Run(context.WithoutCancel(c.ctx), m.Params)
		if err != nil {
			c.log.Warn("swap executor returned an error", "swap_id", m.Params.SwapID, "error", err)
			return
		}
		select {
		case c.finished <- swapFinishedMsg{
			event:              event,
			counterpartyPeerID: m.CounterpartyPeerID,
			side:               m.Order.Side,
			base:               m.Order.Base,
			quote:              m.Order.Quote,
		}:
		case <-c.ctx.Done():
		}
	}()
}

// respawn logs a persisted swap found at startup. Reconstructing its full
// SwapParams (HTLC addresses, timelocks, the secret) requires the
// peer-layer/chain-interface adapter, which cmd/swapmakerd owns; it calls
// RespawnSwap once per header after doing that reconstruction.
func (c *Controller) respawn(h store.SwapHeader) error {
	c.log.Info("swap pending respawn", "swap_id", h.SwapID, "role", h.Role)
	return nil
}

// RespawnSwap is called by cmd/swapmakerd once it has reconstructed full
// SwapParams (HTLC details, ledgers) for a header returned by AllSwaps at
// startup. It re-adds the reservation and spawns the executor exactly as a
// freshly matched swap would.
func (c *Controller) RespawnSwap(params htlcswap.SwapParams, counterpartyPeerID string, side order.Side, base money.Sats, quote money.Attos) {
	switch side {
	case order.Sell:
		c.btcReserved += base + c.cfg.FeeReserve
	case order.Buy:
		c.daiReserved = c.daiReserved.Add(quote)
	}
	c.spawn(OrderMatch{
		Order:              order.Order{Side: side, Base: base, Quote: quote},
		CounterpartyPeerID: counterpartyPeerID,
		Params:             params,
	})
}

func (c *Controller) onSwapFinished(f swapFinishedMsg) {
	c.release(f.side, f.base, f.quote)

	if err := c.store.RemoveSwap(f.event.SwapID); err != nil {
		c.log.Warn("failed to remove finished swap from store", "swap_id", f.event.SwapID, "error", err)
	}

	// active_peers has no refcount, so only clear the marker once no other
	// persisted swap still names this counterparty (spec.md §8 invariant 2:
	// "...unless that peer has another active swap").
	remaining, err := c.store.AllSwaps()
	if err != nil {
		c.log.Warn("failed to enumerate swaps while clearing active peer", "error", err)
	} else {
		peerStillActive := false
		for _, h := range remaining {
			if h.CounterpartyPeerID == f.counterpartyPeerID {
				peerStillActive = true
				break
			}
		}
		if !peerStillActive {
			if err := c.store.RemoveActivePeer(f.counterpartyPeerID); err != nil {
				c.log.Warn("failed to clear active peer", "peer", f.counterpartyPeerID, "error", err)
			}
		}
	}

	if c.sink != nil {
		record := TradeRecord{
			SwapID:             f.event.SwapID,
			Side:               f.side,
			Base:               f.base,
			Quote:              f.quote,
			CounterpartyPeerID: f.counterpartyPeerID,
			FinishedAt:         time.Now(),
			State:              f.event.State,
		}
		if err := c.sink.Write(record); err != nil {
			c.log.Warn("failed to write trade history record", "swap_id", f.event.SwapID, "error", err)
		}
	}
}
