package chainiface

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingon-exchange/swapmaker/internal/htlcswap"
	"github.com/klingon-exchange/swapmaker/internal/maker"
	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/internal/order"
	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

// orderTopic is the gossip channel our continuously-republished quotes go
// out on; direct negotiation (take/setup) happens over a point-to-point
// stream instead, since only the two trading peers need to see it.
const orderTopic = "/swapmaker/orders/1.0.0"

// swapDirectProtocol is the stream protocol for the two-message take/setup
// handshake that turns a gossiped quote into a fully parameterized swap.
const swapDirectProtocol protocol.ID = "/swapmaker/swap/direct/1.0.0"

const maxMessageSize = 1 << 16

// Message types carried over both the gossip topic and the direct stream.
const (
	msgOrderAnnounce = "order_announce"
	msgOrderCancel   = "order_cancel"
	msgOrderTake     = "order_take"
	msgHtlcSetup     = "htlc_setup"
)

// wireMessage is the envelope for every gossip and direct-stream message.
type wireMessage struct {
	Type     string          `json:"type"`
	FromPeer string          `json:"from_peer"`
	TradeID  string          `json:"trade_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type orderAnnouncePayload struct {
	Side  order.Side  `json:"side"`
	Base  money.Sats  `json:"base"`
	Quote money.Attos `json:"quote"`
}

// orderTakePayload is the taker's opening offer: it proposes a trade against
// the maker's last-announced quote and supplies its own half of the HTLC
// identity (the pubkey/address it needs to appear in the script/contract).
type orderTakePayload struct {
	Side        order.Side  `json:"side"`
	Base        money.Sats  `json:"base"`
	Quote       money.Attos `json:"quote"`
	SecretHash  [32]byte    `json:"secret_hash"`
	Expiry      time.Time   `json:"expiry"`
	HbitPubkey  []byte      `json:"hbit_pubkey"`
	Herc20Addr  string      `json:"herc20_addr"`
	TokenAddr   string      `json:"token_addr"`
	IsInitiator bool        `json:"is_initiator"` // true iff the taker originates the secret (see roleFor)
}

// htlcSetupPayload is the maker's reply, completing the other half of the
// HTLC identity so both sides can assemble identical Hbit/Herc20Params.
type htlcSetupPayload struct {
	HbitPubkey []byte `json:"hbit_pubkey"`
	Herc20Addr string `json:"herc20_addr"`
}

// pendingTake is a taker-initiated negotiation awaiting the maker's setup
// reply.
type pendingTake struct {
	order       order.Order
	secret      htlcswap.Secret
	isInitiator bool
	hbitPubkey  []byte
	herc20Addr  string
	tokenAddr   string
	expiry      time.Time
	swapID      string
	secretHash  [32]byte
}

// PeerLayer is the libp2p-backed component G peer layer: it gossips our own
// quotes, listens for other peers' quotes, and runs the take/setup handshake
// that turns a match into a fully parameterized htlcswap.SwapParams fed to
// the market-maker controller (E) as a maker.OrderMatch.
type PeerLayer struct {
	host host.Host
	ps   *pubsub.PubSub
	log  *logging.Logger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	hbitPubkey   []byte
	herc20Addr   string
	tokenAddr    string
	swapWindow   time.Duration
	feeReserve   money.Sats
	matches      chan maker.OrderMatch
	lastAnnounce map[order.Side]order.Order

	mu      sync.Mutex
	pending map[string]pendingTake // keyed by trade ID

	ctx    context.Context
	cancel context.CancelFunc
}

// PeerConfig carries the local identity PeerLayer embeds into every HTLC it
// negotiates.
type PeerConfig struct {
	HbitPubkey []byte        // our own compressed Bitcoin pubkey
	Herc20Addr string        // our own Ethereum address
	TokenAddr  string        // the DAI contract address
	SwapWindow time.Duration // Expiry = now + SwapWindow for swaps we initiate
}

// NewPeerLayer constructs a PeerLayer bound to an already-running libp2p
// host and pubsub instance.
func NewPeerLayer(h host.Host, ps *pubsub.PubSub, cfg PeerConfig) *PeerLayer {
	return &PeerLayer{
		host:         h,
		ps:           ps,
		log:          logging.GetDefault().Component("chainiface.peer"),
		hbitPubkey:   cfg.HbitPubkey,
		herc20Addr:   cfg.Herc20Addr,
		tokenAddr:    cfg.TokenAddr,
		swapWindow:   cfg.SwapWindow,
		matches:      make(chan maker.OrderMatch),
		lastAnnounce: make(map[order.Side]order.Order),
		pending:      make(map[string]pendingTake),
	}
}

// Matches is the channel the controller should wire into
// maker.Channels.Matches.
func (p *PeerLayer) Matches() <-chan maker.OrderMatch { return p.matches }

// Start joins the order topic and begins serving the direct handshake
// protocol.
func (p *PeerLayer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.ctx, p.cancel = ctx, cancel

	topic, err := p.ps.Join(orderTopic)
	if err != nil {
		cancel()
		return fmt.Errorf("chainiface: join order topic: %w", err)
	}
	p.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return fmt.Errorf("chainiface: subscribe order topic: %w", err)
	}
	p.sub = sub

	p.host.SetStreamHandler(swapDirectProtocol, p.handleStream)

	go p.processAnnouncements()
	p.log.Info("peer layer started", "topic", orderTopic)
	return nil
}

// Stop tears down the subscription and stream handler.
func (p *PeerLayer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.sub != nil {
		p.sub.Cancel()
	}
	if p.topic != nil {
		p.topic.Close()
	}
	p.host.RemoveStreamHandler(swapDirectProtocol)
}

// Publish gossips our current quote for o.Side, replacing whatever we last
// announced on that side.
func (p *PeerLayer) Publish(ctx context.Context, o order.Order) error {
	p.mu.Lock()
	p.lastAnnounce[o.Side] = o
	p.mu.Unlock()

	payload, err := json.Marshal(orderAnnouncePayload{Side: o.Side, Base: o.Base, Quote: o.Quote})
	if err != nil {
		return fmt.Errorf("chainiface: marshal order announce: %w", err)
	}
	return p.publish(ctx, wireMessage{Type: msgOrderAnnounce, FromPeer: p.host.ID().String(), Payload: payload})
}

// ClearOwnOrders withdraws both our sell and buy quotes.
func (p *PeerLayer) ClearOwnOrders(ctx context.Context) error {
	p.mu.Lock()
	p.lastAnnounce = make(map[order.Side]order.Order)
	p.mu.Unlock()
	return p.publish(ctx, wireMessage{Type: msgOrderCancel, FromPeer: p.host.ID().String()})
}

func (p *PeerLayer) publish(ctx context.Context, msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chainiface: marshal wire message: %w", err)
	}
	if err := p.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("chainiface: publish wire message: %w", err)
	}
	return nil
}

// processAnnouncements is the gossip consumer loop: on seeing a peer's
// order_announce, it opens a direct stream and takes the trade immediately
// (spec.md's maker has no separate "is this worth taking" human step — any
// valid, non-stale quote is taken and handed to our own controller, which
// makes the real profitability/funds call via decide()).
func (p *PeerLayer) processAnnouncements() {
	for {
		msg, err := p.sub.Next(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.log.Warn("order topic receive failed", "error", err)
			continue
		}
		if msg.ReceivedFrom == p.host.ID() {
			continue
		}

		var wire wireMessage
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			p.log.Warn("failed to parse order message", "error", err)
			continue
		}
		switch wire.Type {
		case msgOrderAnnounce:
			var announce orderAnnouncePayload
			if err := json.Unmarshal(wire.Payload, &announce); err != nil {
				p.log.Warn("failed to parse order announce payload", "error", err)
				continue
			}
			go p.take(wire.FromPeer, announce)
		case msgOrderCancel:
			p.log.Debug("peer cancelled its orders", "peer", wire.FromPeer)
		}
	}
}

// take opens a direct stream to the announcing peer and runs the
// taker side of the handshake.
func (p *PeerLayer) take(fromPeer string, o orderAnnouncePayload) {
	peerID, err := peer.Decode(fromPeer)
	if err != nil {
		p.log.Warn("invalid peer id in order announce", "peer", fromPeer, "error", err)
		return
	}

	tradeID, err := newTradeID()
	if err != nil {
		p.log.Warn("failed to generate trade id", "error", err)
		return
	}

	ord := order.Order{Side: o.Side, Base: o.Base, Quote: o.Quote}
	isInitiator := roleForTaker(o.Side)

	var secret htlcswap.Secret
	var secretHash [32]byte
	if isInitiator {
		secret, secretHash, err = newSecret()
		if err != nil {
			p.log.Warn("failed to generate secret", "error", err)
			return
		}
	}
	expiry := time.Now().Add(p.swapWindow)

	take := orderTakePayload{
		Side:        o.Side,
		Base:        o.Base,
		Quote:       o.Quote,
		SecretHash:  secretHash,
		Expiry:      expiry,
		HbitPubkey:  p.hbitPubkey,
		Herc20Addr:  p.herc20Addr,
		TokenAddr:   p.tokenAddr,
		IsInitiator: isInitiator,
	}
	payload, err := json.Marshal(take)
	if err != nil {
		p.log.Warn("failed to marshal order take", "error", err)
		return
	}

	p.mu.Lock()
	p.pending[tradeID] = pendingTake{
		order:       ord,
		secret:      secret,
		isInitiator: isInitiator,
		hbitPubkey:  p.hbitPubkey,
		herc20Addr:  p.herc20Addr,
		tokenAddr:   p.tokenAddr,
		expiry:      expiry,
		swapID:      tradeID,
		secretHash:  secretHash,
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	if err := p.sendDirect(ctx, peerID, wireMessage{Type: msgOrderTake, FromPeer: p.host.ID().String(), TradeID: tradeID, Payload: payload}); err != nil {
		p.log.Warn("failed to send order take", "peer", fromPeer, "error", err)
		p.mu.Lock()
		delete(p.pending, tradeID)
		p.mu.Unlock()
	}
}

// handleStream serves the maker side of the handshake (order_take) and the
// taker side's reply consumption (htlc_setup), both arriving on the same
// protocol.
func (p *PeerLayer) handleStream(s network.Stream) {
	defer s.Close()
	remotePeer := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	data, err := readLengthPrefixed(s)
	if err != nil {
		p.log.Warn("failed to read direct message", "peer", remotePeer, "error", err)
		return
	}
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		p.log.Warn("failed to parse direct message", "peer", remotePeer, "error", err)
		return
	}

	switch wire.Type {
	case msgOrderTake:
		p.handleOrderTake(remotePeer, wire)
	case msgHtlcSetup:
		p.handleHtlcSetup(remotePeer, wire)
	default:
		p.log.Debug("no handler for direct message type", "type", wire.Type)
	}
}

// handleOrderTake runs the maker side: it validates the take against its own
// last-announced quote, fills in its half of the HTLC identity, replies with
// htlc_setup, and emits the completed match to the controller.
func (p *PeerLayer) handleOrderTake(remotePeer peer.ID, wire wireMessage) {
	var take orderTakePayload
	if err := json.Unmarshal(wire.Payload, &take); err != nil {
		p.log.Warn("failed to parse order take payload", "error", err)
		return
	}

	p.mu.Lock()
	announced, ok := p.lastAnnounce[take.Side]
	p.mu.Unlock()
	if !ok || announced.Base != take.Base || announced.Quote != take.Quote {
		p.log.Info("rejecting stale or mismatched take", "peer", remotePeer, "trade_id", wire.TradeID)
		return
	}

	setupPayload, err := json.Marshal(htlcSetupPayload{HbitPubkey: p.hbitPubkey, Herc20Addr: p.herc20Addr})
	if err != nil {
		p.log.Warn("failed to marshal htlc setup", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()
	if err := p.sendDirect(ctx, remotePeer, wireMessage{Type: msgHtlcSetup, FromPeer: p.host.ID().String(), TradeID: wire.TradeID, Payload: setupPayload}); err != nil {
		p.log.Warn("failed to send htlc setup", "peer", remotePeer, "error", err)
		return
	}

	ord := order.Order{Side: take.Side, Base: take.Base, Quote: take.Quote}
	params, err := p.buildSwapParams(wire.TradeID, ord, !take.IsInitiator, htlcswap.Secret{}, take.SecretHash, take.Expiry,
		p.hbitPubkey, take.HbitPubkey, p.herc20Addr, take.Herc20Addr, take.TokenAddr)
	if err != nil {
		p.log.Warn("failed to build swap params", "error", err)
		return
	}
	p.emit(maker.OrderMatch{Order: ord, CounterpartyPeerID: remotePeer.String(), Params: params})
}

// handleHtlcSetup completes the taker side once the maker's reply arrives.
func (p *PeerLayer) handleHtlcSetup(remotePeer peer.ID, wire wireMessage) {
	var setup htlcSetupPayload
	if err := json.Unmarshal(wire.Payload, &setup); err != nil {
		p.log.Warn("failed to parse htlc setup payload", "error", err)
		return
	}

	p.mu.Lock()
	pend, ok := p.pending[wire.TradeID]
	if ok {
		delete(p.pending, wire.TradeID)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug("htlc setup for unknown trade", "trade_id", wire.TradeID)
		return
	}

	params, err := p.buildSwapParams(wire.TradeID, pend.order, pend.isInitiator, pend.secret, pend.secretHash, pend.expiry,
		pend.hbitPubkey, setup.HbitPubkey, pend.herc20Addr, setup.Herc20Addr, pend.tokenAddr)
	if err != nil {
		p.log.Warn("failed to build swap params", "error", err)
		return
	}
	p.emit(maker.OrderMatch{Order: pend.order, CounterpartyPeerID: remotePeer.String(), Params: params})
}

func (p *PeerLayer) emit(m maker.OrderMatch) {
	select {
	case p.matches <- m:
	case <-p.ctx.Done():
	}
}

// buildSwapParams assembles a SwapParams from both sides' HTLC identity.
// Whichever side sells BTC for DAI plays RoleBtcForDai: it funds hbit and
// later redeems herc20, so it owns the hbit refund key / herc20 redeem
// address and is the only side with a non-zero Secret (it performs
// beta_redeem and must already hold the preimage). The other side plays
// RoleDaiForBtc and discovers the secret at runtime by watching that
// beta_redeem, so its SwapParams.Secret is left zero.
func (p *PeerLayer) buildSwapParams(tradeID string, o order.Order, selfIsInitiator bool, secret htlcswap.Secret, secretHash [32]byte, expiry time.Time,
	selfHbitPubkey, counterpartyHbitPubkey []byte, selfHerc20Addr, counterpartyHerc20Addr, tokenAddr string) (htlcswap.SwapParams, error) {

	// Side == Sell means the order's originator sells BTC for DAI; the
	// initiator of the handshake (the taker) is on the opposite side of
	// whatever the maker announced.
	var role htlcswap.Role
	var reservedSats money.Sats
	var reservedAttos money.Attos
	switch o.Side {
	case order.Sell:
		if selfIsInitiator {
			role = htlcswap.RoleDaiForBtc
		} else {
			role = htlcswap.RoleBtcForDai
		}
	case order.Buy:
		if selfIsInitiator {
			role = htlcswap.RoleBtcForDai
		} else {
			role = htlcswap.RoleDaiForBtc
		}
	default:
		return htlcswap.SwapParams{}, fmt.Errorf("chainiface: unknown order side %q", o.Side)
	}

	var hbitRedeem, hbitRefund []byte
	var herc20Redeem, herc20Refund string
	if role == htlcswap.RoleBtcForDai {
		hbitRedeem, hbitRefund = counterpartyHbitPubkey, selfHbitPubkey
		herc20Redeem, herc20Refund = selfHerc20Addr, counterpartyHerc20Addr
		reservedSats = o.Base
	} else {
		hbitRedeem, hbitRefund = selfHbitPubkey, counterpartyHbitPubkey
		herc20Redeem, herc20Refund = counterpartyHerc20Addr, selfHerc20Addr
		reservedAttos = o.Quote
	}

	var swapSecret htlcswap.Secret
	if role == htlcswap.RoleBtcForDai {
		swapSecret = secret
	}

	return htlcswap.SwapParams{
		SwapID: tradeID,
		Role:   role,
		Hbit: htlcswap.HbitParams{
			Amount:       o.Base,
			RedeemPubkey: hbitRedeem,
			RefundPubkey: hbitRefund,
			SecretHash:   secretHash,
			Expiry:       expiry,
		},
		Herc20: htlcswap.Herc20Params{
			Amount:       o.Quote,
			TokenAddress: tokenAddr,
			RedeemAddr:   herc20Redeem,
			RefundAddr:   herc20Refund,
			SecretHash:   secretHash,
			Expiry:       expiry,
		},
		SecretHash:    secretHash,
		Secret:        swapSecret,
		StartOfSwap:   time.Now(),
		ReservedSats:  reservedSats,
		ReservedAttos: reservedAttos,
	}, nil
}

// roleForTaker reports whether the taker (the peer taking announcedSide's
// quote) is the swap initiator/secret-originator, i.e. plays RoleBtcForDai.
// A maker Sell order means the maker sells BTC, so the taker is the one
// buying BTC with DAI: the taker sends DAI, the maker sends BTC, and it is
// the maker who plays RoleBtcForDai and originates the secret.
func roleForTaker(announcedSide order.Side) bool {
	return announcedSide == order.Buy
}

func newTradeID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("chainiface: generate trade id: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

func newSecret() (htlcswap.Secret, [32]byte, error) {
	var secret htlcswap.Secret
	if _, err := rand.Read(secret[:]); err != nil {
		return htlcswap.Secret{}, [32]byte{}, fmt.Errorf("chainiface: generate secret: %w", err)
	}
	return secret, sha256.Sum256(secret[:]), nil
}

func (p *PeerLayer) sendDirect(ctx context.Context, peerID peer.ID, msg wireMessage) error {
	stream, err := p.host.NewStream(ctx, peerID, swapDirectProtocol)
	if err != nil {
		return fmt.Errorf("chainiface: open direct stream: %w", err)
	}
	defer stream.Close()
	stream.SetWriteDeadline(time.Now().Add(30 * time.Second))

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chainiface: marshal direct message: %w", err)
	}
	return writeLengthPrefixed(stream, data)
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(r)
	var length uint32
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("chainiface: read length prefix: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("chainiface: message too large: %d > %d", length, maxMessageSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("chainiface: read message body: %w", err)
	}
	return data, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("chainiface: message too large: %d > %d", len(data), maxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("chainiface: write length prefix: %w", err)
	}
	_, err := w.Write(data)
	return err
}
