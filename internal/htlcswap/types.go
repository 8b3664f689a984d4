// Package htlcswap drives one atomic swap through its canonical HTLC phases
// across two independent ledgers, resumably, with correct refund/redeem
// arbitration on partial failure.
package htlcswap

import (
	"encoding/hex"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/money"
)

// Role identifies which of the two mirror-image role pairings this swap
// plays: we either send BTC and receive DAI, or the reverse.
type Role string

const (
	RoleBtcForDai Role = "BtcForDai"
	RoleDaiForBtc Role = "DaiForBtc"
)

// Secret is the HTLC preimage, revealed at beta_redeem.
type Secret [32]byte

func (s Secret) Hex() string { return hex.EncodeToString(s[:]) }

// HbitParams are the parameters of the Bitcoin-side HTLC (a P2WSH output).
type HbitParams struct {
	Amount       money.Sats `json:"amount"`
	RedeemPubkey []byte     `json:"redeem_pubkey"`
	RefundPubkey []byte     `json:"refund_pubkey"`
	SecretHash   [32]byte   `json:"secret_hash"`
	Expiry       time.Time  `json:"expiry"`
}

// Herc20Params are the parameters of the Ethereum-side HTLC (a deployed
// contract holding an ERC-20 balance).
type Herc20Params struct {
	Amount       money.Attos `json:"amount"`
	TokenAddress string      `json:"token_address"`
	RedeemAddr   string      `json:"redeem_address"`
	RefundAddr   string      `json:"refund_address"`
	SecretHash   [32]byte    `json:"secret_hash"`
	Expiry       time.Time   `json:"expiry"`
}

// SwapParams fully describes one swap instance — the immutable header
// persisted in the store plus typed HTLC parameters.
type SwapParams struct {
	SwapID             string
	Role               Role
	Hbit               HbitParams
	Herc20             Herc20Params
	SecretHash         [32]byte
	Secret             Secret // ours: we always perform alpha_fund and beta_redeem, so we always originate the secret
	StartOfSwap        time.Time
	CounterpartyPeerID string

	// ReservedSats/ReservedAttos mirror exactly what the controller (E)
	// reserved for this swap (base+fee for a BtcForDai sell, quote for a
	// DaiForBtc buy). D reports the matching one back unchanged as freed in
	// a Refunded, PartiallyRefunded or Aborted FinishedEvent, and reports
	// nothing freed for Completed, since a completed trade consumes the
	// reservation; D never partially frees a reservation.
	ReservedSats  money.Sats
	ReservedAttos money.Attos
}

// LedgerEvent is the generic confirmed-event record stored for each phase:
// the ledger transaction hash/receipt, the derived asset amount, and (for
// redeem events) the revealed secret.
type LedgerEvent struct {
	TxHash    string  `json:"tx_hash"`
	Confirmed bool    `json:"confirmed"`
	Secret    *Secret `json:"secret,omitempty"`
}

// TerminalState is one of the three outcomes D can reach (spec §4.4), plus
// Aborted for the case where the safety gate blocks before alpha_fund ever
// happens — nothing was funded, so there's nothing to refund.
type TerminalState string

const (
	Completed         TerminalState = "Completed"
	Refunded          TerminalState = "Refunded"
	PartiallyRefunded TerminalState = "PartiallyRefunded"
	Aborted           TerminalState = "Aborted"
)

// FinishedEvent is the single terminal message D emits, carrying the
// freed-reservation delta so E can restore its trading state.
type FinishedEvent struct {
	SwapID     string
	State      TerminalState
	FreedSats  money.Sats
	FreedAttos money.Attos
}

// Phase event-type names, used as the store's per-swap event slot keys.
const (
	EventHbitFunded     = "hbit_funded"
	EventHerc20Deployed = "herc20_deployed"
	EventHerc20Funded   = "herc20_funded"
	EventHerc20Redeemed = "herc20_redeemed"
	EventHerc20Refunded = "herc20_refunded"
	EventHbitRedeemed   = "hbit_redeemed"
	EventHbitRefunded   = "hbit_refunded"
)
