// Package chainiface implements the wallet/ledger boundary (component G):
// the concrete HbitLedger and Herc20Ledger adapters that drive real Bitcoin
// and Ethereum-compatible transactions, plus the libp2p peer layer used for
// order gossip and swap setup.
package chainiface

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/swapmaker/internal/htlcswap"
	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

// BitcoinUTXO mirrors the backend's unspent-output shape.
type BitcoinUTXO struct {
	TxID   string
	Vout   uint32
	Amount uint64
}

// BitcoinChainBackend is the capability set chainiface needs from a Bitcoin
// data source — a narrowed read/broadcast surface analogous to the teacher's
// backend.Backend, so any of its backends (Electrum, Esplora, mempool.space)
// can sit behind it unmodified.
type BitcoinChainBackend interface {
	AddressUTXOs(ctx context.Context, address string) ([]BitcoinUTXO, error)
	AddressSpend(ctx context.Context, address string) (txHash string, witness [][]byte, confirmed bool, err error)
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	BlockTime(ctx context.Context) (time.Time, error)
	FeeRate(ctx context.Context) (uint64, error) // sat/vByte
}

// BitcoinWallet drives the Bitcoin side of a swap (hbit): it funds, redeems,
// and refunds a P2WSH HTLC output, and watches the counterparty's equivalent
// actions. The HTLC uses an absolute CLTV timelock (spec.md's Expiry is a
// wall-clock time, not a block-relative window), unlike the teacher's
// CSV-based relative-timelock script.
type BitcoinWallet struct {
	backend       BitcoinChainBackend
	network       *chaincfg.Params
	ownKey        *btcec.PrivateKey
	changeAddress string
	pollInterval  time.Duration
	log           *logging.Logger
}

// NewBitcoinWallet constructs a BitcoinWallet bound to one private key and one
// chain backend.
func NewBitcoinWallet(backend BitcoinChainBackend, network *chaincfg.Params, ownKey *btcec.PrivateKey, changeAddress string, pollInterval time.Duration) *BitcoinWallet {
	return &BitcoinWallet{
		backend:       backend,
		network:       network,
		ownKey:        ownKey,
		changeAddress: changeAddress,
		pollInterval:  pollInterval,
		log:           logging.GetDefault().Component("chainiface.btc"),
	}
}

// buildScript builds the HTLC witness script for p, adapted from the
// teacher's BuildHTLCScript to an absolute timelock:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <redeem_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <expiry_unix> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refund_pubkey> OP_CHECKSIG
//	OP_ENDIF
func buildScript(p htlcswap.HbitParams) ([]byte, error) {
	if len(p.RedeemPubkey) != 33 || len(p.RefundPubkey) != 33 {
		return nil, fmt.Errorf("chainiface: hbit pubkeys must be 33-byte compressed")
	}

	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_IF)
	b.AddOp(txscript.OP_SHA256)
	b.AddData(p.SecretHash[:])
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddData(p.RedeemPubkey)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ELSE)
	b.AddInt64(p.Expiry.Unix())
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddData(p.RefundPubkey)
	b.AddOp(txscript.OP_CHECKSIG)
	b.AddOp(txscript.OP_ENDIF)
	return b.Script()
}

func p2wshAddress(script []byte, network *chaincfg.Params) (btcutil.Address, []byte, error) {
	hash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(hash[:], network)
	if err != nil {
		return nil, nil, fmt.Errorf("chainiface: derive P2WSH address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("chainiface: build scriptPubKey: %w", err)
	}
	return addr, pkScript, nil
}

// FundHbit broadcasts a transaction paying p.Amount to the HTLC's P2WSH
// address, selecting UTXOs from our own change address.
func (w *BitcoinWallet) FundHbit(ctx context.Context, p htlcswap.HbitParams) (htlcswap.LedgerEvent, error) {
	script, err := buildScript(p)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	addr, _, err := p2wshAddress(script, w.network)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}

	utxos, err := w.backend.AddressUTXOs(ctx, w.changeAddress)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: fetch UTXOs: %w", err)
	}
	feeRate, err := w.backend.FeeRate(ctx)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: fetch fee rate: %w", err)
	}

	tx, err := buildFundingTx(utxos, uint64(p.Amount), feeRate, addr, w.changeAddress, w.network)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	if err := w.signFundingInputs(tx, utxos); err != nil {
		return htlcswap.LedgerEvent{}, err
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	txHash, err := w.backend.Broadcast(ctx, raw)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: broadcast hbit fund: %w", err)
	}
	w.log.Info("hbit fund broadcast", "tx_hash", txHash, "address", addr.EncodeAddress())
	return htlcswap.LedgerEvent{TxHash: txHash, Confirmed: false}, nil
}

// RedeemHbit spends the HTLC output via the claim branch, revealing secret.
func (w *BitcoinWallet) RedeemHbit(ctx context.Context, p htlcswap.HbitParams, funded htlcswap.LedgerEvent, secret htlcswap.Secret) (htlcswap.LedgerEvent, error) {
	script, err := buildScript(p)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	feeRate, err := w.backend.FeeRate(ctx)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: fetch fee rate: %w", err)
	}

	tx, err := buildSpendTx(funded.TxHash, uint64(p.Amount), w.changeAddress, w.network, feeRate, 0)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	sig, err := w.signWitnessInput(tx, script, uint64(p.Amount))
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, secret[:], {0x01}, script}

	raw, err := serializeTx(tx)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	txHash, err := w.backend.Broadcast(ctx, raw)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: broadcast hbit redeem: %w", err)
	}
	w.log.Info("hbit redeem broadcast", "tx_hash", txHash)
	return htlcswap.LedgerEvent{TxHash: txHash, Secret: &secret}, nil
}

// RefundHbit spends the HTLC output via the timeout branch.
func (w *BitcoinWallet) RefundHbit(ctx context.Context, p htlcswap.HbitParams, funded htlcswap.LedgerEvent) (htlcswap.LedgerEvent, error) {
	script, err := buildScript(p)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	feeRate, err := w.backend.FeeRate(ctx)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: fetch fee rate: %w", err)
	}

	tx, err := buildSpendTx(funded.TxHash, uint64(p.Amount), w.changeAddress, w.network, feeRate, uint32(p.Expiry.Unix()))
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	sig, err := w.signWitnessInput(tx, script, uint64(p.Amount))
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	tx.TxIn[0].Witness = wire.TxWitness{sig, {}, script}

	raw, err := serializeTx(tx)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	txHash, err := w.backend.Broadcast(ctx, raw)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: broadcast hbit refund: %w", err)
	}
	w.log.Info("hbit refund broadcast", "tx_hash", txHash)
	return htlcswap.LedgerEvent{TxHash: txHash}, nil
}

// WatchHbitFunded polls the HTLC address until a funding UTXO appears; the
// UTXO's confirmation count is not checked. A UTXO landing at the HTLC address for anything other than the
// agreed amount is reported as ErrIncorrectFunding (spec §7) rather than
// ignored, so the phase machine stops waiting for a deposit that will never
// arrive correctly and falls through to its refund path instead.
func (w *BitcoinWallet) WatchHbitFunded(ctx context.Context, p htlcswap.HbitParams) (htlcswap.LedgerEvent, error) {
	script, err := buildScript(p)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	addr, _, err := p2wshAddress(script, w.network)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		utxos, err := w.backend.AddressUTXOs(ctx, addr.EncodeAddress())
		if err == nil {
			for _, u := range utxos {
				if u.Amount == uint64(p.Amount) {
					return htlcswap.LedgerEvent{TxHash: u.TxID, Confirmed: true}, nil
				}
			}
			if len(utxos) > 0 {
				var total uint64
				for _, u := range utxos {
					total += u.Amount
				}
				return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: %w: want %d sats, found %d at hbit address", htlcswap.ErrIncorrectFunding, p.Amount, total)
			}
		}
		select {
		case <-ctx.Done():
			return htlcswap.LedgerEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchHbitRedeemed polls the HTLC address for a spend and inspects its
// witness stack for the revealed secret.
func (w *BitcoinWallet) WatchHbitRedeemed(ctx context.Context, p htlcswap.HbitParams, funded htlcswap.LedgerEvent) (htlcswap.LedgerEvent, htlcswap.Secret, error) {
	script, err := buildScript(p)
	if err != nil {
		return htlcswap.LedgerEvent{}, htlcswap.Secret{}, err
	}
	addr, _, err := p2wshAddress(script, w.network)
	if err != nil {
		return htlcswap.LedgerEvent{}, htlcswap.Secret{}, err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		txHash, witness, confirmed, err := w.backend.AddressSpend(ctx, addr.EncodeAddress())
		if err == nil && confirmed && len(witness) == 4 && len(witness[1]) == 32 {
			var secret htlcswap.Secret
			copy(secret[:], witness[1])
			return htlcswap.LedgerEvent{TxHash: txHash, Confirmed: true}, secret, nil
		}
		select {
		case <-ctx.Done():
			return htlcswap.LedgerEvent{}, htlcswap.Secret{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WatchHbitRefunded polls the HTLC address for a timeout-branch spend.
func (w *BitcoinWallet) WatchHbitRefunded(ctx context.Context, p htlcswap.HbitParams, funded htlcswap.LedgerEvent) (htlcswap.LedgerEvent, error) {
	script, err := buildScript(p)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	addr, _, err := p2wshAddress(script, w.network)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		txHash, witness, confirmed, err := w.backend.AddressSpend(ctx, addr.EncodeAddress())
		if err == nil && confirmed && len(witness) == 3 && len(witness[1]) == 0 {
			return htlcswap.LedgerEvent{TxHash: txHash, Confirmed: true}, nil
		}
		select {
		case <-ctx.Done():
			return htlcswap.LedgerEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CurrentTime returns the current block time, the ledger clock the safety
// gates compare against.
func (w *BitcoinWallet) CurrentTime(ctx context.Context) (time.Time, error) {
	return w.backend.BlockTime(ctx)
}

// Balance sums every UTXO the backend reports for our change address,
// confirmed or not, used by the balance
// ticker (component F).
func (w *BitcoinWallet) Balance(ctx context.Context) (money.Sats, error) {
	utxos, err := w.backend.AddressUTXOs(ctx, w.changeAddress)
	if err != nil {
		return 0, fmt.Errorf("chainiface: fetch balance UTXOs: %w", err)
	}
	var total uint64
	for _, u := range utxos {
		total += u.Amount
	}
	return money.Sats(total), nil
}

func buildFundingTx(utxos []BitcoinUTXO, amount, feeRate uint64, dest btcutil.Address, changeAddress string, network *chaincfg.Params) (*wire.MsgTx, error) {
	if len(utxos) == 0 {
		return nil, fmt.Errorf("chainiface: no UTXOs available to fund hbit")
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	var totalIn uint64
	for _, u := range utxos {
		h, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("chainiface: invalid utxo txid %q: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(h, u.Vout), nil, nil))
		totalIn += u.Amount
		if totalIn >= amount+estimateFee(len(tx.TxIn), 2, feeRate) {
			break
		}
	}

	fee := estimateFee(len(tx.TxIn), 2, feeRate)
	if totalIn < amount+fee {
		return nil, fmt.Errorf("chainiface: insufficient funds: have %d, need %d", totalIn, amount+fee)
	}

	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("chainiface: build hbit destination script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), destScript))

	change := totalIn - amount - fee
	if change > 546 {
		changeAddr, err := btcutil.DecodeAddress(changeAddress, network)
		if err != nil {
			return nil, fmt.Errorf("chainiface: decode change address: %w", err)
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, fmt.Errorf("chainiface: build change script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}
	return tx, nil
}

func buildSpendTx(fundingTxID string, amount uint64, destAddress string, network *chaincfg.Params, feeRate uint64, lockTime uint32) (*wire.MsgTx, error) {
	h, err := chainhash.NewHashFromStr(fundingTxID)
	if err != nil {
		return nil, fmt.Errorf("chainiface: invalid funding txid %q: %w", fundingTxID, err)
	}

	version := int32(wire.TxVersion)
	if lockTime != 0 {
		version = 2
	}
	tx := wire.NewMsgTx(version)
	txIn := wire.NewTxIn(wire.NewOutPoint(h, 0), nil, nil)
	if lockTime != 0 {
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
		tx.LockTime = lockTime
	}
	tx.AddTxIn(txIn)

	fee := estimateFee(1, 1, feeRate)
	if amount <= fee {
		return nil, fmt.Errorf("chainiface: hbit amount %d too small to cover fee %d", amount, fee)
	}
	destAddr, err := btcutil.DecodeAddress(destAddress, network)
	if err != nil {
		return nil, fmt.Errorf("chainiface: decode destination address: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("chainiface: build destination script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount-fee), destScript))
	return tx, nil
}

func estimateFee(nIn, nOut int, feeRate uint64) uint64 {
	vsize := uint64(10 + nIn*68 + nOut*43)
	return vsize * feeRate
}

func (w *BitcoinWallet) signFundingInputs(tx *wire.MsgTx, utxos []BitcoinUTXO) error {
	changeAddr, err := btcutil.DecodeAddress(w.changeAddress, w.network)
	if err != nil {
		return fmt.Errorf("chainiface: decode change address for signing: %w", err)
	}
	prevScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return fmt.Errorf("chainiface: build prev script for signing: %w", err)
	}

	for i := range tx.TxIn {
		amount := int64(utxos[i].Amount)
		fetcher := txscript.NewCannedPrevOutputFetcher(prevScript, amount)
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, amount, prevScript, txscript.SigHashAll, w.ownKey, true)
		if err != nil {
			return fmt.Errorf("chainiface: sign funding input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return nil
}

func (w *BitcoinWallet) signWitnessInput(tx *wire.MsgTx, script []byte, amount uint64) ([]byte, error) {
	pkScript := buildP2WSHScriptPubKey(script)
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, int64(amount))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sighash, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, 0, int64(amount))
	if err != nil {
		return nil, fmt.Errorf("chainiface: compute hbit sighash: %w", err)
	}
	sig := btcecdsa.Sign(w.ownKey, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

func buildP2WSHScriptPubKey(script []byte) []byte {
	hash := sha256.Sum256(script)
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_0)
	b.AddData(hash[:])
	pkScript, _ := b.Script()
	return pkScript
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("chainiface: serialize tx: %w", err)
	}
	return buf.Bytes(), nil
}
