package chainiface

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/backend"
)

// BackendAdapter narrows a general-purpose backend.Backend (mempool.space,
// Esplora, Electrum, Blockbook, or a direct node RPC) down to the
// BitcoinChainBackend surface chainiface needs, so a backend already wired
// for a chain symbol can drive an HTLC wallet unmodified. AddressSpend relies
// on GetAddressTxs, which JSONRPCBackend does not support, so with that
// backend AddressSpend always returns an error.
type BackendAdapter struct {
	backend backend.Backend
}

// NewBackendAdapter wraps an already-connected backend.Backend.
func NewBackendAdapter(b backend.Backend) *BackendAdapter {
	return &BackendAdapter{backend: b}
}

func (a *BackendAdapter) AddressUTXOs(ctx context.Context, address string) ([]BitcoinUTXO, error) {
	utxos, err := a.backend.GetAddressUTXOs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("chainiface: fetch utxos: %w", err)
	}
	out := make([]BitcoinUTXO, len(utxos))
	for i, u := range utxos {
		out[i] = BitcoinUTXO{TxID: u.TxID, Vout: u.Vout, Amount: u.Amount}
	}
	return out, nil
}

// AddressSpend scans the address's transaction history for an input that
// spends it, since none of the wrapped backends expose a direct
// scripthash-spend lookup the way Electrum's protocol internally does.
// Returns the spending tx's hash, its decoded witness stack for that input,
// and whether the spend is itself confirmed.
func (a *BackendAdapter) AddressSpend(ctx context.Context, address string) (string, [][]byte, bool, error) {
	txs, err := a.backend.GetAddressTxs(ctx, address, "")
	if err != nil {
		return "", nil, false, fmt.Errorf("chainiface: fetch address txs: %w", err)
	}
	for _, tx := range txs {
		for _, in := range tx.Inputs {
			if in.PrevOut == nil || in.PrevOut.ScriptPubKeyAddr != address {
				continue
			}
			witness := make([][]byte, len(in.Witness))
			for i, w := range in.Witness {
				b, err := hex.DecodeString(w)
				if err != nil {
					return "", nil, false, fmt.Errorf("chainiface: decode witness element: %w", err)
				}
				witness[i] = b
			}
			return tx.TxID, witness, tx.Confirmed, nil
		}
	}
	return "", nil, false, nil
}

func (a *BackendAdapter) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	txHash, err := a.backend.BroadcastTransaction(ctx, hex.EncodeToString(rawTx))
	if err != nil {
		return "", fmt.Errorf("chainiface: broadcast tx: %w", err)
	}
	return txHash, nil
}

func (a *BackendAdapter) BlockTime(ctx context.Context) (time.Time, error) {
	height, err := a.backend.GetBlockHeight(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("chainiface: fetch block height: %w", err)
	}
	hdr, err := a.backend.GetBlockHeader(ctx, strconv.FormatInt(height, 10))
	if err != nil {
		return time.Time{}, fmt.Errorf("chainiface: fetch block header: %w", err)
	}
	return time.Unix(hdr.Timestamp, 0), nil
}

func (a *BackendAdapter) FeeRate(ctx context.Context) (uint64, error) {
	est, err := a.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, fmt.Errorf("chainiface: fetch fee estimates: %w", err)
	}
	return est.HalfHourFee, nil
}
