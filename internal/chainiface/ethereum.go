package chainiface

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/swapmaker/internal/htlcswap"
	"github.com/klingon-exchange/swapmaker/internal/money"
)

// selectorERC20 is the ERC-20 approve(address,uint256) selector. ERC-20
// itself ships no generated binding in the retrieval pack, so it stays
// hand-packed the way the teacher's own ApproveERC20 builds it.
var selectorERC20 = selector4("approve(address,uint256)")

func selector4(sig string) [4]byte {
	hash := gethcrypto.Keccak256([]byte(sig))
	var sel [4]byte
	copy(sel[:], hash[:4])
	return sel
}

// EthereumWallet drives the Ethereum side of a swap (herc20): deploying,
// funding, redeeming, and refunding a deployed HTLC holding an ERC-20
// balance, and watching the counterparty's equivalent actions. HTLC calls go
// through the generated KlingonHTLC binding (htlc_binding.go) rather than
// hand-packed calldata, mirroring the teacher's contracts/htlc.Client wrapper.
type EthereumWallet struct {
	client       *ethclient.Client
	contract     *KlingonHTLC
	chainID      *big.Int
	ownKey       *ecdsa.PrivateKey
	ownAddress   common.Address
	daiAddress   common.Address
	htlcAddress  common.Address
	pollInterval time.Duration
}

// NewEthereumWallet dials rpcURL and constructs an EthereumWallet bound to
// ownKey. daiTokenAddress is the ERC-20 contract DaiBalance reports against
// (component F's balance ticker polls one fixed token per wallet); htlcAddress
// is the deployed herc20 swap contract every Deploy/Claim/Refund call targets.
func NewEthereumWallet(ctx context.Context, rpcURL string, ownKey *ecdsa.PrivateKey, daiTokenAddress, htlcAddress string, pollInterval time.Duration) (*EthereumWallet, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainiface: dial ethereum rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainiface: fetch chain id: %w", err)
	}
	htlcAddr := common.HexToAddress(htlcAddress)
	contract, err := NewKlingonHTLC(htlcAddr, client)
	if err != nil {
		return nil, fmt.Errorf("chainiface: bind htlc contract: %w", err)
	}
	return &EthereumWallet{
		client:       client,
		contract:     contract,
		chainID:      chainID,
		ownKey:       ownKey,
		ownAddress:   gethcrypto.PubkeyToAddress(ownKey.PublicKey),
		daiAddress:   common.HexToAddress(daiTokenAddress),
		htlcAddress:  htlcAddr,
		pollInterval: pollInterval,
	}, nil
}

// newTransactor builds a bind.TransactOpts signing with ownKey, the same
// shape as the teacher's contracts/htlc.Client.newTransactor.
func (w *EthereumWallet) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(w.ownKey, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("chainiface: build transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// DeployHerc20 deploys (funds on creation) the HTLC swap for p by calling
// the contract's createSwapERC20 entry point — spec.md's herc20 has no
// separate deploy-then-fund split observable from outside the contract, so
// Deploy and Fund are collapsed into one on-chain call; the phase machine
// still drives both steps for symmetry with hbit's two-call sequence. The
// real contract has no refund-address parameter: refund is always the
// swap's sender (msg.sender), i.e. our own address.
func (w *EthereumWallet) DeployHerc20(ctx context.Context, p htlcswap.Herc20Params) (htlcswap.LedgerEvent, error) {
	token := common.HexToAddress(p.TokenAddress)
	receiver := common.HexToAddress(p.RedeemAddr)
	swapID := computeSwapID(p)

	// The contract pulls the funding balance via transferFrom on deploy, so
	// the allowance must be in place first — mirrors the teacher's
	// ApproveERC20-then-CreateSwapERC20 call order.
	if _, err := w.approveAllowance(ctx, token, w.htlcAddress, p.Amount); err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: approve herc20 allowance: %w", err)
	}

	auth, err := w.newTransactor(ctx)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	tx, err := w.contract.CreateSwapERC20(auth, swapID, receiver, token, p.Amount.Int(), p.SecretHash, big.NewInt(p.Expiry.Unix()))
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: herc20 deploy: %w", err)
	}
	return htlcswap.LedgerEvent{TxHash: tx.Hash().Hex()}, nil
}

// approveAllowance grants spender an ERC-20 allowance of amount over token,
// the hand-built-calldata pattern the teacher uses in ApproveERC20 — the
// HTLC's own generated binding has no ERC-20 surface to call through.
func (w *EthereumWallet) approveAllowance(ctx context.Context, token, spender common.Address, amount money.Attos) (string, error) {
	data := make([]byte, 0, 4+64)
	data = append(data, selectorERC20[:]...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Int().Bytes(), 32)...)
	return w.sendRaw(ctx, &token, big.NewInt(0), data)
}

// FundHerc20 is a no-op forward step: spec.md §5's herc20 side funds at
// deploy time, so by the time this phase runs the contract already holds
// the balance. It exists so the phase machine's call shape matches hbit's.
func (w *EthereumWallet) FundHerc20(ctx context.Context, p htlcswap.Herc20Params, deployed htlcswap.LedgerEvent) (htlcswap.LedgerEvent, error) {
	return deployed, nil
}

// RedeemHerc20 claims the swap by revealing secret.
func (w *EthereumWallet) RedeemHerc20(ctx context.Context, p htlcswap.Herc20Params, funded htlcswap.LedgerEvent, secret htlcswap.Secret) (htlcswap.LedgerEvent, error) {
	swapID := computeSwapID(p)
	auth, err := w.newTransactor(ctx)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	tx, err := w.contract.Claim(auth, swapID, secret)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: herc20 redeem: %w", err)
	}
	return htlcswap.LedgerEvent{TxHash: tx.Hash().Hex(), Secret: &secret}, nil
}

// RefundHerc20 refunds the swap after its timelock has passed.
func (w *EthereumWallet) RefundHerc20(ctx context.Context, p htlcswap.Herc20Params, deployed htlcswap.LedgerEvent) (htlcswap.LedgerEvent, error) {
	swapID := computeSwapID(p)
	auth, err := w.newTransactor(ctx)
	if err != nil {
		return htlcswap.LedgerEvent{}, err
	}
	tx, err := w.contract.Refund(auth, swapID)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: herc20 refund: %w", err)
	}
	return htlcswap.LedgerEvent{TxHash: tx.Hash().Hex()}, nil
}

// WatchHerc20Deployed polls the chain for confirmation of the deploying
// transaction (the HTLC never moves out of "pending" on our side until the
// counterparty's contract call lands, observed via the contract's own state).
func (w *EthereumWallet) WatchHerc20Deployed(ctx context.Context, p htlcswap.Herc20Params) (htlcswap.LedgerEvent, error) {
	swapID := computeSwapID(p)
	return w.waitForSwapState(ctx, swapID, swapStateActive)
}

// WatchHerc20Funded mirrors WatchHerc20Deployed (see FundHerc20), but first
// confirms the contract actually holds the agreed token and amount —
// spec.md §7's IncorrectFunding: a counterparty that deploys with the wrong
// asset or a short amount must not be treated as funded.
func (w *EthereumWallet) WatchHerc20Funded(ctx context.Context, p htlcswap.Herc20Params, deployed htlcswap.LedgerEvent) (htlcswap.LedgerEvent, error) {
	swapID := computeSwapID(p)
	swap, err := w.contract.GetSwap(&bind.CallOpts{Context: ctx}, swapID)
	if err != nil {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: get swap %x: %w", swapID, err)
	}
	wantToken := common.HexToAddress(p.TokenAddress)
	if swap.Token != wantToken || swap.Amount.Cmp(p.Amount.Int()) != 0 {
		return htlcswap.LedgerEvent{}, fmt.Errorf("chainiface: %w: want %s of %s, contract holds %s of %s",
			htlcswap.ErrIncorrectFunding, p.Amount.Int(), wantToken, swap.Amount, swap.Token)
	}
	return deployed, nil
}

// WatchHerc20Redeemed polls contract state until the swap transitions to
// claimed, then recovers the revealed secret from the claim transaction's
// log, via the generated binding's SwapClaimed event parser.
func (w *EthereumWallet) WatchHerc20Redeemed(ctx context.Context, p htlcswap.Herc20Params, funded htlcswap.LedgerEvent) (htlcswap.LedgerEvent, htlcswap.Secret, error) {
	swapID := computeSwapID(p)
	event, err := w.waitForSwapState(ctx, swapID, swapStateClaimed)
	if err != nil {
		return htlcswap.LedgerEvent{}, htlcswap.Secret{}, err
	}
	it, err := w.contract.FilterSwapClaimed(&bind.FilterOpts{Context: ctx}, [][32]byte{swapID}, nil)
	if err != nil {
		return htlcswap.LedgerEvent{}, htlcswap.Secret{}, fmt.Errorf("chainiface: filter SwapClaimed for swap %x: %w", swapID, err)
	}
	defer it.Close()
	if !it.Next() {
		return htlcswap.LedgerEvent{}, htlcswap.Secret{}, fmt.Errorf("chainiface: no SwapClaimed log for swap %x", swapID)
	}
	event.TxHash = it.Event.Raw.TxHash.Hex()
	secret, err := w.secretFromClaimLog(ctx, event.TxHash)
	if err != nil {
		return htlcswap.LedgerEvent{}, htlcswap.Secret{}, err
	}
	return event, secret, nil
}

// CurrentTime returns the latest block's timestamp, the ledger clock the
// safety gates compare against.
func (w *EthereumWallet) CurrentTime(ctx context.Context) (time.Time, error) {
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("chainiface: fetch latest header: %w", err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

// DaiBalance reports our own wallet's DAI balance by calling the ERC-20
// balanceOf entry point directly (bypassing the HTLC contract), satisfying
// ticks.EthereumBalanceFetcher for the balance ticker (component F).
func (w *EthereumWallet) DaiBalance(ctx context.Context) (money.Attos, error) {
	selector := selector4("balanceOf(address)")
	data := append(selector[:], common.LeftPadBytes(w.ownAddress.Bytes(), 32)...)

	result, err := w.client.CallContract(ctx, geth.CallMsg{To: &w.daiAddress, Data: data}, nil)
	if err != nil {
		return money.Attos{}, fmt.Errorf("chainiface: balanceOf call: %w", err)
	}
	return money.NewAttos(new(big.Int).SetBytes(result))
}

// swapState mirrors the contract's own SwapState enum (KlingonHTLCSwap.State).
type swapState uint8

const (
	swapStateEmpty    swapState = 0
	swapStateActive   swapState = 1
	swapStateClaimed  swapState = 2
	swapStateRefunded swapState = 3
)

func (w *EthereumWallet) waitForSwapState(ctx context.Context, swapID [32]byte, want swapState) (htlcswap.LedgerEvent, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		swap, err := w.contract.GetSwap(&bind.CallOpts{Context: ctx}, swapID)
		if err == nil && swapState(swap.State) == want {
			return htlcswap.LedgerEvent{Confirmed: true}, nil
		}
		select {
		case <-ctx.Done():
			return htlcswap.LedgerEvent{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// secretFromClaimLog recovers the secret from the SwapClaimed event emitted
// by a claim transaction — the teacher's GetSecretFromClaim technique,
// fetching the receipt and parsing its logs through the generated binding
// rather than slicing raw calldata.
func (w *EthereumWallet) secretFromClaimLog(ctx context.Context, txHash string) (htlcswap.Secret, error) {
	receipt, err := w.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return htlcswap.Secret{}, fmt.Errorf("chainiface: fetch claim receipt: %w", err)
	}
	for _, entry := range receipt.Logs {
		claimed, err := w.contract.ParseSwapClaimed(*entry)
		if err != nil {
			continue
		}
		var secret htlcswap.Secret
		copy(secret[:], claimed.Secret[:])
		return secret, nil
	}
	return htlcswap.Secret{}, fmt.Errorf("chainiface: no SwapClaimed log in tx %s", txHash)
}

func computeSwapID(p htlcswap.Herc20Params) [32]byte {
	// A deterministic swap identifier derived from the HTLC's own parameters,
	// matching the purpose of the contract's own computeSwapId view call
	// without requiring an on-chain round trip. The contract has no
	// refund-address parameter (refund is always msg.sender), so RefundAddr
	// is not part of the hash.
	hash := gethcrypto.Keccak256(
		p.SecretHash[:],
		common.HexToAddress(p.TokenAddress).Bytes(),
		common.HexToAddress(p.RedeemAddr).Bytes(),
		big.NewInt(p.Expiry.Unix()).Bytes(),
	)
	var id [32]byte
	copy(id[:], hash)
	return id
}

func (w *EthereumWallet) sendRaw(ctx context.Context, to *common.Address, value *big.Int, data []byte) (string, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.ownAddress)
	if err != nil {
		return "", fmt.Errorf("chainiface: fetch nonce: %w", err)
	}
	gasTip, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("chainiface: suggest gas tip: %w", err)
	}
	gasFeeCap, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chainiface: suggest gas fee cap: %w", err)
	}
	gasLimit, err := w.client.EstimateGas(ctx, geth.CallMsg{From: w.ownAddress, To: to, Value: value, Data: data})
	if err != nil {
		return "", fmt.Errorf("chainiface: estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: gasTip,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(w.chainID), w.ownKey)
	if err != nil {
		return "", fmt.Errorf("chainiface: sign tx: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chainiface: send tx: %w", err)
	}
	return signed.Hash().Hex(), nil
}
