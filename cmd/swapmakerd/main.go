// Package main provides swapmakerd, the automated BTC/DAI atomic-swap
// market-making daemon.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/swapmaker/internal/backend"
	"github.com/klingon-exchange/swapmaker/internal/chainiface"
	"github.com/klingon-exchange/swapmaker/internal/config"
	"github.com/klingon-exchange/swapmaker/internal/htlcswap"
	"github.com/klingon-exchange/swapmaker/internal/maker"
	"github.com/klingon-exchange/swapmaker/internal/money"
	"github.com/klingon-exchange/swapmaker/internal/order"
	"github.com/klingon-exchange/swapmaker/internal/store"
	"github.com/klingon-exchange/swapmaker/internal/ticks"
	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapmaker", "Data directory")
		listenAddrs = flag.String("listen", "", "Comma-separated libp2p listen multiaddrs, overrides config")
		rateURL     = flag.String("rate-source", "", "HTTP ticker URL for the mid-market rate, required")
		htlcAddr    = flag.String("herc20-htlc-address", "", "Deployed herc20 HTLC contract address, required")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("swapmakerd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *listenAddrs != "" {
		cfg.Network.Listen = splitNonEmpty(*listenAddrs, ",")
	}

	log := logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *rateURL == "" {
		log.Fatal("-rate-source is required")
	}
	if *htlcAddr == "" {
		log.Fatal("-herc20-htlc-address is required")
	}

	dataPath := expandPath(cfg.Data.Dir)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatal("create data directory", "error", err)
	}

	st, err := store.New(&store.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("open swap store", "error", err)
	}
	defer st.Close()
	log.Info("swap store opened", "path", dataPath)

	btcKey, err := loadOrCreateBitcoinKey(filepath.Join(dataPath, "bitcoin.key"))
	if err != nil {
		log.Fatal("load bitcoin key", "error", err)
	}
	ethKey, err := loadOrCreateEthereumKey(filepath.Join(dataPath, "ethereum.key"))
	if err != nil {
		log.Fatal("load ethereum key", "error", err)
	}

	btcNetwork := bitcoinChainParams(cfg.Bitcoin.Network)
	changeAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(btcKey.PubKey().SerializeCompressed()), btcNetwork)
	if err != nil {
		log.Fatal("derive bitcoin change address", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Bitcoin.NodeURL == "" {
		log.Fatal("bitcoin.bitcoind_node_url is required")
	}
	btcBackend := backend.NewJSONRPCBackend(cfg.Bitcoin.NodeURL, backend.RPCTypeBitcoin, "", "")
	if err := btcBackend.Connect(ctx); err != nil {
		log.Fatal("connect bitcoin backend", "error", err)
	}
	defer btcBackend.Close()

	btcWallet := chainiface.NewBitcoinWallet(
		chainiface.NewBackendAdapter(btcBackend), btcNetwork, btcKey, changeAddr.EncodeAddress(), cfg.Maker.BalanceTickInterval,
	)

	daiAddress, ok := cfg.Ethereum.ResolveDaiContract()
	if !ok {
		log.Fatal("no DAI contract address configured for this chain id", "chain_id", cfg.Ethereum.ChainID)
	}

	ethWallet, err := chainiface.NewEthereumWallet(
		ctx, cfg.Ethereum.NodeURL, ethKey, daiAddress.Hex(), *htlcAddr, cfg.Maker.BalanceTickInterval,
	)
	if err != nil {
		log.Fatal("build ethereum wallet", "error", err)
	}

	p2pHost, ps, err := newPeerHost(ctx, dataPath, cfg.Network.Listen)
	if err != nil {
		log.Fatal("start libp2p host", "error", err)
	}
	defer p2pHost.Close()

	peerLayer := chainiface.NewPeerLayer(p2pHost, ps, chainiface.PeerConfig{
		HbitPubkey: btcKey.PubKey().SerializeCompressed(),
		Herc20Addr: ethcrypto.PubkeyToAddress(ethKey.PublicKey).Hex(),
		TokenAddr:  daiAddress.Hex(),
		SwapWindow: 2 * time.Hour,
	})
	if err := peerLayer.Start(ctx); err != nil {
		log.Fatal("start peer layer", "error", err)
	}
	defer peerLayer.Stop()

	executor := htlcswap.NewExecutor(st, btcWallet, ethWallet, htlcswap.SafetyMargins{
		Bitcoin:  cfg.Maker.SafetyMargin.Bitcoin,
		Ethereum: cfg.Maker.SafetyMargin.Ethereum,
	})

	history, err := newCSVHistorySink(filepath.Join(dataPath, cfg.Maker.HistoryCSVPath))
	if err != nil {
		log.Fatal("open trade history sink", "error", err)
	}
	defer history.Close()

	spread, err := money.NewSpreadBasisPoints(cfg.Maker.SpreadBasisPoints)
	if err != nil {
		log.Fatal("invalid spread", "error", err)
	}

	btcMaxSell, daiMaxSell, err := resolveMaxSell(cfg.Maker.MaxSell)
	if err != nil {
		log.Fatal("invalid maker.max_sell", "error", err)
	}

	rateTicker := ticks.NewRateTicker(ticks.NewHTTPRateSource(*rateURL), cfg.Maker.RateTickInterval, money.RateExpBTCToDAI)
	btcTicker := ticks.NewBtcBalanceTicker(btcWallet, cfg.Maker.BalanceTickInterval)
	daiTicker := ticks.NewDaiBalanceTicker(ethWallet, cfg.Maker.BalanceTickInterval)
	rateTicker.Start(ctx)
	defer rateTicker.Stop()
	btcTicker.Start(ctx)
	defer btcTicker.Stop()
	daiTicker.Start(ctx)
	defer daiTicker.Stop()

	controller := maker.New(
		maker.Config{
			BtcMaxSell: btcMaxSell,
			DaiMaxSell: daiMaxSell,
			Spread:     spread,
			FeeReserve: money.Sats(cfg.Maker.MaximumPossibleFeeBitcoin),
		},
		st, executor, peerLayer, history,
		maker.Channels{
			RateTicks:      rateTicker.Results(),
			BtcBalanceTick: btcTicker.Results(),
			DaiBalanceTick: daiTicker.Results(),
			Matches:        peerLayer.Matches(),
		},
	)

	if err := respawnPersistedSwaps(st, controller, log); err != nil {
		log.Warn("failed reconstructing one or more persisted swaps", "error", err)
	}

	if err := controller.Start(ctx); err != nil {
		log.Fatal("start maker controller", "error", err)
	}
	defer controller.Stop()

	log.Info("swapmakerd started", "version", version, "peer_id", p2pHost.ID().String(), "bitcoin_network", cfg.Bitcoin.Network)
	for _, addr := range p2pHost.Addrs() {
		log.Infof("  listening on %s/p2p/%s", addr.String(), p2pHost.ID().String())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}

// newPeerHost builds the libp2p host and gossipsub router the peer layer
// rides on, loading (or creating) a persistent node identity the way the
// teacher's node package does.
func newPeerHost(ctx context.Context, dataPath string, listenAddrs []string) (host.Host, *pubsub.PubSub, error) {
	priv, err := loadOrCreateLibp2pKey(filepath.Join(dataPath, "p2p_identity.key"))
	if err != nil {
		return nil, nil, fmt.Errorf("load libp2p identity: %w", err)
	}

	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	addrs := make([]multiaddr.Multiaddr, 0, len(listenAddrs))
	for _, a := range listenAddrs {
		ma, err := multiaddr.NewMultiaddr(a)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		addrs = append(addrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("create gossipsub router: %w", err)
	}
	return h, ps, nil
}

func loadOrCreateLibp2pKey(path string) (p2pcrypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		return p2pcrypto.UnmarshalPrivateKey(data)
	}
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate libp2p identity: %w", err)
	}
	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

// respawnPersistedSwaps reconstructs htlcswap.SwapParams for every swap the
// store still has a header for and feeds it back to the controller, picking
// up exactly where a crashed process left off (spec.md §4.5 "Startup": the
// controller's own AllSwaps walk only logs the header — full SwapParams
// reconstruction needs the chain-interface identities this package owns).
func respawnPersistedSwaps(st *store.Store, controller *maker.Controller, log *logging.Logger) error {
	headers, err := st.AllSwaps()
	if err != nil {
		return err
	}
	for _, h := range headers {
		var hbit htlcswap.HbitParams
		if err := json.Unmarshal(h.HbitParams, &hbit); err != nil {
			log.Warn("failed to decode persisted hbit params, skipping respawn", "swap_id", h.SwapID, "error", err)
			continue
		}
		var herc20 htlcswap.Herc20Params
		if err := json.Unmarshal(h.Herc20Params, &herc20); err != nil {
			log.Warn("failed to decode persisted herc20 params, skipping respawn", "swap_id", h.SwapID, "error", err)
			continue
		}

		var secretHash [32]byte
		if b, err := hex.DecodeString(h.SecretHash); err == nil && len(b) == 32 {
			copy(secretHash[:], b)
		}
		var secret htlcswap.Secret
		if h.Secret != "" {
			if b, err := hex.DecodeString(h.Secret); err == nil && len(b) == 32 {
				copy(secret[:], b)
			}
		}

		role := htlcswap.Role(h.Role)
		params := htlcswap.SwapParams{
			SwapID:             h.SwapID,
			Role:               role,
			Hbit:               hbit,
			Herc20:             herc20,
			SecretHash:         secretHash,
			Secret:             secret,
			StartOfSwap:        h.StartOfSwap(),
			CounterpartyPeerID: h.CounterpartyPeerID,
		}

		var side order.Side
		if role == htlcswap.RoleBtcForDai {
			side = order.Sell
		} else {
			side = order.Buy
		}
		controller.RespawnSwap(params, h.CounterpartyPeerID, side, hbit.Amount, herc20.Amount)
	}
	return nil
}

func resolveMaxSell(cfg config.MaxSellConfig) (*money.Sats, *money.Attos, error) {
	var btcMax *money.Sats
	if cfg.BitcoinSats != nil {
		s := money.Sats(*cfg.BitcoinSats)
		btcMax = &s
	}
	var daiMax *money.Attos
	if cfg.DaiAttos != nil {
		n, ok := new(big.Int).SetString(*cfg.DaiAttos, 10)
		if !ok {
			return nil, nil, fmt.Errorf("maker.max_sell.dai %q is not a base-10 integer", *cfg.DaiAttos)
		}
		a, err := money.NewAttos(n)
		if err != nil {
			return nil, nil, err
		}
		daiMax = &a
	}
	return btcMax, daiMax, nil
}

func bitcoinChainParams(network config.BitcoinNetwork) *chaincfg.Params {
	switch network {
	case config.Mainnet:
		return &chaincfg.MainNetParams
	case config.Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}

func loadOrCreateBitcoinKey(path string) (*btcec.PrivateKey, error) {
	raw, err := loadOrCreateSeed(path)
	if err != nil {
		return nil, err
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

func loadOrCreateEthereumKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := loadOrCreateSeed(path)
	if err != nil {
		return nil, err
	}
	return ethcrypto.ToECDSA(raw)
}

// loadOrCreateSeed loads a hex-encoded 32-byte seed from path, generating and
// persisting a fresh one on first run. Bitcoin and Ethereum each derive their
// own key from a distinct seed file so compromising one chain's key material
// never exposes the other's.
func loadOrCreateSeed(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return hex.DecodeString(strings.TrimSpace(string(data)))
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, err
	}
	return seed, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
