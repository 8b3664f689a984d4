// Package config provides the daemon's YAML-backed configuration, covering
// every item in the maker/bitcoin/ethereum/data/logging/network surfaces.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BitcoinNetwork is the Bitcoin chain variant to operate against.
type BitcoinNetwork string

const (
	Mainnet BitcoinNetwork = "Mainnet"
	Testnet BitcoinNetwork = "Testnet"
	Regtest BitcoinNetwork = "Regtest"
)

// Config holds the complete daemon configuration.
type Config struct {
	Maker    MakerConfig    `yaml:"maker"`
	Bitcoin  BitcoinConfig  `yaml:"bitcoin"`
	Ethereum EthereumConfig `yaml:"ethereum"`
	Data     DataConfig     `yaml:"data"`
	Logging  LoggingConfig  `yaml:"logging"`
	Network  NetworkConfig  `yaml:"network"`
}

// MakerConfig holds the maker's trading parameters.
type MakerConfig struct {
	// MaxSell caps the amount the maker will offer per side, optional.
	MaxSell MaxSellConfig `yaml:"max_sell"`

	// SpreadBasisPoints is the spread applied to the mid-market rate, 0..10000.
	SpreadBasisPoints uint32 `yaml:"spread_basis_points"`

	// MaximumPossibleFeeBitcoin is the Bitcoin-side fee reserve held back
	// from every sell order, in sats.
	MaximumPossibleFeeBitcoin uint64 `yaml:"maximum_possible_fee_bitcoin"`

	// SafetyMargin is how much slack is required before beta_expiry for a
	// forward phase to be considered safe to execute. See DESIGN.md for the
	// resolution of this Open Question.
	SafetyMargin SafetyMarginConfig `yaml:"safety_margin"`

	// RateTickInterval is how often the rate-source tick producer polls.
	RateTickInterval time.Duration `yaml:"rate_tick_interval"`

	// BalanceTickInterval is how often the balance tick producers poll wallets.
	BalanceTickInterval time.Duration `yaml:"balance_tick_interval"`

	// HistoryCSVPath is where completed swaps are appended as trade-history rows.
	HistoryCSVPath string `yaml:"history_csv_path"`
}

// MaxSellConfig holds the optional per-asset sell caps.
type MaxSellConfig struct {
	BitcoinSats *uint64 `yaml:"bitcoin,omitempty"`
	DaiAttos    *string `yaml:"dai,omitempty"` // decimal string; arbitrary precision
}

// SafetyMarginConfig holds the per-ledger safety margin durations used by
// is_safe_to_fund/is_safe_to_redeem.
type SafetyMarginConfig struct {
	Bitcoin  time.Duration `yaml:"bitcoin"`
	Ethereum time.Duration `yaml:"ethereum"`
}

// DefaultSafetyMargin is the conservative default: roughly six Bitcoin
// blocks' worth of slack on the Bitcoin side, and a handful of Ethereum
// blocks on the EVM side.
func DefaultSafetyMargin() SafetyMarginConfig {
	return SafetyMarginConfig{
		Bitcoin:  time.Hour,
		Ethereum: 5 * time.Minute,
	}
}

// BitcoinConfig holds Bitcoin-ledger connection settings.
type BitcoinConfig struct {
	Network BitcoinNetwork `yaml:"network"`
	NodeURL string         `yaml:"bitcoind_node_url"`
}

// EthereumConfig holds Ethereum-ledger connection settings.
type EthereumConfig struct {
	ChainID            int64  `yaml:"chain_id"`
	NodeURL            string `yaml:"node_url"`
	DaiContractAddress string `yaml:"dai_contract_address,omitempty"` // required only for non-public chains
}

// DataConfig holds on-disk storage settings.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NetworkConfig holds peer-layer listen settings.
type NetworkConfig struct {
	Listen []string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults for a testnet daemon.
func DefaultConfig() *Config {
	return &Config{
		Maker: MakerConfig{
			SpreadBasisPoints:         300, // 3%
			MaximumPossibleFeeBitcoin: 5_000,
			SafetyMargin:              DefaultSafetyMargin(),
			RateTickInterval:          15 * time.Second,
			BalanceTickInterval:       30 * time.Second,
			HistoryCSVPath:            "history.csv",
		},
		Bitcoin: BitcoinConfig{
			Network: Testnet,
			NodeURL: "http://127.0.0.1:18332",
		},
		Ethereum: EthereumConfig{
			ChainID: 11155111, // Sepolia
			NodeURL: "http://127.0.0.1:8545",
		},
		Data: DataConfig{
			Dir: "~/.swapmaker",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
		},
	}
}

// ConfigFileName is the default config file name within the data directory.
const ConfigFileName = "config.yaml"

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// LoadConfig loads configuration from a YAML file under dataDir, creating one
// with default values if it doesn't yet exist.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Data.Dir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# swapmaker configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
