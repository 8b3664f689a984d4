package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir, err := os.MkdirTemp("", "swapmaker-config-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Maker.SpreadBasisPoints != 300 {
		t.Errorf("expected default spread 300bps, got %d", cfg.Maker.SpreadBasisPoints)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("expected config file to be written: %v", err)
	}
}

func TestLoadConfigRoundTrips(t *testing.T) {
	dir, err := os.MkdirTemp("", "swapmaker-config-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	first, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	first.Maker.SpreadBasisPoints = 777
	if err := first.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig (reload): %v", err)
	}
	if second.Maker.SpreadBasisPoints != 777 {
		t.Errorf("expected reloaded spread 777bps, got %d", second.Maker.SpreadBasisPoints)
	}
}

func TestResolveDaiContract(t *testing.T) {
	eth := EthereumConfig{ChainID: 1}
	addr, ok := eth.ResolveDaiContract()
	if !ok {
		t.Fatal("expected well-known mainnet DAI contract")
	}
	if addr.Hex() == "0x0000000000000000000000000000000000000000" {
		t.Errorf("unexpected zero address")
	}

	eth.DaiContractAddress = "0x1111111111111111111111111111111111111111"
	addr, ok = eth.ResolveDaiContract()
	if !ok || addr.Hex() != "0x1111111111111111111111111111111111111111" {
		t.Errorf("expected override to win, got %s", addr.Hex())
	}
}
