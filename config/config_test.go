package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
RPCAddress = ""
ArbiterAddress = "0x3000000000000000000000000000000000000003"
RefundWindowSeconds = 604800

[[GenesisAccounts]]
Address = "0x1000000000000000000000000000000000000001"
Balance = "1000000"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":8645" || cfg.NetworkName != "agriclear-local" || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Arbiter() != common.HexToAddress("0x3000000000000000000000000000000000000003") {
		t.Fatalf("arbiter mismatch: %s", cfg.Arbiter())
	}
	if len(cfg.GenesisAccounts) != 1 || cfg.GenesisAccounts[0].Balance != "1000000" {
		t.Fatalf("genesis accounts: %+v", cfg.GenesisAccounts)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir == "" || cfg.RPCAddress == "" {
		t.Fatalf("default config incomplete: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	// A second load round-trips the file it just wrote.
	if _, err := Load(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []Config{
		{ArbiterAddress: "not-hex"},
		{RefundWindowSeconds: -1},
		{GenesisAccounts: []GenesisAccount{{Address: "bogus", Balance: "10"}}},
		{GenesisAccounts: []GenesisAccount{{Address: "0x1000000000000000000000000000000000000001"}}},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
