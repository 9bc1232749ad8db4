// Package config loads the settlement node's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// GenesisAccount is a balance allocation applied when the data directory is
// first created. Balance is integer minor units in base-10.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress           string           `toml:"RPCAddress"`
	DataDir              string           `toml:"DataDir"`
	NetworkName          string           `toml:"NetworkName"`
	LogLevel             string           `toml:"LogLevel"`
	Environment          string           `toml:"Environment"`
	ArbiterAddress       string           `toml:"ArbiterAddress"`
	RefundWindowSeconds  int64            `toml:"RefundWindowSeconds"`
	RPCAuthTokenEnv      string           `toml:"RPCAuthTokenEnv"`
	GenesisAccounts      []GenesisAccount `toml:"GenesisAccounts"`
}

const defaultAuthTokenEnv = "AGRICLEAR_RPC_TOKEN"

// Load reads the configuration at path, writing a commented default file
// first when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./agriclear-data"
	}
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = "agriclear-local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.RPCAuthTokenEnv) == "" {
		c.RPCAuthTokenEnv = defaultAuthTokenEnv
	}
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if trimmed := strings.TrimSpace(c.ArbiterAddress); trimmed != "" && !common.IsHexAddress(trimmed) {
		return fmt.Errorf("config: ArbiterAddress %q is not a hex address", c.ArbiterAddress)
	}
	if c.RefundWindowSeconds < 0 {
		return fmt.Errorf("config: RefundWindowSeconds must not be negative")
	}
	for i, account := range c.GenesisAccounts {
		if !common.IsHexAddress(strings.TrimSpace(account.Address)) {
			return fmt.Errorf("config: GenesisAccounts[%d].Address %q is not a hex address", i, account.Address)
		}
		if strings.TrimSpace(account.Balance) == "" {
			return fmt.Errorf("config: GenesisAccounts[%d].Balance is required", i)
		}
	}
	return nil
}

// Arbiter returns the configured arbiter address, zero when unset.
func (c *Config) Arbiter() common.Address {
	trimmed := strings.TrimSpace(c.ArbiterAddress)
	if trimmed == "" {
		return common.Address{}
	}
	return common.HexToAddress(trimmed)
}

// AuthToken resolves the RPC bearer token from the configured environment
// variable.
func (c *Config) AuthToken() string {
	return strings.TrimSpace(os.Getenv(c.RPCAuthTokenEnv))
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
