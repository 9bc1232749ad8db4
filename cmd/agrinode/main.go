package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agriclear/chain"
	"agriclear/config"
	"agriclear/observability/logging"
	"agriclear/rpc"
	"agriclear/storage"

	"github.com/ethereum/go-ethereum/common"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("agrinode", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	node := chain.NewLocalNode(db)
	if arbiter := cfg.Arbiter(); arbiter != (common.Address{}) {
		node.SetArbiter(arbiter)
	}
	if cfg.RefundWindowSeconds > 0 {
		node.SetRefundWindow(cfg.RefundWindowSeconds)
	}
	if err := applyGenesis(node, cfg, db); err != nil {
		logger.Error("apply genesis allocations", "error", err)
		os.Exit(1)
	}

	token := cfg.AuthToken()
	if token == "" {
		logger.Warn("rpc auth token not set, mutating methods disabled", "env", cfg.RPCAuthTokenEnv)
	}
	server := rpc.NewServer(node, token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("settlement node listening",
		"address", cfg.RPCAddress,
		"network", cfg.NetworkName,
		"dataDir", cfg.DataDir,
	)
	if err := server.Start(ctx, cfg.RPCAddress); err != nil && err != http.ErrServerClosed {
		logger.Error("rpc server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("settlement node shut down")
}

// applyGenesis credits the configured allocations once per data directory.
func applyGenesis(node *chain.LocalNode, cfg *config.Config, db storage.Database) error {
	const marker = "meta/genesis-applied"
	done, err := db.Has([]byte(marker))
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	for _, account := range cfg.GenesisAccounts {
		balance, ok := new(big.Int).SetString(strings.TrimSpace(account.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis balance %q for %s is not a non-negative integer", account.Balance, account.Address)
		}
		if err := node.FundAccount(common.HexToAddress(account.Address), balance); err != nil {
			return err
		}
	}
	return db.Put([]byte(marker), []byte(time.Now().UTC().Format(time.RFC3339)))
}
