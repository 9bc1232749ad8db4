// Command market-gateway serves the marketplace REST API. It mirrors order
// state off-chain, drives escrow settlement against an agrinode, and streams
// order updates over websocket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"agriclear/chain"
	"agriclear/observability/logging"
	"agriclear/services/market-gateway/auth"
	"agriclear/services/market-gateway/config"
	"agriclear/services/market-gateway/fraud"
	gwmw "agriclear/services/market-gateway/middleware"
	"agriclear/services/market-gateway/models"
	"agriclear/services/market-gateway/recon"
	"agriclear/services/market-gateway/rewards"
	"agriclear/services/market-gateway/server"
	"agriclear/services/market-gateway/settlement"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("market-gateway", cfg.Environment, logging.ParseLevel(cfg.LogLevel))

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("database open failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	client := chain.NewRPCClient(cfg.NodeURL, cfg.NodeAuthToken)

	catalogue := rewards.DefaultCatalogue()
	if cfg.RewardCataloguePath != "" {
		catalogue, err = rewards.LoadCatalogue(cfg.RewardCataloguePath)
		if err != nil {
			logger.Error("reward catalogue load failed",
				"path", cfg.RewardCataloguePath, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var classifier fraud.Classifier = fraud.NewRuleClassifier()
	if cfg.GeminiAPIKey != "" {
		gemini, err := fraud.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, "")
		if err != nil {
			logger.Warn("gemini classifier unavailable, using rule classifier", "error", err)
		} else {
			classifier = gemini
		}
	}

	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		logger.Error("verifier init failed", "error", err)
		os.Exit(1)
	}

	obs := gwmw.NewObservability(gwmw.ObservabilityConfig{
		ServiceName: "market-gateway",
		LogRequests: cfg.LogRequests,
	}, logger)

	// The server is created first so the processor and reconciler can feed
	// its websocket hub.
	var srv *server.Server
	notify := func(u settlement.OrderUpdate) {
		if srv != nil {
			srv.Publish(u)
		}
	}

	processor, err := settlement.NewProcessor(settlement.Config{
		DB:             db,
		Client:         client,
		Catalogue:      catalogue,
		Classifier:     classifier,
		FraudThreshold: cfg.FraudThreshold,
		Logger:         logger,
		Notify:         notify,
	})
	if err != nil {
		logger.Error("settlement processor init failed", "error", err)
		os.Exit(1)
	}

	srv, err = server.New(server.Config{
		DB:             db,
		Verifier:       verifier,
		Processor:      processor,
		Client:         client,
		Classifier:     classifier,
		PlatformWallet: common.HexToAddress(cfg.PlatformWallet),
		Observability:  obs,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	reconciler, err := recon.New(recon.Config{
		DB:       db,
		Client:   client,
		Interval: cfg.ReconInterval,
		Logger:   logger,
		Notify:   notify,
	})
	if err != nil {
		logger.Error("reconciler init failed", "error", err)
		os.Exit(1)
	}
	go reconciler.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("market gateway listening",
		"addr", cfg.ListenAddress, "node", cfg.NodeURL, "reconInterval", cfg.ReconInterval)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("market gateway stopped")
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open("file:market-gateway.db?cache=shared"), &gorm.Config{})
}
