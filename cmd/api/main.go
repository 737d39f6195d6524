package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/lifecycle"
	"escrowflow/party"
)

type config struct {
	DatabaseURL      string
	NodeURL          string
	NodeToken        string
	NodeAdminAddress string
	JWTSecret        string
	ListenAddr       string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		NodeURL:          os.Getenv("ESCROW_NODE_URL"),
		NodeToken:        os.Getenv("ESCROW_NODE_TOKEN"),
		NodeAdminAddress: os.Getenv("ESCROW_ADMIN_ADDRESS"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		ListenAddr:       os.Getenv("LISTEN_ADDR"),
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	return cfg
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := loadConfig()
	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	if cfg.NodeURL == "" {
		log.Error("ESCROW_NODE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("bootstrap database pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, cfg.JWTSecret)

	partyRepo := party.NewRepository(pool)
	partyService := party.NewService(partyRepo)

	contractRepo := contract.NewRepository(pool)
	contractService := contract.NewCRUDService(pool)

	disputeRepo := dispute.NewRepository(pool)

	adapter := custody.NewNodeClient(cfg.NodeURL, cfg.NodeToken, cfg.NodeAdminAddress)
	engine := lifecycle.NewEngine(contractRepo, adapter, partyRepo, disputeRepo, log)
	coordinator := dispute.NewCoordinator(engine, contractRepo, disputeRepo, log)

	server := &Server{
		authService:     authService,
		contractService: contractService,
		contracts:       contractRepo,
		engine:          engine,
		disputeService:  coordinator,
		partyService:    partyService,
		log:             log,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server", "err", err)
		os.Exit(1)
	}
}
