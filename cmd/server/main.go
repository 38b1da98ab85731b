package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/osazeejedi/escrow-interact/internal/aggregator"
	"github.com/osazeejedi/escrow-interact/internal/auth"
	"github.com/osazeejedi/escrow-interact/internal/config"
	"github.com/osazeejedi/escrow-interact/internal/contracts"
	"github.com/osazeejedi/escrow-interact/internal/database"
	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/escrows"
	"github.com/osazeejedi/escrow-interact/internal/factory"
	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/gateway/evm"
	"github.com/osazeejedi/escrow-interact/internal/gateway/ledger"
	"github.com/osazeejedi/escrow-interact/internal/metrics"
	"github.com/osazeejedi/escrow-interact/internal/operations"
	"github.com/osazeejedi/escrow-interact/pkg/logger"
	"github.com/osazeejedi/escrow-interact/pkg/middleware"
)

// network is the gateway the server talks to plus what it needs at shutdown
type network struct {
	gw        gateway.NetworkGateway
	transfers escrows.TransferSource
	stop      func()
}

// main loads configuration, connects to the configured network and serves the
// escrow API until SIGINT or SIGTERM
func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	logCloser := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		Production: cfg.IsProduction(),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logCloser.Close()

	db, err := database.NewDatabase(cfg.DatabasePath, cfg.Log.Level == "debug")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	assets := make([]escrow.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, escrow.Asset{Address: a.Address, Symbol: a.Symbol, Decimals: a.Decimals})
	}
	registry := escrow.NewAssets(assets)

	conn, err := connect(cfg, db, registry)
	if err != nil {
		zlog.Fatal().Err(err).Str("mode", cfg.Gateway.Mode).Msg("Failed to connect gateway")
	}
	defer conn.stop()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = gateway.CheckNetwork(checkCtx, conn.gw, cfg.NetworkID)
	checkCancel()
	if err != nil {
		zlog.Fatal().Err(err).Uint64("network_id", cfg.NetworkID).Msg("Gateway is on the wrong network")
	}

	m := metrics.New()
	tracker := operations.NewTracker(db, m)
	if _, err := tracker.Recover(context.Background()); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to recover pending operations")
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go operations.NewSweeper(db, 0).Start(sweepCtx)

	factoryTarget := gateway.FactoryTarget
	if cfg.Gateway.Mode == config.ModeEVM {
		factoryTarget = cfg.Gateway.FactoryAddress
	}
	client := contracts.New(conn.gw, factoryTarget, cfg.StatusCodec())
	agg := aggregator.New(aggregator.Options{
		Concurrency:    cfg.Aggregator.Concurrency,
		FetchTimeout:   cfg.Aggregator.FetchTimeout,
		MaxAttempts:    cfg.Aggregator.MaxAttempts,
		InitialBackoff: cfg.Aggregator.InitialBackoff,
	}, m)

	escrowService := escrows.NewService(client, agg, tracker, escrows.Options{
		Assets:    registry,
		Transfers: conn.transfers,
	})
	escrowHandlers := escrows.NewGinHandlers(escrowService)

	authService := auth.NewService(cfg.Server.JWTSecret)
	for _, cred := range cfg.Credentials {
		authService.RegisterAPICredentials(cred.APIKey, cred.APISecret, cred.Wallet)
	}
	authHandlers := auth.NewGinHandlers(authService)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits)
	stopLimiter := make(chan struct{})
	defer close(stopLimiter)
	go limiter.Run(stopLimiter)
	router.Use(limiter.Handler())

	setupRoutes(router, cfg.Server.JWTSecret, authHandlers, escrowHandlers, m)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Str("mode", cfg.Gateway.Mode).Uint64("network_id", cfg.NetworkID).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := tracker.Close(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("Operations still pending at shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// connect builds the gateway for the configured mode. In ledger mode the
// factory registry is restored from the database and the block loop started.
func connect(cfg *config.Config, db *gorm.DB, assets *escrow.Assets) (*network, error) {
	switch cfg.Gateway.Mode {
	case config.ModeEVM:
		var signer evm.TxSigner
		if cfg.Gateway.PrivateKey != "" {
			key, err := evm.NewKeySigner(cfg.Gateway.PrivateKey)
			if err != nil {
				return nil, err
			}
			signer = key
			zlog.Info().Str("account", key.Account()).Msg("Signing writes with configured key")
		}
		gw, err := evm.Dial(cfg.Gateway.RPCURL, cfg.Gateway.FactoryAddress, signer)
		if err != nil {
			return nil, err
		}
		return &network{gw: gw, stop: func() {}}, nil

	default:
		f := factory.New(db, escrow.BasisPoints(cfg.FeeBasisPoints), assets, escrow.Roles{
			Arbiter:      cfg.Arbiter,
			FeeRecipient: cfg.FeeRecipient,
		})
		if err := f.Load(context.Background()); err != nil {
			return nil, err
		}
		zlog.Info().Int("escrows", f.Count()).Msg("Restored escrow registry")

		gw := ledger.New(f, ledger.Options{
			NetworkID:     cfg.NetworkID,
			BlockInterval: cfg.Gateway.BlockInterval,
			Link: ledger.Link{
				MinLatency:  cfg.Gateway.MinLatency,
				MaxLatency:  cfg.Gateway.MaxLatency,
				FailureRate: cfg.Gateway.FailureRate,
			},
			Codec: cfg.StatusCodec(),
		})
		ctx, cancel := context.WithCancel(context.Background())
		go gw.Start(ctx)
		return &network{
			gw:        gw,
			transfers: f,
			stop: func() {
				cancel()
				<-gw.Done()
			},
		}, nil
	}
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public token issuance
// - Escrow reads: public
// - Escrow writes and operation lookups: protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	escrowHandlers *escrows.GinHandlers,
	m *metrics.Metrics,
) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))

		escrowHandlers.Register(v1, protected)
	}
}
