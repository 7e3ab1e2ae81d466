package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"VaultLedger/internal/event"
	"VaultLedger/internal/notify"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/oracle"
	"VaultLedger/internal/server"
	"VaultLedger/internal/transfer"
	"VaultLedger/internal/vault"
)

// Config holds all application configuration, loaded from environment
// variables. Monetary limits are decimal strings in 6-decimal normalized
// units.
type Config struct {
	// NATS
	NATSURL string

	// Risk parameters
	LimitPerTx uint64
	BankCap    uint64

	// Oracle
	PriceSubject string
	PriceMaxAge  time.Duration

	// External transfer services
	TokenSubject  string
	NativeSubject string
	CallTimeout   time.Duration

	// Notifications
	NotifyChanSize int

	// HTTP/gRPC/Metrics
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	// Admin
	AdminToken string
}

func DefaultConfig() Config {
	return Config{
		NATSURL:        envOrDefault("VAULT_NATS_URL", "nats://localhost:4222"),
		LimitPerTx:     envUint64OrDefault("VAULT_LIMIT_PER_TX", 5_000_000_000),    // $5,000
		BankCap:        envUint64OrDefault("VAULT_BANK_CAP", 1_000_000_000_000),    // $1,000,000
		PriceSubject:   envOrDefault("VAULT_PRICE_SUBJECT", "prices.native"),
		PriceMaxAge:    envDurationOrDefault("VAULT_PRICE_MAX_AGE", 5*time.Minute),
		TokenSubject:   envOrDefault("VAULT_TOKEN_SUBJECT", "transfers.token"),
		NativeSubject:  envOrDefault("VAULT_NATIVE_SUBJECT", "transfers.native"),
		CallTimeout:    envDurationOrDefault("VAULT_CALL_TIMEOUT", 5*time.Second),
		NotifyChanSize: envIntOrDefault("VAULT_NOTIFY_CHAN_SIZE", 4096),
		HTTPAddr:       envOrDefault("VAULT_HTTP_ADDR", ":8080"),
		GRPCAddr:       envOrDefault("VAULT_GRPC_ADDR", ":9090"),
		MetricsAddr:    envOrDefault("VAULT_METRICS_ADDR", ":9091"),
		AdminToken:     os.Getenv("VAULT_ADMIN_TOKEN"),
	}
}

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("VaultLedger starting")

	cfg := DefaultConfig()
	if cfg.AdminToken == "" {
		logger.Warn().Msg("VAULT_ADMIN_TOKEN not set, price-source endpoint disabled")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := notify.ConnectNATS(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := notify.EnsureEventStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure event stream")
	}

	// --- Price feed ---
	feed, err := oracle.NewNATSPriceFeed(nc, cfg.PriceSubject, cfg.PriceMaxAge,
		observability.NewLogger("oracle"))
	if err != nil {
		logger.Fatal().Err(err).Msg("price feed subscribe")
	}
	defer feed.Close()

	// --- External transfer services ---
	tokenClient := transfer.NewNATSTokenClient(nc, cfg.TokenSubject, cfg.CallTimeout)
	nativeSender := transfer.NewNATSNativeSender(nc, cfg.NativeSubject, cfg.CallTimeout)

	// --- Ledger core ---
	notifyChan := make(chan event.Event, cfg.NotifyChanSize)
	ledger, err := vault.NewVault(
		vault.Config{LimitPerTx: cfg.LimitPerTx, BankCap: cfg.BankCap},
		feed,
		tokenClient,
		nativeSender,
		notifyChan,
		metrics,
		observability.NewLogger("vault"),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct ledger")
	}

	// --- Notification publisher ---
	publisher := notify.NewPublisher(js, notifyChan, metrics, observability.NewLogger("notify"))

	// --- Servers ---
	feedFactory := func(subject string, maxAge time.Duration) (oracle.PriceFeed, error) {
		return oracle.NewNATSPriceFeed(nc, subject, maxAge, observability.NewLogger("oracle"))
	}
	httpServer := server.NewHTTPServer(
		cfg.HTTPAddr,
		ledger,
		feedFactory,
		cfg.AdminToken,
		healthChecker,
		metrics,
		observability.NewLogger("http"),
	)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, observability.NewLogger("grpc"))

	// --- Start goroutines ---
	errChan := make(chan error, 2)
	httpDone := make(chan error, 1)
	pubDone := make(chan error, 1)

	// 1. Notification publisher. It exits on channel close, not on ctx, so
	// it can drain events emitted while the HTTP server is still finishing
	// in-flight requests during shutdown.
	go func() {
		pubDone <- publisher.Run(context.Background())
	}()

	// 2. HTTP API
	go func() {
		httpDone <- httpServer.Start(ctx)
	}()

	// 3. gRPC health server
	go func() {
		errChan <- grpcServer.Start(ctx)
	}()

	// 4. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("price_subject", cfg.PriceSubject).
		Msg("VaultLedger ready")

	// --- Wait for shutdown signal ---
	httpExited := false
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	case err := <-httpDone:
		httpExited = true
		logger.Error().Err(err).Msg("http server exited, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	cancel()

	// Wait for the HTTP server to finish its in-flight requests — they are
	// the only writers on notifyChan, and a send on a closed channel panics.
	if !httpExited {
		<-httpDone
	}

	// Emitters are gone; closing the channel lets the publisher flush the
	// backlog and exit.
	close(notifyChan)
	if err := <-pubDone; err != nil {
		logger.Warn().Err(err).Msg("publisher exited with error")
	}

	logger.Info().Msg("VaultLedger stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func envUint64OrDefault(key string, defaultVal uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var u uint64
	if _, err := fmt.Sscanf(v, "%d", &u); err != nil {
		return defaultVal
	}
	return u
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
