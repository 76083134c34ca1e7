package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ppomes/tokenshield/internal/adapter"
	"github.com/ppomes/tokenshield/internal/adminhttp"
	"github.com/ppomes/tokenshield/internal/config"
	"github.com/ppomes/tokenshield/internal/crypto"
	"github.com/ppomes/tokenshield/internal/icap"
	"github.com/ppomes/tokenshield/internal/security"
	"github.com/ppomes/tokenshield/internal/vault"
)

const masterKeyID = "master-1"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("config: invalid configuration", "error", err)
		os.Exit(64)
	}

	store, closeStore, err := openStore(cfg.VaultURL)
	if err != nil {
		logger.Error("vault: backend unavailable at startup", "error", err)
		os.Exit(69)
	}
	defer closeStore()

	kms, err := crypto.NewStaticKMS(masterKeyID, cfg.VaultKey)
	if err != nil {
		logger.Error("crypto: failed to initialize KMS", "error", err)
		os.Exit(64)
	}
	encryptor := crypto.NewAEADEncryptor(kms)

	fingerprinter, err := crypto.NewFingerprinter(cfg.VaultPepper)
	if err != nil {
		logger.Error("crypto: failed to initialize fingerprinter", "error", err)
		os.Exit(64)
	}

	cache := vault.NewCache(newRedisClient(cfg.VaultCacheAddr))

	v := vault.New(store, cache, encryptor, fingerprinter, masterKeyID, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go v.AuditLogger().Run(ctx)

	metrics := &serviceMetrics{}
	auditSink := &vaultAuditSink{vault: v, metrics: metrics}

	ad := adapter.New(v, cfg.IgnoreContentTypes, adapterFailMode(cfg.FailMode), logger)

	allowlist, err := security.ParseCIDRAllowlist(cfg.ICAPAllowedProxies)
	if err != nil {
		logger.Error("config: invalid ICAP_ALLOWED_PROXIES", "error", err)
		os.Exit(64)
	}

	handler := &icap.Handler{
		Adapter:        ad,
		EgressPatterns: cfg.EgressPatterns,
		MaxBody:        cfg.ICAPMaxBody,
		Deadline:       cfg.ICAPDeadline,
		Audit:          auditSink,
		Logger:         logger,
	}

	server := &icap.Server{
		Addr:        cfg.ICAPBind,
		Handler:     handler,
		Allowlist:   allowlist,
		RateLimiter: newRateLimiter(cfg, cache),
		Logger:      logger,
	}

	serverErrs := make(chan error, 1)
	go func() {
		logger.Info("icapd: listening", "addr", cfg.ICAPBind)
		serverErrs <- server.ListenAndServe()
	}()

	var adminServer *adminHTTPServer
	if cfg.AdminBind != "" {
		adminServer = startAdminServer(cfg.AdminBind, metrics, v, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("icapd: received signal, shutting down", "signal", sig.String())
		if sig == syscall.SIGINT {
			exitCode = 130
		}
	case err := <-serverErrs:
		logger.Error("icapd: ICAP listener failed", "error", err)
		os.Exit(69)
	}

	cancel()
	_ = server.Stop()
	v.AuditLogger().Stop()
	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		adminServer.shutdown(shutdownCtx)
	}

	os.Exit(exitCode)
}

// openStore selects the Store backend from VAULT_URL's scheme: a
// postgres(ql):// URL opens PostgresStore, everything else (including the
// documented sqlite://<path> form) opens SQLiteStore against the
// remaining path.
func openStore(url string) (vault.Store, func(), error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		store, err := vault.OpenPostgresStore(context.Background(), url)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		path := strings.TrimPrefix(url, "sqlite://")
		store, err := vault.OpenSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func newRedisClient(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func newRateLimiter(cfg *config.Config, cache *vault.Cache) *security.RedisTokenBucket {
	if cfg.ICAPRateLimitCapacity <= 0 || cfg.ICAPRateLimitRefillRate <= 0 || cfg.VaultCacheAddr == "" {
		return nil
	}
	return &security.RedisTokenBucket{
		Redis:      redis.NewClient(&redis.Options{Addr: cfg.VaultCacheAddr}),
		Prefix:     "icap_ratelimit",
		Capacity:   cfg.ICAPRateLimitCapacity,
		RefillRate: cfg.ICAPRateLimitRefillRate,
	}
}

func adapterFailMode(m config.FailMode) adapter.FailMode {
	if m == config.FailOpen {
		return adapter.FailOpen
	}
	return adapter.FailClosed
}

type adminHTTPServer struct {
	stop func(context.Context) error
}

func (s *adminHTTPServer) shutdown(ctx context.Context) {
	if s == nil || s.stop == nil {
		return
	}
	if err := s.stop(ctx); err != nil {
		slog.Default().Warn("icapd: admin server shutdown error", "error", err)
	}
}

func startAdminServer(addr string, metrics *serviceMetrics, v *vault.Vault, logger *slog.Logger) *adminHTTPServer {
	checks := map[string]adminhttp.HealthCheck{
		"vault": func() error {
			_, err := v.Info(context.Background(), "healthcheck-probe")
			if err != nil && !errors.Is(err, vault.ErrUnknownToken) {
				return err
			}
			return nil
		},
	}
	source := func() adminhttp.Metrics {
		return metrics.snapshot(v.AuditLogger())
	}

	h := adminhttp.New(source, checks, logger)
	srv := newHTTPServer(addr, h)

	go func() {
		logger.Info("icapd: admin http listening", "addr", addr)
		if err := srv.listenAndServe(); err != nil {
			logger.Warn("icapd: admin http server stopped", "error", err)
		}
	}()

	return &adminHTTPServer{stop: srv.shutdown}
}
