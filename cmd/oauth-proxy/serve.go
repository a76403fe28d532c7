package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	oauth "github.com/modelgate/oauth-proxy"
	"github.com/modelgate/oauth-proxy/instrumentation"
	"github.com/modelgate/oauth-proxy/providers"
	"github.com/modelgate/oauth-proxy/providers/github"
	"github.com/modelgate/oauth-proxy/providers/google"
	"github.com/modelgate/oauth-proxy/providers/oidc"
	"github.com/modelgate/oauth-proxy/security"
	"github.com/modelgate/oauth-proxy/server"
	"github.com/modelgate/oauth-proxy/storage"
	"github.com/modelgate/oauth-proxy/storage/memory"
	"github.com/modelgate/oauth-proxy/storage/valkey"
)

const shutdownTimeout = 15 * time.Second

// serveCmd runs the proxy.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OAuth proxy server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(sctx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	encryptor, err := buildEncryptor(cfg, logger)
	if err != nil {
		return err
	}

	stores, cleanup, err := buildStores(cfg, encryptor, inst, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(registry, stores, cfg.ServerConfig(), logger)
	if err != nil {
		return err
	}
	defer srv.Close()
	srv.SetInstrumentation(inst)
	if cfg.DisableAudit {
		srv.SetAuditor(security.NewAuditor(logger, false))
	}

	handler := oauth.NewHandler(srv, logger)
	handler.SetInstrumentation(inst)
	rateLimiter := security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger)
	defer rateLimiter.Stop()
	handler.SetRateLimiter(rateLimiter)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("OAuth proxy listening",
			"addr", cfg.Listen,
			"issuer", cfg.Issuer,
			"endpoints", len(cfg.Endpoints),
			"storage", cfg.Storage.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildEncryptor creates the at-rest encryptor from the configured key.
func buildEncryptor(cfg *FileConfig, logger *slog.Logger) (*security.Encryptor, error) {
	if cfg.EncryptionKey == "" {
		logger.Warn("Token encryption at rest is disabled",
			"hint", "set encryption_key; generate one with `oauth-proxy genkey`")
		return security.NewEncryptor(nil)
	}
	key, err := security.KeyFromBase64(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption_key: %w", err)
	}
	return security.NewEncryptor(key)
}

// buildStores creates the configured storage backend and returns it as the
// four store interfaces plus a shutdown func.
func buildStores(cfg *FileConfig, encryptor *security.Encryptor, inst *instrumentation.Instrumentation, logger *slog.Logger) (server.Stores, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		store := memory.New()
		store.SetLogger(logger)
		store.SetEncryptor(encryptor)
		store.SetInstrumentation(inst)
		return asStores(store), store.Stop, nil

	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return server.Stores{}, nil, fmt.Errorf("connecting to valkey: %w", err)
		}
		store.SetEncryptor(encryptor)
		return asStores(store), store.Close, nil
	}
	return server.Stores{}, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// fullStore is the intersection every backend implements.
type fullStore interface {
	storage.ClientStore
	storage.SessionStore
	storage.TokenStore
	storage.APIKeyStore
}

func asStores(s fullStore) server.Stores {
	return server.Stores{Clients: s, Sessions: s, Tokens: s, APIKeys: s}
}

// buildRegistry constructs every configured provider. OIDC discovery runs
// here, so a dead issuer fails startup instead of the first login.
func buildRegistry(ctx context.Context, cfg *FileConfig, logger *slog.Logger) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	for _, pc := range cfg.Providers {
		var (
			p   providers.Provider
			err error
		)
		switch pc.Type {
		case "google":
			p, err = google.NewProvider(&google.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       pc.Scopes,
			})
		case "github":
			p, err = github.NewProvider(&github.Config{
				ClientID:             pc.ClientID,
				ClientSecret:         pc.ClientSecret,
				Scopes:               pc.Scopes,
				AllowedOrganizations: pc.AllowedOrganizations,
			})
		case "oidc":
			p, err = oidc.NewProvider(ctx, &oidc.Config{
				IssuerURL:    pc.IssuerURL,
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       pc.Scopes,
				Logger:       logger,
			})
		default:
			err = fmt.Errorf("unknown provider type %q", pc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("building provider %s: %w", pc.ID, err)
		}
		if err := registry.Register(pc.ID, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
