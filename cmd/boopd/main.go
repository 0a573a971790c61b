// boopd is the real-time boop counter server. It serves the websocket
// endpoint clients boop over, reconciles every session with the shared store,
// and runs the scheduled janitor that sweeps stale hourly-ledger entries.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/net/netutil"

	"github.com/boopnet/boopd/internal/api"
	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/config"
	"github.com/boopnet/boopd/internal/janitor"
	"github.com/boopnet/boopd/internal/store"
)

const shutdownTimeout = 15 * time.Second

// validateEnv checks that critical environment variables have valid values
// before anything is wired. Returns a slice of validation errors.
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("BOOP_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("BOOP_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}
	if ep := os.Getenv("BOOP_TOKEN_ENDPOINT"); ep != "" {
		if _, err := url.ParseRequestURI(ep); err != nil {
			errs = append(errs, fmt.Sprintf("BOOP_TOKEN_ENDPOINT=%q: must be a valid URL (%v)", ep, err))
		}
	}
	return errs
}

func setupLogger() {
	if os.Getenv("LOG_FORMAT") == "text" {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			TimeFormat: time.Kitchen,
		})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /boopd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health/live")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	setupLogger()

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("boopd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkers := map[string]api.HealthChecker{}

	// Credential collaborator: minter plus the two cache tiers.
	var minter auth.Minter
	cachePath := cfg.TokenCachePath
	if cfg.Dev {
		minter = auth.StaticMinter{Token: "dev"}
		cachePath = ""
		slog.Warn("dev mode: in-memory store, static credentials")
	} else {
		minter = auth.NewHTTPMinter(cfg.TokenEndpoint)
	}
	tokenCache, err := auth.OpenTokenCache(cachePath)
	if err != nil {
		return err
	}
	defer tokenCache.Close()
	tokens := auth.NewTokenSource(minter, tokenCache, cfg.TokenPrefix)

	// Store adapter.
	var connector store.Connector
	var pg *store.Postgres
	if cfg.Dev {
		connector = store.NewMemory()
	} else {
		pg, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		connector = pg
		checkers["postgres"] = pg
		slog.Info("connected to postgres store")
	}

	// The janitor runs on every replica in dev mode, and only on the
	// advisory-lock holder otherwise.
	jan := janitor.New(connector, tokens, cfg.JanitorSchedule)
	if cfg.Dev {
		if err := jan.Start(); err != nil {
			return err
		}
		defer jan.Stop()
	} else {
		elector := janitor.NewElector(jan, pg, janitor.LockRetryInterval)
		elector.Start(ctx)
		defer elector.Stop()
	}

	srv := &api.Server{
		Connector:      connector,
		Tokens:         tokens,
		Janitor:        jan,
		Conns:          api.NewConnLimiter(0, 0),
		AdminAPIKey:    cfg.AdminAPIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		HealthCheckers: checkers,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	httpServer := &http.Server{
		Handler:           api.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("boopd listening", "addr", cfg.ListenAddr, "dev", cfg.Dev)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}
