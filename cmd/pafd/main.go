package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/paf-relay/paf/internal/adminapi"
	"github.com/paf-relay/paf/internal/auth"
	"github.com/paf-relay/paf/internal/balancer"
	"github.com/paf-relay/paf/internal/config"
	"github.com/paf-relay/paf/internal/configstore"
	"github.com/paf-relay/paf/internal/forwarder"
	"github.com/paf-relay/paf/internal/hub"
	"github.com/paf-relay/paf/internal/ledger"
	"github.com/paf-relay/paf/internal/logbuf"
	"github.com/paf-relay/paf/internal/transport"
	"github.com/paf-relay/paf/internal/webui"
)

var version = "dev"

// family bundles one service's wired collaborators plus the data-plane
// *http.Server that serves it.
type family struct {
	name      string
	config    *configstore.Store
	balancer  *balancer.Balancer
	ledger    *ledger.Ledger
	hub       *hub.Hub
	forwarder *forwarder.Forwarder
	server    *http.Server
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := logbuf.New(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("paf starting", "version", version)

	homeDir, err := resolveHomeDir(cfg)
	if err != nil {
		slog.Error("resolve home dir failed", "error", err)
		os.Exit(1)
	}
	dataDir := filepath.Join(homeDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("create data dir failed", "error", err, "dir", dataDir)
		os.Exit(1)
	}

	tm := transport.New(cfg.ConnectTimeout, cfg.RequestTimeout)
	defer tm.Close()

	bal, err := balancer.Open(filepath.Join(dataDir, "lb_config.toml"), cfg.FailureThreshold, cfg.AutoResetMinutes)
	if err != nil {
		slog.Error("balancer init failed", "error", err)
		os.Exit(1)
	}

	families := map[string]*family{}
	for _, svc := range []struct {
		name string
		port int
	}{
		{"claude", cfg.ClaudePort},
		{"codex", cfg.CodexPort},
	} {
		f, err := newFamily(cfg, homeDir, dataDir, svc.name, svc.port, tm, bal)
		if err != nil {
			slog.Error("service init failed", "service", svc.name, "error", err)
			os.Exit(1)
		}
		families[svc.name] = f
		defer f.ledger.Close()
	}

	adminFamilies := map[string]*adminapi.Family{}
	for name, f := range families {
		adminFamilies[name] = &adminapi.Family{Config: f.config, Balancer: f.balancer, Ledger: f.ledger}
	}

	adminMux := http.NewServeMux()
	adminapi.New(adminFamilies).Register(adminMux)
	for name, f := range families {
		adminMux.HandleFunc("GET /ws/realtime/"+name, f.hub.ServeWS)
	}
	adminMux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	adminMux.HandleFunc("GET /api/system/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"lines": logHandler.Recent()})
	})
	if err := webui.Mount(adminMux); err != nil {
		slog.Warn("webui mount failed, /ui/ disabled", "error", err)
	}

	authMw := auth.NewMiddleware(cfg.AdminToken)
	adminServer := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort),
		Handler:        requestLogger(authMw.Authenticate(adminMux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go tm.RunCleanup(ctx, 10*time.Minute)
	for _, f := range families {
		go runLogPurge(ctx, f.ledger, cfg.LogPurgeAfter)
	}

	errCh := make(chan error, 1+len(families))
	go func() {
		slog.Info("admin server starting", "addr", adminServer.Addr)
		errCh <- adminServer.ListenAndServe()
	}()
	for _, f := range families {
		f := f
		go func() {
			slog.Info("data-plane server starting", "service", f.name, "addr", f.server.Addr)
			errCh <- f.server.ListenAndServe()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		for _, f := range families {
			if err := f.server.Shutdown(shutdownCtx); err != nil {
				slog.Error("data-plane server shutdown error", "service", f.name, "error", err)
			}
		}
	}
}

func newFamily(cfg *config.Config, homeDir, dataDir, name string, port int, tm *transport.Manager, bal *balancer.Balancer) (*family, error) {
	cs, err := configstore.Open(filepath.Join(homeDir, name+".toml"))
	if err != nil {
		return nil, fmt.Errorf("configstore: %w", err)
	}

	led, err := ledger.Open(filepath.Join(dataDir, name+"_requests.db"), cfg.MaxLedgerEntries)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	h := hub.New(100)
	fw := &forwarder.Forwarder{
		Service:   name,
		Config:    cs,
		Balancer:  bal,
		Ledger:    led,
		Hub:       h,
		Transport: tm,
	}

	mux := http.NewServeMux()
	mux.Handle("/", fw)

	return &family{
		name:      name,
		config:    cs,
		balancer:  bal,
		ledger:    led,
		hub:       h,
		forwarder: fw,
		server: &http.Server{
			Addr:           fmt.Sprintf("0.0.0.0:%d", port),
			Handler:        requestLogger(mux),
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
			MaxHeaderBytes: 1 << 20,
		},
	}, nil
}

func resolveHomeDir(cfg *config.Config) (string, error) {
	if cfg.HomeDir != "" {
		if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
			return "", err
		}
		return cfg.HomeDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".paf")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func runLogPurge(ctx context.Context, led *ledger.Ledger, after time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-after)
			n, err := led.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}
