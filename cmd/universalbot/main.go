// ABOUTME: Entry point for the universalbot flow engine server
// ABOUTME: Loads config, wires the pipeline, and serves the HTTP boundary

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/broadcast"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/config"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/dedupe"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/engine"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/flow"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/gate"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/gateway"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/httpapi"
	"github.com/ricardocotavargas-ctrl/universalbot-sub004/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                          _ _           _
 _   _ _ __ (_)_   _____ _ __ ___  __ _| | |__   ___ | |_
| | | | '_ \| \ \ / / _ \ '__/ __|/ _' | | '_ \ / _ \| __|
| |_| | | | | |\ V /  __/ |  \__ \ (_| | | |_) | (_) | |_
 \__,_|_| |_|_| \_/ \___|_|  |___/\__,_|_|_.__/ \___/ \__|
`

// getConfigPath returns the path to the engine config file.
// Priority: UNIVERSALBOT_CONFIG env var > ./universalbot.yaml
func getConfigPath() string {
	if envPath := os.Getenv("UNIVERSALBOT_CONFIG"); envPath != "" {
		return envPath
	}
	return "universalbot.yaml"
}

func main() {
	// .env is optional; deployments use real environment variables.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: universalbot <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the flow engine server")
		fmt.Println("  health    Check engine health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	matcher := flow.NewMatcher(db, logger)
	eng := engine.New(db, engine.Config{
		InactivityWindow: cfg.Engine.InactivityWindow,
		SweepInterval:    cfg.Engine.SweepInterval,
	}, logger)
	defer eng.Close()

	plans := make(gate.PlanTable, len(cfg.Plans))
	for tier, p := range cfg.Plans {
		channels := make([]flow.Channel, len(p.Channels))
		for i, c := range p.Channels {
			channels[i] = flow.Channel(c)
		}
		plans[tier] = gate.PlanLimits{
			Channels:         channels,
			MonthlyResponses: p.MonthlyResponses,
		}
	}
	featureGate := gate.New(plans, db, logger)

	broadcaster := broadcast.New(logger)
	defer broadcaster.Close()

	deliveries := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer deliveries.Close()

	gw := gateway.New(db, matcher, eng, featureGate, broadcaster, deliveries, logger)
	api := httpapi.New(gw, broadcaster, cfg.Engine.RequestDeadline, cfg.Server.AllowedOrigins, logger)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
