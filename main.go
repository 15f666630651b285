// Command backend is the entrypoint for the tipchat API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs the idempotent grant-ledger
//     migration, and reseeds the supporter allow-list.
//   - Starts the room manager event loop and the session sweeper.
//   - Exposes the HTTP server: /ws chat transport, wallet auth handshake,
//     tip webhook, /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/tipchat/backend/chatroom"
	"github.com/onnwee/tipchat/backend/config"
	"github.com/onnwee/tipchat/backend/db"
	"github.com/onnwee/tipchat/backend/server"
	"github.com/onnwee/tipchat/backend/session"
	"github.com/onnwee/tipchat/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateWebhookReady(); err != nil {
		slog.Warn("tip webhook disabled until configured", slog.Any("err", err))
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("tipchat", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewStore()

	// Optional grant ledger. Without DB_DSN the allow-list is purely
	// in-memory and grants do not survive a restart.
	var recorder chatroom.GrantRecorder
	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running grant ledger migration", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		recorder = &db.GrantLedger{DB: database}
	} else {
		slog.Info("grant ledger disabled (DB_DSN not set)")
	}

	manager := chatroom.NewManager(sessions, recorder)

	// Reseed supporters from the ledger before the loop starts serving.
	if database != nil {
		ledger := &db.GrantLedger{DB: database}
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		grants, err := ledger.LoadGrants(loadCtx)
		cancel()
		if err != nil {
			slog.Error("failed to load supporter grants", slog.Any("err", err))
			os.Exit(1)
		}
		manager.SeedSupporters(grants)
		slog.Info("supporter allow-list reseeded", slog.Int("grants", len(grants)))
	}

	go manager.Run(ctx)
	go sessions.StartSweeper(ctx)

	// Keep the active-session gauge fresh.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				telemetry.SetActiveSessions(sessions.ActiveSessions())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	handlers := server.NewHandlers(manager, sessions, cfg, database)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()
	slog.Info("tipchat backend started", slog.String("addr", cfg.HTTPAddr))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
