package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/subastamon/subastamon/internal/clock"
	"github.com/subastamon/subastamon/internal/config"
	"github.com/subastamon/subastamon/internal/health"
	"github.com/subastamon/subastamon/internal/notify"
	"github.com/subastamon/subastamon/internal/runtime"
	"github.com/subastamon/subastamon/internal/store"
	"github.com/subastamon/subastamon/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/subastamon/subastamon/internal/store/sqlite"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Mode)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	st, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer st.Close()

	logger.InfoContext(ctx, "store ready",
		slog.String("driver", cfg.Database.Driver),
		slog.String("path", cfg.Database.Path))

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return fmt.Errorf("building notifier: %w", err)
	}
	if notifier.Enabled() {
		logger.InfoContext(ctx, "webhook notifications enabled")
	}

	rt, err := runtime.New(runtime.Options{
		Config:   cfg,
		Store:    st,
		Clock:    clk,
		Logger:   logger,
		Tracer:   tp.TracerProvider,
		Meter:    tp.MeterProvider,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	healthHandler := health.NewHandler(clk, rt.Checkers()...)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	registerOperatorRoutes(mux, rt, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting control server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "control server error", slog.Any("error", listenErr))
		}
	}()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "subastamon is running",
		slog.String("version", version),
		slog.String("mode", cfg.Mode))

	<-ctx.Done()
	logger.Info("shutting down...")

	healthHandler.SetReady(false)
	rt.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// registerOperatorRoutes exposes the runtime's operator actions over
// the local control server.
func registerOperatorRoutes(mux *http.ServeMux, rt *runtime.Runtime, logger *slog.Logger) {
	mux.HandleFunc("POST /capture", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.CaptureCurrent(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /direct", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.SwitchToDirect(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /cadence", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
		if err != nil || ms <= 0 {
			http.Error(w, "ms query parameter required", http.StatusBadRequest)
			return
		}
		rt.SetCadence(time.Duration(ms) * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /intensive", func(w http.ResponseWriter, r *http.Request) {
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			http.Error(w, "on query parameter required", http.StatusBadRequest)
			return
		}
		rt.SetIntensive(on)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/provider", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p, err := rt.Provider(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintln(w, p)
		case http.MethodPost:
			if err := rt.SetProvider(r.Context(), r.URL.Query().Get("auction"), r.URL.Query().Get("id")); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("GET /export", func(w http.ResponseWriter, r *http.Request) {
		auction := r.URL.Query().Get("auction")
		if auction == "" {
			http.Error(w, "auction query parameter required", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=subasta-%s.xlsx", auction))
		if err := rt.ExportWorkbook(r.Context(), auction, w); err != nil {
			logger.Error("export failed", slog.String("auction", auction), slog.Any("error", err))
		}
	})

	mux.HandleFunc("POST /import", func(w http.ResponseWriter, r *http.Request) {
		applied, err := rt.ImportWorkbook(r.Context(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "applied %d rows\n", applied)
	})

	mux.HandleFunc("POST /cleanup", func(w http.ResponseWriter, r *http.Request) {
		mode := store.CleanupMode(strings.ToLower(r.URL.Query().Get("mode")))
		if err := rt.Cleanup(r.Context(), mode); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
