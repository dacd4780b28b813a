package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manpreetbhatti/lattice/collab/internal/api"
	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/backend"
	"github.com/manpreetbhatti/lattice/collab/internal/config"
	"github.com/manpreetbhatti/lattice/collab/internal/metrics"
	"github.com/manpreetbhatti/lattice/collab/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/collab/internal/ws"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "collab-server",
		Short:        "Real-time collaboration hub",
		Long:         "Serves shared documents and presence to websocket clients, grouped into rooms by URL path.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().Int("port", 8787, "Port to listen on (PORT)")
	cmd.Flags().String("host", "0.0.0.0", "Host to bind (HOST)")
	v.BindPFlag("PORT", cmd.Flags().Lookup("port"))
	v.BindPFlag("HOST", cmd.Flags().Lookup("host"))
	return cmd
}

func run(cfg *config.Config) error {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	var be backend.Backend
	if cfg.BackendURL != "" {
		be = backend.New(cfg.BackendURL, cfg.BackendSecret, logger)
	} else {
		logger.Warn("BACKEND_API_URL not set, running standalone: rooms start empty and nothing is persisted")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := ws.NewHub(ws.Options{
		Backend:         be,
		Verifier:        verifier,
		ForwardDebounce: cfg.ForwardDebounce,
		RoomTTL:         cfg.RoomTTL,
		Logger:          logger,
		Metrics:         metrics.New(reg),
		Admissions:      ratelimit.NewKeyed(20, 40, 10*time.Minute),
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           api.New(hub, cfg.InternalSecret, reg, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.Info("collab server listening",
		"addr", ln.Addr().String(),
		"backend", cfg.BackendURL,
		"debounce", cfg.ForwardDebounce,
		"room_ttl", cfg.RoomTTL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	}

	return shutdown(cfg, logger, srv, hub)
}

// shutdown stops accepting connections and pushes every room's state to the
// backend. The watchdog exits the process if that takes too long.
func shutdown(cfg *config.Config, logger *slog.Logger, srv *http.Server, hub *ws.Hub) error {
	watchdog := time.AfterFunc(cfg.ShutdownTimeout, func() {
		logger.Error("shutdown timed out, unsaved room state is lost", "timeout", cfg.ShutdownTimeout)
		os.Exit(1)
	})
	defer watchdog.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}

	if err := hub.Flush(ctx); err != nil {
		logger.Error("flush incomplete", "err", err)
		return fmt.Errorf("flush: %w", err)
	}
	logger.Info("all rooms saved, clean exit")
	return nil
}
