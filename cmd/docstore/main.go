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
	"github.com/spf13/viper"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/compaction"
	"github.com/manpreetbhatti/lattice/collab/internal/config"
	"github.com/manpreetbhatti/lattice/collab/internal/db"
	"github.com/manpreetbhatti/lattice/collab/internal/docstore"
)

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "docstore",
		Short:        "Reference document backend",
		Long:         "Stores document update logs, snapshots and permissions in sqlite for the collaboration server.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().Int("port", 8080, "Port to listen on (DOCSTORE_PORT)")
	cmd.Flags().String("db", "./data/docstore.db", "sqlite database path (DOCSTORE_DB_PATH)")
	v.BindPFlag("DOCSTORE_PORT", cmd.Flags().Lookup("port"))
	v.BindPFlag("DOCSTORE_DB_PATH", cmd.Flags().Lookup("db"))
	return cmd
}

func run(cfg *config.Config) error {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if cfg.BackendSecret == "" {
		return errors.New("BACKEND_API_SECRET is required")
	}

	database, err := db.New(cfg.DocstoreDBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	compactor := compaction.New(database, compaction.Config{
		Interval:          cfg.DocstoreCompactInterval,
		UpdateThreshold:   cfg.DocstoreCompactThreshold,
		KeepRecentUpdates: compaction.DefaultConfig().KeepRecentUpdates,
	}, logger)
	compactor.Start()
	defer compactor.Stop()

	srv := &http.Server{
		Addr:              cfg.DocstoreAddr(),
		Handler:           docstore.New(database, compactor, cfg.BackendSecret, auth.ParseRole(cfg.DocstoreDefaultRole), logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	logger.Info("docstore listening", "addr", srv.Addr, "db", cfg.DocstoreDBPath, "default_role", cfg.DocstoreDefaultRole)

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
