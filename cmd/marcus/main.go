// Marcus is an agent coordination server. It assigns tasks to AI agents
// through bounded leases, infers dependencies between tasks, decomposes
// oversized work, and watches the pool for gridlock.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marcushq/marcus"
	"github.com/marcushq/marcus/internal/config"
	"github.com/marcushq/marcus/internal/metrics"
	"github.com/marcushq/marcus/internal/persist"
	"github.com/marcushq/marcus/provider"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitRuntime   = 3
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:           "marcus",
		Short:         "Agent coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd(configPath, metricsAddr)
		},
	}
	serve.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus endpoint (empty disables)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print a coordination health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("marcus %s (commit: %s, built: %s)\n", version, gitCommit, buildTime)
		},
	}

	root.AddCommand(serve, status, versionCmd)

	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			if exit.code != exitInterrupt {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			return exit.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitRuntime
	}
	return exitOK
}

// exitError carries an exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, exitError{code: exitConfig, err: err}
	}
	return cfg, nil
}

// openStore opens the configured persistence backend. Failure here is a
// runtime condition (the path or database is unavailable), not a config
// mistake, and exits with the runtime code.
func openStore(cfg config.Config) (persist.Store, error) {
	switch cfg.Storage {
	case "sqlite":
		store, err := persist.OpenSQL(cfg.DBPath)
		if err != nil {
			return nil, exitError{code: exitRuntime, err: err}
		}
		return store, nil
	default:
		store, err := persist.OpenFile(cfg.StateDir)
		if err != nil {
			return nil, exitError{code: exitRuntime, err: err}
		}
		return store, nil
	}
}

func buildEngine(cfg config.Config, logger *slog.Logger) (*marcus.Engine, persist.Store, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	// The in-memory provider is the only board backend compiled in; real
	// backends register here as they land.
	kanban := provider.RetryingKanban{Inner: provider.NewInMemoryKanban()}
	var ai provider.AIProvider
	if llm, err := provider.NewLLMProviderFromEnv(); err == nil {
		ai = llm
	} else {
		logger.Info("AI backend disabled, running pattern inference only", "reason", err)
	}
	engine := marcus.NewEngine(cfg, store, kanban, ai, logger)
	return engine, store, nil
}

func serveCmd(configPath, metricsAddr string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	engine, store, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Startup(ctx); err != nil {
		return exitError{code: exitRuntime, err: err}
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("Metrics endpoint up", "addr", metricsAddr)
	}

	logger.Info("Coordination server running", "storage", cfg.Storage, "provider", cfg.Provider)
	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down")
		return exitError{code: exitInterrupt, err: err}
	}
	if err != nil {
		return exitError{code: exitRuntime, err: err}
	}
	return nil
}

func statusCmd(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	engine, store, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := engine.Startup(ctx); err != nil {
		return exitError{code: exitRuntime, err: err}
	}
	health, err := engine.Diagnose(ctx)
	if err != nil {
		return exitError{code: exitRuntime, err: err}
	}
	out, err := json.MarshalIndent(health, "", "  ")
	if err != nil {
		return exitError{code: exitRuntime, err: err}
	}
	fmt.Println(string(out))
	return nil
}
