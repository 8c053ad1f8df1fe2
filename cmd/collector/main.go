// Command collector bridges a breach-and-attack simulation platform with a
// security tool: it pulls pending expectations, searches the tool for
// matching alerts, and writes detection and prevention verdicts back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/breachrange/collectors/internal/assetcache"
	"github.com/breachrange/collectors/internal/config"
	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/events"
	"github.com/breachrange/collectors/internal/journal"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
	"github.com/breachrange/collectors/internal/scheduler"
	"github.com/breachrange/collectors/internal/vendors"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "collector",
		Short:        "Expectation-alert correlation collector",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the collector version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the correlation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format).
		With("collector_id", cfg.Collector.ID, "vendor", cfg.Vendor.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, err := vendors.New(cfg.Vendor, log)
	if err != nil {
		return fmt.Errorf("build vendor adapter: %w", err)
	}

	client := platform.NewClient(cfg.Platform.URL, cfg.Platform.Token, cfg.Platform.Timeout)

	var resolver engine.AssetResolver = client
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		resolver = assetcache.New(client, redis.NewClient(opts), cfg.Redis.TTL, log)
		log.Info("asset cache enabled", "ttl", cfg.Redis.TTL)
	}

	writer := &engine.Writer{
		Platform:    client,
		CollectorID: cfg.Collector.ID,
		Logger:      log,
	}

	if cfg.Journal.Enabled {
		log.Info("running journal migrations")
		m, err := migrate.New("file://migrations", cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("initialize migrations: %w", err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("run migrations: %w", err)
		}

		repo, err := journal.NewRepository(ctx, cfg.Journal.DSN, cfg.Collector.ID, log)
		if err != nil {
			return fmt.Errorf("connect journal: %w", err)
		}
		defer repo.Close()
		writer.Observers = append(writer.Observers, repo)
		log.Info("verdict journal enabled")
	}

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.URL, cfg.Collector.ID, cfg.Vendor.Name, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()
		writer.Observers = append(writer.Observers, pub)
		log.Info("verdict events enabled", "subject", events.SubjectVerdicts)
	}

	var kinds []platform.ExpectationKind
	for _, k := range cfg.Collector.Kinds {
		kinds = append(kinds, platform.ExpectationKind(k))
	}

	orchestrator := &engine.Orchestrator{
		Source:      client,
		Adapter:     adapter,
		Matcher:     &engine.Matcher{Resolver: resolver, Policy: adapter.MissingTypePolicy},
		Writer:      writer,
		Logger:      log,
		CollectorID: cfg.Collector.ID,
		Kinds:       kinds,
		Expiry:      engine.ExpirationPolicy{Window: cfg.Collector.Lookback},
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Collector.RetryAttempts,
			Delay:       cfg.Collector.RetryDelay,
		},
		Lookback: cfg.Collector.Lookback,
	}

	srv := serveHTTP(cfg.Server.Port, log)

	sched := scheduler.New(orchestrator, cfg.Collector.Interval, log)
	go sched.Start(ctx)

	log.Info("collector started", "version", version, "interval", cfg.Collector.Interval)
	<-ctx.Done()

	log.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", "error", err)
	}
	log.Info("collector stopped")
	return nil
}

// serveHTTP exposes liveness and Prometheus metrics.
func serveHTTP(port int, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()
	return srv
}
