package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/chronicle/internal/cache"
	"github.com/oriys/chronicle/internal/circuitbreaker"
	"github.com/oriys/chronicle/internal/config"
	"github.com/oriys/chronicle/internal/delivery"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/materialiser"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/observability"
	"github.com/oriys/chronicle/internal/processor"
	"github.com/oriys/chronicle/internal/scheduler"
	"github.com/oriys/chronicle/internal/store"
	"github.com/oriys/chronicle/internal/templates"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var httpAddr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the materialiser and due processor on their cron cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
			}

			pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			st := store.NewStore(pg)
			defer st.Close()

			var users store.UserDirectory = st
			var closeCache func() error
			if cfg.Cache.Enabled {
				l1 := cache.NewInMemoryCache()
				l2 := cache.NewRedisCache(cache.RedisCacheConfig{Addr: cfg.Cache.RedisAddr})
				tiered := cache.NewTieredCache(l1, l2, cfg.Cache.TTL/4)
				users = store.NewCachedUserDirectory(st, tiered, cfg.Cache.TTL)
				closeCache = tiered.Close
			}

			reg, err := templates.Load(cfg.Templates.FilePath)
			if err != nil {
				return fmt.Errorf("load templates: %w", err)
			}

			breaker := circuitbreaker.New(circuitbreaker.Config{
				Threshold: cfg.CircuitBreaker.Threshold,
				ResetTime: cfg.CircuitBreaker.ResetTime,
			})
			client := delivery.New(delivery.Config{
				EmailServiceURL: cfg.Delivery.EmailServiceURL,
				Timeout:         cfg.Delivery.Timeout,
				MaxRetries:      cfg.Delivery.MaxRetries,
				RetryBaseDelay:  cfg.Delivery.RetryBaseDelay,
			}, breaker)

			m := materialiser.New(users, st, reg, materialiser.Config{
				MessageHour:   cfg.Materialiser.MessageHour,
				MessageMinute: cfg.Materialiser.MessageMinute,
			}, nil)

			p := processor.New(st, users, client, processor.Config{
				BatchLimit:    cfg.Processor.BatchLimit,
				LeaseDuration: cfg.Processor.LeaseDuration,
				MaxRetries:    cfg.Processor.MaxRetries,
			}, nil)

			sched := scheduler.New(m, p, scheduler.Config{
				MaterialiseCron: cfg.Scheduler.MaterialiseCron,
				ProcessCron:     cfg.Scheduler.ProcessCron,
				RecoveryLimit:   cfg.Processor.BatchLimit,
			})

			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = startHTTPServer(cfg.Daemon.HTTPAddr, st)
			}

			logging.Op().Info("chronicle serve started",
				"http_addr", cfg.Daemon.HTTPAddr,
				"materialise_cron", cfg.Scheduler.MaterialiseCron,
				"process_cron", cfg.Scheduler.ProcessCron)

			<-ctx.Done()
			logging.Op().Info("shutdown signal received")

			sched.Stop()
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutdownCtx)
				cancel()
			}
			if closeCache != nil {
				closeCache()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Health/metrics HTTP address (e.g. :9191)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	return cmd
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func startHTTPServer(addr string, st *store.Store) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		if err := st.Ping(ctx); err != nil {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	if m := metrics.Current(); m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server failed", "error", err)
		}
	}()
	return srv
}
