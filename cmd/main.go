// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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

	"github.com/absmach/mendpoint"
	"github.com/absmach/mendpoint/examples/simple"
	"github.com/absmach/mendpoint/pkg/breaker"
	"github.com/absmach/mendpoint/pkg/health"
	"github.com/absmach/mendpoint/pkg/metrics"
	"github.com/absmach/mendpoint/pkg/nsdl"
	"github.com/absmach/mendpoint/pkg/ratelimit"
	"github.com/absmach/mendpoint/pkg/resource"
	"github.com/absmach/mendpoint/pkg/transport/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "MENDPOINT_"

var errNotRegistered = errors.New("endpoint is not registered")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := mendpoint.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		slog.Error(fmt.Sprintf("failed to load configuration: %s", err))
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.New("mendpoint", prometheus.DefaultRegisterer)

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
		OnStateChange: func(from, to breaker.State) {
			m.SetCircuitBreakerState("transmit", int(to))
			logger.Warn("transmit circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	limiter, err := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitMaxSources)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create rate limiter: %s", err))
		os.Exit(1)
	}

	tr, err := udp.New(udp.Config{
		Address:      cfg.Address,
		QueueSize:    cfg.QueueSize,
		ExecInterval: cfg.ExecInterval,
		Limiter:      limiter,
		Breaker:      cb,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create transport: %s", err))
		os.Exit(1)
	}

	client, err := nsdl.New(nsdl.Config{
		Transmit: tr.Transmit(),
		Handler:  simple.New(logger),
		Engine:   cfg.Engine(),
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create endpoint: %s", err))
		os.Exit(1)
	}
	tr.Bind(client)

	if err := publishDevice(client, cfg); err != nil {
		logger.Error(fmt.Sprintf("failed to create device resources: %s", err))
		os.Exit(1)
	}

	checker := health.NewChecker()
	checker.Register("transport", true, func(ctx context.Context) error {
		return tr.Do(ctx, func() {})
	})
	checker.Register("registration", false, func(ctx context.Context) error {
		registered := false
		if err := tr.Do(ctx, func() { registered = client.IsRegistered() }); err != nil {
			return err
		}
		if !registered {
			return errNotRegistered
		}
		return nil
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Mux(), logger)
	})

	// The transport outlives ctx so the endpoint can unregister on shutdown.
	trCtx, trCancel := context.WithCancel(context.Background())
	g.Go(func() error {
		return tr.Listen(trCtx)
	})
	g.Go(func() error {
		defer trCancel()
		return run(ctx, cfg, tr, client, logger)
	})

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("mEndpoint service terminated with error: %s", err))
	} else {
		logger.Info("mEndpoint service stopped")
	}
}

// run registers the endpoint, bootstrapping first when no server is
// configured, and keeps the registration alive until ctx is done.
func run(ctx context.Context, cfg mendpoint.Config, tr *udp.Transport, client *nsdl.Client, logger *slog.Logger) error {
	select {
	case <-tr.Ready():
	case <-ctx.Done():
		return nil
	}

	info := cfg.EndpointInfo()
	register := func() {
		if _, err := client.Register(info); err != nil {
			logger.Warn("registration failed", slog.String("error", err.Error()))
		}
	}

	err := tr.Do(ctx, func() {
		if !cfg.ServerAddress().IsZero() {
			client.SetServerAddress(cfg.ServerAddress())
			register()
			return
		}
		_, err := client.OMABootstrap(cfg.BootstrapAddress(), info, &nsdl.BootstrapInfo{
			Done: func(nsdl.ServerInfo) { register() },
			OnReboot: func() {
				logger.Info("reboot requested by server")
			},
		})
		if err != nil {
			logger.Warn("bootstrap failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}

	interval := time.Duration(cfg.Lifetime) * time.Second / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return unregister(cfg.ShutdownTimeout, tr, client, logger)
		case <-ticker.C:
			err := tr.Do(ctx, func() {
				switch {
				case client.IsRegistered():
					if _, err := client.UpdateRegistration(0); err != nil {
						logger.Warn("registration update failed", slog.String("error", err.Error()))
					}
				case client.State() == nsdl.Unregistered && !client.ServerAddress().IsZero():
					register()
				}
			})
			if err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

func unregister(timeout time.Duration, tr *udp.Transport, client *nsdl.Client, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return tr.Do(ctx, func() {
		id, err := client.Unregister()
		if err != nil {
			logger.Warn("unregister failed", slog.String("error", err.Error()))
			return
		}
		if id != 0 {
			logger.Info("unregister sent", slog.Int("message_id", int(id)))
		}
	})
}

// publishDevice creates the device object resources the endpoint serves.
func publishDevice(client *nsdl.Client, cfg mendpoint.Config) error {
	resources := []*resource.Resource{
		{Path: "3/0/0", Value: []byte("Abstract Machines"), Access: resource.AccessGET, Publish: true},
		{Path: "3/0/1", Value: []byte(cfg.Type), Access: resource.AccessGET, Publish: true},
		{Path: "3/0/2", Value: []byte(cfg.Name), Access: resource.AccessGET, Publish: true},
	}
	for _, r := range resources {
		if err := client.CreateResource(r); err != nil {
			return err
		}
	}
	return nil
}

func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("%s server shutdown error", name), slog.String("error", err.Error()))
		}
	}()

	logger.Info(fmt.Sprintf("Starting %s server", name), slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
