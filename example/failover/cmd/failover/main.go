package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kroma-labs/sentinel-pipeline/endpoint"
	"github.com/kroma-labs/sentinel-pipeline/example/failover/internal/config"
	"github.com/kroma-labs/sentinel-pipeline/example/failover/internal/regions"
	"github.com/kroma-labs/sentinel-pipeline/example/failover/internal/telemetry"
	"github.com/kroma-labs/sentinel-pipeline/pipeline"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

type itemsResponse struct {
	Region string   `json:"region"`
	Items  []string `json:"items"`
}

func main() {
	ctx := context.Background()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// 1. Setup OpenTelemetry (Tracing + Metrics)
	mux := http.NewServeMux()
	shutdownTelemetry, err := telemetry.Setup(ctx, mux)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to setup OTel")
	}
	defer func() {
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown error")
		}
	}()

	// 2. Start Prometheus Metrics Server
	metricsServer := &http.Server{Addr: config.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", config.MetricsPort).Msg("starting Prometheus metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	// 3. Start the fake account: discovery plus two regions
	west := regions.NewRegion("West US", config.WestAddr, logger)
	east := regions.NewRegion("East US", config.EastAddr, logger)
	global := regions.NewGlobal(config.GlobalAddr, west, east)
	for _, start := range []func() error{global.Start, west.Start, east.Start} {
		if err := start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start regions")
		}
	}

	// 4. Build the endpoint manager, discovering through its own small pipeline
	discovery, err := pipeline.New(
		pipeline.WithServiceName("discovery"),
		pipeline.WithLogger(logger),
		pipeline.WithRetryConfig(pipeline.ConservativeRetryConfig()),
		pipeline.WithProxyFromEnvironment(false),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create discovery client")
	}
	defer discovery.Close()

	manager, err := endpoint.Shared(config.GlobalEndpoint, func() (*endpoint.Manager, error) {
		return endpoint.NewManager(endpoint.Config{
			DefaultEndpoint:           config.GlobalEndpoint,
			PreferredLocations:        []string{"West US", "East US"},
			RefreshInterval:           30 * time.Second,
			UnavailableTTL:            20 * time.Second,
			UseMultipleWriteLocations: true,
		}, endpoint.NewHTTPFetcher(discovery.Pipeline()), endpoint.WithLogger(logger))
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create endpoint manager")
	}
	manager.Start(ctx)
	defer endpoint.Forget(config.GlobalEndpoint)

	// 5. Build the client with failover, breaker and rate limiting
	breaker := pipeline.DefaultBreakerConfig()
	if addr := os.Getenv(config.RedisAddrEnv); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		breaker = pipeline.DistributedBreakerConfig(pipeline.NewRedisStore(rdb))
		logger.Info().Str("addr", addr).Msg("sharing breaker state through Redis")
	}

	client, err := pipeline.New(
		pipeline.WithServiceName(config.ServiceName),
		pipeline.WithLogger(logger.Level(zerolog.InfoLevel)),
		pipeline.WithConfig(pipeline.LowLatencyConfig()),
		pipeline.WithProxyFromEnvironment(false),
		pipeline.WithEndpointResolver(manager),
		pipeline.WithBreakerConfig(breaker),
		pipeline.WithRateLimit(pipeline.DefaultRateLimitConfig()),
		pipeline.WithStatusErrors(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	defer client.Close()

	// 6. Call the account in a loop, taking West down and up again
	tracer := otel.Tracer("example-app")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(config.RequestInterval) * time.Second)
	defer ticker.Stop()

	fmt.Println("✅ Failover example app started!")
	fmt.Println("📊 Prometheus metrics: http://localhost:2112/metrics")
	fmt.Println("🔍 Grafana UI: http://localhost:3000")
	fmt.Println("Press Ctrl+C to stop...")

	n := 0
	for {
		select {
		case <-ticker.C:
			n++
			if n%config.OutageEvery == 0 {
				toggle(west, logger)
			}

			ctx, span := tracer.Start(ctx, "list-items")
			fetchItems(ctx, client, logger)
			span.End()

		case <-sigChan:
			fmt.Println("\n🛑 Shutting down gracefully...")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("metrics server shutdown error")
			}
			_ = global.Shutdown(ctx)
			_ = west.Stop()
			_ = east.Stop()
			return
		}
	}
}

func fetchItems(ctx context.Context, client *pipeline.Client, logger zerolog.Logger) {
	resp, err := client.Get(ctx, config.GlobalEndpoint+"items")
	if err != nil {
		logger.Error().Err(err).Str("kind", pipeline.KindOf(err).String()).Msg("list items failed")
		return
	}

	var out itemsResponse
	if err := resp.JSON(&out); err != nil {
		logger.Error().Err(err).Msg("decode items failed")
		return
	}

	stats := resp.RetryStats()
	logger.Info().
		Str("region", out.Region).
		Int("items", len(out.Items)).
		Int("attempts", stats.Attempts).
		Msg("✓ items listed")
}

func toggle(r *regions.Region, logger zerolog.Logger) {
	var err error
	if r.Up() {
		err = r.Stop()
	} else {
		err = r.Start()
	}
	if err != nil {
		logger.Error().Err(err).Str("region", r.Name).Msg("toggle region failed")
	}
}
