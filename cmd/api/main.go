package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tryon/internal/adapter/repo"
	"tryon/internal/cache"
	"tryon/internal/domain"
	"tryon/internal/http/handlers"
	"tryon/internal/http/httpapi"
	"tryon/internal/infra"
	"tryon/internal/infra/geoip"
	"tryon/internal/middleware"
	"tryon/internal/providers/replicate"
	"tryon/internal/reconcile"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger("api", cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer redisClient.Close()

	gens := repo.NewGenerationRepository(dbpool)
	queue := repo.NewQueueRepository(dbpool)
	usage := repo.NewUsageRepository(dbpool)
	resultCache := cache.New(redisClient, cfg.CacheTTL, logger)

	var provider reconcile.StatusSource
	if cfg.ReplicateAPIToken != "" {
		client, err := replicate.NewClient(replicate.Options{
			APIToken: cfg.ReplicateAPIToken,
			BaseURL:  cfg.ReplicateBaseURL,
			Logger:   &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure replicate client")
		}
		provider = client
	} else {
		logger.Warn().Msg("replicate api token missing, status polling disabled")
		provider = unavailableProvider{}
	}

	reconciler := reconcile.New(gens, provider, logger,
		reconcile.WithQueue(queue),
		reconcile.WithResultSink(resultCache),
		reconcile.WithCostFn(replicate.ActualCost),
	)

	app := handlers.NewApp(logger)
	app.Gens = gens
	app.Queue = queue
	app.Usage = usage
	app.Cache = resultCache
	app.Reconciler = reconciler
	app.WebhookSecret = cfg.ReplicateWebhookSecret
	app.DailyQuota = cfg.DailyQuota
	app.ProviderTimeout = cfg.ProviderTimeout

	var lookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip resolver unavailable")
	} else if resolver != nil {
		lookup = resolver.CountryCode
	}

	router := httpapi.NewRouter(app, cfg, logger, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// unavailableProvider stands in when no API token is configured; polls report
// the provider as unreachable instead of crashing.
type unavailableProvider struct{}

func (unavailableProvider) Observe(ctx context.Context, providerJobID string) (domain.Observation, error) {
	return domain.Observation{}, fmt.Errorf("%w: no api token configured", domain.ErrProviderUnavailable)
}
