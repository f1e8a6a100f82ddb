package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tryon/internal/adapter/repo"
	"tryon/internal/cache"
	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/providers/replicate"
	"tryon/internal/reconcile"
)

const (
	claimInterval = 2 * time.Second
	sweepInterval = 15 * time.Second
	sweepBatch    = 25
)

type dispatcher struct {
	ctx        context.Context
	gens       domain.GenerationRepository
	queue      domain.QueueRepository
	provider   *replicate.Client
	reconciler *reconcile.Reconciler
	webhookURL string
	timeout    time.Duration
	logger     infra.Logger
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger("worker", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer redisClient.Close()

	provider, err := replicate.NewClient(replicate.Options{
		APIToken: cfg.ReplicateAPIToken,
		BaseURL:  cfg.ReplicateBaseURL,
		Logger:   &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure replicate client")
	}

	gens := repo.NewGenerationRepository(pool)
	queue := repo.NewQueueRepository(pool)
	resultCache := cache.New(redisClient, cfg.CacheTTL, logger)

	reconciler := reconcile.New(gens, provider, logger,
		reconcile.WithQueue(queue),
		reconcile.WithResultSink(resultCache),
		reconcile.WithCostFn(replicate.ActualCost),
	)

	d := &dispatcher{
		ctx:        ctx,
		gens:       gens,
		queue:      queue,
		provider:   provider,
		reconciler: reconciler,
		webhookURL: cfg.WebhookURL(),
		timeout:    cfg.ProviderTimeout,
		logger:     logger,
	}

	if err := d.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// Run interleaves two duties: dispatching freshly queued generations to the
// provider, and sweeping non-terminal generations whose webhook may have been
// lost so the polling path can finalize them.
func (d *dispatcher) Run() error {
	d.logger.Info().Msg("worker: started")
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return d.ctx.Err()
		case <-sweep.C:
			d.sweepUnfinished()
		default:
		}

		item, err := d.queue.Claim(d.ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				d.logger.Error().Err(err).Msg("worker: claim failed")
			}
			select {
			case <-d.ctx.Done():
				return d.ctx.Err()
			case <-time.After(claimInterval):
			}
			continue
		}

		d.dispatch(item)
	}
}

// dispatch hands one claimed generation to the provider. Submission failures
// consume a retry; when the budget is gone the generation is finalized as
// failed through the reconciler so the client sees a terminal record.
func (d *dispatcher) dispatch(item *domain.QueueItem) {
	gen, err := d.gens.GetByID(d.ctx, item.GenerationID)
	if err != nil {
		d.logger.Error().Err(err).Str("generation_id", item.GenerationID).Msg("worker: load generation failed")
		return
	}
	if gen.Status.IsTerminal() {
		// Finalized while queued (e.g. cache hit on a duplicate submission).
		if err := d.queue.MarkCompleted(d.ctx, gen.ID); err != nil {
			d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: queue completion update failed")
		}
		return
	}

	d.logger.Info().Str("generation_id", gen.ID).Str("model_type", gen.ModelType).Msg("worker: dispatching")

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	pred, err := d.provider.CreatePrediction(ctx, replicate.CreateRequest{
		ModelType:  gen.ModelType,
		Prompt:     gen.Prompt,
		Quality:    gen.Quality,
		Width:      gen.Width,
		Height:     gen.Height,
		Seed:       gen.Seed,
		WebhookURL: d.webhookURL,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: submit failed")
		d.handleSubmitFailure(gen)
		return
	}

	if err := d.gens.SetProviderJobID(d.ctx, gen.ID, pred.ID); err != nil {
		d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: record provider job id failed")
		return
	}

	if obs, err := pred.ToObservation(); err == nil {
		if _, err := d.reconciler.Reconcile(d.ctx, gen.ID, obs); err != nil {
			d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: initial reconcile failed")
		}
	}
}

func (d *dispatcher) handleSubmitFailure(gen *domain.Generation) {
	if err := d.queue.MarkFailed(d.ctx, gen.ID); err != nil {
		d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: queue failure update failed")
		return
	}
	err := d.queue.ResetForRetry(d.ctx, gen.ID)
	if err == nil {
		return
	}
	if !errors.Is(err, domain.ErrConflict) {
		d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: queue retry reset failed")
		return
	}
	// Retry budget exhausted; finalize so the client stops waiting.
	obs := domain.Observation{
		Status:        domain.GenerationStatusFailed,
		FailureReason: "provider submission failed",
		FailureCode:   "SUBMIT_FAILED",
	}
	if _, err := d.reconciler.Reconcile(d.ctx, gen.ID, obs); err != nil {
		d.logger.Error().Err(err).Str("generation_id", gen.ID).Msg("worker: finalize after submit failure failed")
	}
}

// sweepUnfinished re-polls generations the provider accepted but never pushed
// a completion for. The reconciler's conditional write makes this safe to run
// concurrently with webhook deliveries.
func (d *dispatcher) sweepUnfinished() {
	gens, err := d.gens.ListUnfinished(d.ctx, sweepBatch)
	if err != nil {
		d.logger.Error().Err(err).Msg("worker: sweep listing failed")
		return
	}
	for i := range gens {
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		_, err := d.reconciler.Poll(ctx, gens[i].ID)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrProviderUnavailable) {
			d.logger.Error().Err(err).Str("generation_id", gens[i].ID).Msg("worker: sweep poll failed")
		}
	}
}
