package compute

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/pkg/wire"
)

// RandomSearch is the reference Evolver. Each generation samples a fresh
// population of uniform random chromosomes, trains them concurrently and
// keeps the best one seen so far. When a validation set is given the best
// chromosome is finally trained on it as well.
type RandomSearch struct {
	// Seed makes runs reproducible; 0 seeds from the clock.
	Seed int64

	// Concurrency bounds simultaneous Train calls; 0 means the whole population.
	Concurrency int

	Log *zap.Logger
}

// Evolve implements Evolver.
func (r *RandomSearch) Evolve(ctx context.Context, db DB, proto ProtoRun, trainer Trainer, training, validation DataSet, onGeneration func(Generation)) (string, error) {
	if err := proto.Validate(); err != nil {
		return "", fmt.Errorf("invalid proto-run %q: %w", proto.Name, err)
	}

	seed := r.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	run := Run{
		ID:           uuid.New().String(),
		ProtoRunName: proto.Name,
		Training:     training,
		Validation:   validation,
		Status:       RunRunning,
		StartedAt:    time.Now().UTC(),
	}
	log := logger.Or(r.Log, "evolver").With(zap.String("run_id", run.ID), zap.String("proto_run", proto.Name))

	if err := db.Put(ctx, KindRun, run.ID, run); err != nil {
		return "", fmt.Errorf("failed to store run: %w", err)
	}

	fail := func(err error) (string, error) {
		run.Status = RunFailed
		run.Error = err.Error()
		run.FinishedAt = time.Now().UTC()
		// Best effort; the caller reports err either way.
		_ = db.Put(context.WithoutCancel(ctx), KindRun, run.ID, run)
		return run.ID, err
	}

	var best wire.Chromosome
	bestFitness := 0.0
	for n := 0; n < proto.Generations; n++ {
		population := make([]wire.Chromosome, proto.PopulationSize)
		for i := range population {
			population[i] = randomChromosome(rng, proto)
		}

		results, err := r.trainAll(ctx, db, trainer, training, population)
		if err != nil {
			return fail(fmt.Errorf("generation %d: %w", n, err))
		}

		gen := Generation{ID: uuid.New().String(), RunID: run.ID, Number: n}
		for i, res := range results {
			if gen.BestMixtureID == "" || res.Fitness > gen.BestFitness {
				gen.BestMixtureID = res.MixtureID
				gen.BestFitness = res.Fitness
			}
			if run.BestMixtureID == "" || res.Fitness > bestFitness {
				bestFitness = res.Fitness
				best = population[i]
				run.BestMixtureID = res.MixtureID
				run.BestFitness = res.Fitness
			}
		}
		run.Generations = n + 1

		if err := db.Put(ctx, KindGeneration, gen.ID, gen); err != nil {
			return fail(fmt.Errorf("failed to store generation %d: %w", n, err))
		}
		if err := db.Put(ctx, KindRun, run.ID, run); err != nil {
			return fail(fmt.Errorf("failed to update run: %w", err))
		}

		log.Info("generation complete", zap.Int("generation", n), zap.Float64("best_fitness", gen.BestFitness))
		if onGeneration != nil {
			onGeneration(gen)
		}
	}

	if !validation.Empty() {
		results, err := r.trainAll(ctx, db, trainer, validation, []wire.Chromosome{best})
		if err != nil {
			return fail(fmt.Errorf("validation: %w", err))
		}
		v := results[0].Fitness
		run.ValidationFitness = &v
	}

	run.Status = RunComplete
	run.FinishedAt = time.Now().UTC()
	if err := db.Put(ctx, KindRun, run.ID, run); err != nil {
		return run.ID, fmt.Errorf("failed to finalise run: %w", err)
	}
	return run.ID, nil
}

// trainAll trains every chromosome under a new mixture ID and reads back the
// results in population order.
func (r *RandomSearch) trainAll(ctx context.Context, db DB, trainer Trainer, set DataSet, population []wire.Chromosome) ([]TrainResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	cancelled := func() bool { return gctx.Err() != nil }

	var mu sync.Mutex
	results := make([]TrainResult, len(population))
	for i, chromosome := range population {
		i, chromosome := i, chromosome
		g.Go(func() error {
			mixtureID := uuid.New().String()
			if err := trainer.Train(gctx, db, mixtureID, set, chromosome, cancelled); err != nil {
				return fmt.Errorf("mixture %s: %w", mixtureID, err)
			}
			var res TrainResult
			if err := db.Get(gctx, KindResult, mixtureID, &res); err != nil {
				return fmt.Errorf("result of mixture %s: %w", mixtureID, err)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func randomChromosome(rng *rand.Rand, proto ProtoRun) wire.Chromosome {
	genes := make([]float64, proto.GeneCount)
	for i := range genes {
		genes[i] = proto.GeneMin + rng.Float64()*(proto.GeneMax-proto.GeneMin)
	}
	return wire.Chromosome{Genes: genes}
}
