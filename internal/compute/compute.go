// Package compute is the boundary to the optimisation code that runs on top
// of the messaging layer: the trainer that scores one chromosome on one data
// set and the evolver that drives generations of chromosomes.
//
// The real genetic algorithm and the native training kernel live outside this
// repository. ExecTrainer reaches the kernel as a subprocess and RandomSearch
// is a small reference evolver used by default and in tests.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/swarm/internal/store"
	"github.com/dyluth/swarm/pkg/wire"
)

// Record kinds used with DB.
const (
	KindProtoRun   = "protorun"
	KindMixture    = "mixture"
	KindResult     = "result"
	KindGeneration = "generation"
	KindRun        = "run"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// DB is the persistence the optimisation code needs. *store.Store implements it.
type DB interface {
	Get(ctx context.Context, kind, id string, out any) error
	Put(ctx context.Context, kind, id string, v any) error
	Query(ctx context.Context, kind string, r store.Range) ([]string, error)
}

// Trainer scores one chromosome on one data set and stores a TrainResult
// under mixtureID. cancelled is polled; once it reports true the trainer
// should give up.
type Trainer interface {
	Train(ctx context.Context, db DB, mixtureID string, training DataSet, chromosome wire.Chromosome, cancelled func() bool) error
}

// TrainerFunc adapts a function to Trainer.
type TrainerFunc func(ctx context.Context, db DB, mixtureID string, training DataSet, chromosome wire.Chromosome, cancelled func() bool) error

func (f TrainerFunc) Train(ctx context.Context, db DB, mixtureID string, training DataSet, chromosome wire.Chromosome, cancelled func() bool) error {
	return f(ctx, db, mixtureID, training, chromosome, cancelled)
}

// Evolver runs a whole optimisation and returns the ID of the stored Run.
// onGeneration is called after each completed generation.
type Evolver interface {
	Evolve(ctx context.Context, db DB, proto ProtoRun, trainer Trainer, training, validation DataSet, onGeneration func(Generation)) (string, error)
}

// ProtoRun is the stored template of a run.
type ProtoRun struct {
	Name           string  `json:"name" yaml:"name"`
	Generations    int     `json:"generations" yaml:"generations"`
	PopulationSize int     `json:"population_size" yaml:"population_size"`
	GeneCount      int     `json:"gene_count" yaml:"gene_count"`
	GeneMin        float64 `json:"gene_min" yaml:"gene_min"`
	GeneMax        float64 `json:"gene_max" yaml:"gene_max"`
}

// Validate checks the template can drive a run.
func (p *ProtoRun) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Generations < 1 {
		return fmt.Errorf("generations must be >= 1, got %d", p.Generations)
	}
	if p.PopulationSize < 1 {
		return fmt.Errorf("population_size must be >= 1, got %d", p.PopulationSize)
	}
	if p.GeneCount < 1 {
		return fmt.Errorf("gene_count must be >= 1, got %d", p.GeneCount)
	}
	if p.GeneMin == 0 && p.GeneMax == 0 {
		p.GeneMin, p.GeneMax = -1, 1
	}
	if p.GeneMin >= p.GeneMax {
		return fmt.Errorf("gene_min must be below gene_max")
	}
	return nil
}

// Mixture is one candidate chromosome bound to the data it is trained on.
type Mixture struct {
	ID          string          `json:"id"`
	Chromosome  wire.Chromosome `json:"chromosome"`
	Training    DataSet         `json:"training"`
	CreatedAtMs int64           `json:"created_at_ms"`
}

// TrainResult is written by a trainer under the mixture ID.
type TrainResult struct {
	MixtureID  string          `json:"mixture_id"`
	Fitness    float64         `json:"fitness"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Generation records the outcome of one generation.
type Generation struct {
	ID            string  `json:"id"`
	RunID         string  `json:"run_id"`
	Number        int     `json:"number"`
	BestMixtureID string  `json:"best_mixture_id"`
	BestFitness   float64 `json:"best_fitness"`
}

// Run records one optimisation.
type Run struct {
	ID                string    `json:"id"`
	ProtoRunName      string    `json:"proto_run_name"`
	Training          DataSet   `json:"training"`
	Validation        DataSet   `json:"validation"`
	Status            string    `json:"status"`
	Generations       int       `json:"generations"`
	BestMixtureID     string    `json:"best_mixture_id,omitempty"`
	BestFitness       float64   `json:"best_fitness"`
	ValidationFitness *float64  `json:"validation_fitness,omitempty"`
	Error             string    `json:"error,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}
