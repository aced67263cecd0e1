package node

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/internal/store"
)

// Exec is the part of a node that an in-process reload throws away and
// builds again from the reloaded configuration.
type Exec struct {
	DB      *store.Store
	Trainer compute.Trainer
	Evolver compute.Evolver
}

// Close releases the store connection.
func (e *Exec) Close() {
	if e != nil && e.DB != nil {
		_ = e.DB.Close()
	}
}

// BuildFunc creates the execution context for a configuration.
type BuildFunc func(cfg *config.Config, nodeID string, log *zap.Logger) (*Exec, error)

// DefaultBuild wires the Redis store, the external trainer command and the
// reference evolver.
func DefaultBuild(cfg *config.Config, nodeID string, log *zap.Logger) (*Exec, error) {
	if len(cfg.Trainer.Command) == 0 {
		return nil, fmt.Errorf("trainer.command is required")
	}
	opts, err := cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	return &Exec{
		DB: store.New(opts, cfg.Namespace, store.WithLogger(log.Named("store"))),
		Trainer: &compute.ExecTrainer{
			Command: cfg.Trainer.Command,
			Timeout: cfg.Trainer.Timeout,
			Workdir: cfg.Trainer.Workdir,
			Worker:  nodeID,
			Log:     log.Named("trainer"),
		},
		Evolver: &compute.RandomSearch{Log: log.Named("evolver")},
	}, nil
}

// ConnectionOptions carries the broker section of the config.
func ConnectionOptions(cfg *config.Config) []broker.Option {
	return []broker.Option{
		broker.WithHeartbeat(cfg.Broker.Heartbeat),
		broker.WithRetryInterval(cfg.Broker.RetryInterval),
	}
}

func BroadcastOptions(cfg *config.Config, log *zap.Logger) []broadcast.Option {
	return []broadcast.Option{
		broadcast.WithLogger(log),
		broadcast.WithConnectionOptions(ConnectionOptions(cfg)...),
	}
}

// QueueOptions carries the queue section of the config; the persistence
// flag only matters to producers.
func QueueOptions(cfg *config.Config, log *zap.Logger) []queue.Option {
	persistence := queue.Durable
	if !cfg.DurableTasks() {
		persistence = queue.Transient
	}
	return []queue.Option{
		queue.WithLogger(log),
		queue.WithConnectionOptions(ConnectionOptions(cfg)...),
		queue.WithPersistence(persistence),
		queue.WithMaxBacklog(cfg.Queues.MaxBacklog),
		queue.WithPrefetch(cfg.Queues.Prefetch),
		queue.WithReclaim(cfg.Queues.ReclaimIdle, cfg.Queues.ReclaimInterval),
		queue.WithTransientTTL(cfg.Queues.TransientTTL),
	}
}
