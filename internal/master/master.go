package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/pkg/wire"
)

const settleTimeout = 5 * time.Second

// Config wires a Master to its collaborators. The channels and producer are
// owned by the caller.
type Config struct {
	NodeID  string
	DB      compute.DB
	Evolver compute.Evolver

	// Results carries MasterUp, MasterUpdate, MasterResult and MasterDown.
	Results *broadcast.Channel

	// Tasks and Notifications are handed to the DistributedTrainer.
	Tasks         *queue.Producer
	Notifications *broadcast.Channel
	ResultPoll    time.Duration

	Log *zap.Logger
}

// Master drives runs it was elected for.
type Master struct {
	cfg Config
	log *zap.Logger
}

// New returns a Master.
func New(cfg Config) *Master {
	return &Master{cfg: cfg, log: logger.Or(cfg.Log, "master").With(zap.String("node_id", cfg.NodeID))}
}

// Run executes one run request end to end and settles the delivery.
//
// A run that completes or fails is acknowledged: a request whose run fails is
// not retried. A run interrupted by ctx is put back on the queue for the next
// candidate.
func (m *Master) Run(ctx context.Context, requests *queue.Consumer, req *wire.MasterRequest) error {
	log := m.log.With(zap.String("proto_run", req.ProtoRunName), zap.String("delivery_tag", req.DeliveryTag()))
	log.Info("elected master", zap.String("symbol", req.Symbol))
	m.announce(ctx, &wire.MasterUp{RunName: req.ProtoRunName, NodeID: m.cfg.NodeID})

	runID, err := m.evolve(ctx, req, log)

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil && ctx.Err() != nil {
		log.Warn("run interrupted, returning request to the queue", zap.Error(err))
		m.announce(settleCtx, &wire.MasterDown{RunName: req.ProtoRunName, NodeID: m.cfg.NodeID, Reason: "interrupted"})
		if nerr := requests.Nack(settleCtx, req, true); nerr != nil {
			log.Warn("failed to requeue run request", zap.Error(nerr))
		}
		return err
	}

	down := &wire.MasterDown{RunName: req.ProtoRunName, NodeID: m.cfg.NodeID}
	if err != nil {
		log.Error("run failed", zap.Error(err))
		down.Reason = err.Error()
	} else {
		log.Info("run complete", zap.String("run_id", runID))
		m.announce(settleCtx, &wire.MasterResult{RunID: runID, NodeID: m.cfg.NodeID})
	}
	m.announce(settleCtx, down)

	if aerr := requests.Ack(settleCtx, req); aerr != nil {
		log.Warn("failed to ack run request", zap.Error(aerr))
	}
	return err
}

func (m *Master) evolve(ctx context.Context, req *wire.MasterRequest, log *zap.Logger) (string, error) {
	var proto compute.ProtoRun
	if err := m.cfg.DB.Get(ctx, compute.KindProtoRun, req.ProtoRunName, &proto); err != nil {
		return "", fmt.Errorf("failed to load proto-run %q: %w", req.ProtoRunName, err)
	}

	training, validation := compute.Split(req)
	log.Info("starting evolution", zap.Stringer("training", training), zap.Stringer("validation", validation))

	trainer := NewDistributedTrainer(m.cfg.Tasks, m.cfg.Notifications, m.cfg.ResultPoll, log)
	defer trainer.Close()

	return m.cfg.Evolver.Evolve(ctx, m.cfg.DB, proto, trainer, training, validation, func(g compute.Generation) {
		m.announce(ctx, &wire.MasterUpdate{
			NodeID:           m.cfg.NodeID,
			GenerationID:     g.ID,
			GenerationNumber: g.Number,
			Fitness:          g.BestFitness,
		})
	})
}

// announce publishes on the results topic. Progress messages are
// informational, so a failed publish is only logged by the channel.
func (m *Master) announce(ctx context.Context, msg wire.Message) {
	if err := m.cfg.Results.Send(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Debug("announcement not delivered", zap.String("kind", msg.Kind()), zap.Error(err))
	}
}
