package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/internal/logger"
)

// Runner drives a Node and turns its outcomes into process behaviour:
// Shutdown ends Run, Reload rebuilds the node in place or hands over to a
// replacement process.
type Runner struct {
	Node *Node

	// Load rereads the configuration on Reload.
	Load func() (*config.Config, error)

	// Spawner starts the replacement in exec reload mode. Without one every
	// reload is in-process.
	Spawner Spawner

	Log *zap.Logger
}

// Run returns nil when the node shut down or handed over to a replacement.
// The caller closes the node.
func (r *Runner) Run(ctx context.Context) error {
	log := logger.Or(r.Log, "runner")
	for {
		outcome, err := r.Node.Run(ctx)
		if err != nil {
			return err
		}
		log.Info("node loop ended", zap.Stringer("outcome", outcome))

		switch outcome {
		case Shutdown:
			return nil
		case Reload:
			if r.reload(ctx, log) {
				return nil
			}
		}
	}
}

// reload reports whether a replacement process took over.
func (r *Runner) reload(ctx context.Context, log *zap.Logger) bool {
	cfg := r.Node.Config()
	if r.Load != nil {
		fresh, err := r.Load()
		if err != nil {
			log.Error("failed to reload configuration, keeping the current one", zap.Error(err))
		} else {
			cfg = fresh
		}
	}

	if cfg.Node.ReloadMode == config.ReloadExec && r.Spawner != nil {
		err := r.Node.Handoff(ctx, r.Spawner, cfg.Node.HandoffTimeout)
		if err == nil {
			log.Info("replacement took over, exiting")
			return true
		}
		log.Warn("handoff failed, reloading in process", zap.Error(err))
	}

	if err := r.Node.Rebuild(cfg); err != nil {
		log.Error("reload failed, keeping the previous execution context", zap.Error(err))
	}
	return false
}
