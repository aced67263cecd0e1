package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/internal/health"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/node"
	"github.com/dyluth/swarm/internal/printer"
)

var (
	handoffToken string
	nodeID       string
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run this machine's node",
	Long: `Run the node control loop until a shutdown signal or SIGINT/SIGTERM.

The node starts idle and follows the control signals broadcast with
'swarm start', 'stop', 'reload' and 'shutdown'. While running it trains
mixtures with trainer.command on node.workers workers and, unless
node.candidate is false, stands for master election.

With node.reload_mode: exec a reload starts a fresh controller process and
hands over to it; --handoff-token is how that process is told which node it
replaces. It is not meant to be passed by hand.`,
	Args: cobra.NoArgs,
	RunE: runController,
}

func init() {
	controllerCmd.Flags().StringVar(&handoffToken, "handoff-token", "", "Token of the reload handoff this process completes")
	controllerCmd.Flags().StringVar(&nodeID, "node-id", "", "Node ID (default: hostname plus a random suffix)")
	_ = controllerCmd.Flags().MarkHidden("handoff-token")
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Trainer.Command) == 0 {
		return printer.ErrorWithContext(
			"no trainer configured",
			"trainer.command must name the training kernel to run for each mixture.",
			map[string]string{"Config": configPath},
			[]string{"Add it to swarm.yml:\n  trainer:\n    command: [\"./trainers/example.sh\"]"},
		)
	}
	log := logger.L()

	n, err := node.New(node.Options{Config: cfg, NodeID: nodeID, HandoffToken: handoffToken, Log: log})
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Health.Port > 0 {
		hs := health.NewServer(n, log)
		go serveHealth(ctx, hs, cfg.Health.Port, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	if handoffToken != "" {
		actx, cancel := context.WithTimeout(ctx, cfg.Node.HandoffTimeout)
		err := n.AnnounceReady(actx)
		cancel()
		if err != nil {
			// The node being replaced gives up and reloads in process; a
			// second node would only compete with it.
			return err
		}
	}

	log.Info("controller started", zap.String("node_id", n.ID()), zap.String("namespace", cfg.Namespace))
	runner := &node.Runner{
		Node: n,
		Load: func() (*config.Config, error) { return config.LoadOrDefault(configPath) },
		Spawner: &node.ExecSpawner{
			Args: []string{"controller", "--config", configPath, "--node-id", n.ID()},
		},
		Log: log,
	}
	return runner.Run(ctx)
}

// serveHealth binds the health port, retrying while it is still held by a
// node this process is replacing.
func serveHealth(ctx context.Context, hs *health.Server, port int, log *zap.Logger) {
	b := backoff.WithContext(backoff.NewConstantBackOff(500*time.Millisecond), ctx)
	err := backoff.Retry(func() error { return hs.Start(port) }, b)
	if err != nil {
		log.Warn("health server not started", zap.Error(err))
	}
}
