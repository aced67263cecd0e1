package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/node"
	"github.com/dyluth/swarm/internal/printer"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/internal/watch"
	"github.com/dyluth/swarm/pkg/wire"
)

var (
	runWatch   bool
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <request-file>",
	Short: "Submit an optimisation run",
	Long: `Submit a run request (YAML or JSON) on the run-request queue. Exactly one
candidate node becomes the master of the run.

Request file:
  proto_run_name: example
  symbol: EURUSD
  start_date: 2021-01-01T00:00:00Z
  end_date: 2021-07-01T00:00:00Z
  validation_pct: 20
  signal_type: close

With --watch the command follows the run's progress until the master steps
down, and exits non-zero if the run failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Follow the run until it finishes")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Give up watching after this long (0 = no limit)")
	rootCmd.AddCommand(runCmd)
}

// readRequest decodes a run request file. JSON is accepted as YAML.
func readRequest(path string) (*wire.MasterRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	var req wire.MasterRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req, err := readRequest(args[0])
	if err != nil {
		return printer.ErrorWithContext("invalid run request", err.Error(), map[string]string{"File": args[0]}, nil)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := cfg.BrokerOptions()
	if err != nil {
		return err
	}
	log := logger.Named("cli")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe before submitting so the first announcements are not missed.
	var results *broadcast.Channel
	if runWatch {
		results = broadcast.New(opts, wire.ResultsTopic(cfg.Namespace), nil, node.BroadcastOptions(cfg, log)...)
		defer results.Close()
		cctx, cancel := connectContext(ctx)
		err := results.WaitConnected(cctx)
		cancel()
		if err != nil {
			return brokerUnreachable(cfg, err)
		}
	}

	p := queue.NewProducer(opts, cfg.Namespace, wire.RunRequestQueue, queue.Durable, node.QueueOptions(cfg, log)...)
	defer p.Close()
	cctx, cancel := connectContext(ctx)
	defer cancel()
	if err := p.Connection().WaitConnected(cctx); err != nil {
		return brokerUnreachable(cfg, err)
	}
	if err := p.Send(cctx, req); err != nil {
		return fmt.Errorf("failed to submit run: %w", err)
	}
	printer.Success("Run of '%s' on %s submitted\n", req.ProtoRunName, req.Symbol)

	if !runWatch {
		return nil
	}

	wctx := ctx
	if runTimeout > 0 {
		var wcancel context.CancelFunc
		wctx, wcancel = context.WithTimeout(ctx, runTimeout)
		defer wcancel()
	}
	printer.Step("Waiting for a master...\n")
	runID, err := watch.Follow(wctx, results, req.ProtoRunName, func(m wire.Message) {
		printer.Event(os.Stdout, m)
	})
	if err != nil {
		return printer.ErrorWithContext("run did not complete", err.Error(), map[string]string{"Run": runID}, []string{
			"Inspect stored runs:\n  swarm runs --since 1h",
		})
	}
	printer.Success("Run %s complete\n", runID)
	return nil
}
