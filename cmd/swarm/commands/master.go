package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/master"
	"github.com/dyluth/swarm/internal/node"
	"github.com/dyluth/swarm/internal/printer"
	"github.com/dyluth/swarm/internal/store"
)

var masterTimeout time.Duration

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Stand for master election once",
	Long: `Wait up to --timeout for a run request and, if one arrives, act as its
master until the run ends. Exits cleanly when no request arrived.

Training tasks are dispatched to the workers of running nodes; this command
runs none itself.`,
	Args: cobra.NoArgs,
	RunE: runMaster,
}

func init() {
	masterCmd.Flags().DurationVar(&masterTimeout, "timeout", 3*time.Second, "How long to wait for a run request")
	rootCmd.AddCommand(masterCmd)
}

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	brokerOpts, err := cfg.BrokerOptions()
	if err != nil {
		return err
	}
	storeOpts, err := cfg.StoreOptions()
	if err != nil {
		return err
	}
	log := logger.Named("cli")
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-master-%s", host, uuid.New().String()[:8])

	exec := &node.Exec{
		DB:      store.New(storeOpts, cfg.Namespace, store.WithLogger(logger.Named("store"))),
		Evolver: &compute.RandomSearch{Log: logger.Named("evolver")},
	}
	defer exec.Close()
	role := node.NewMasterRole(brokerOpts, cfg, id, exec, logger.L())
	defer role.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cctx, cancel := connectContext(ctx)
	err = role.Requests.Connection().WaitConnected(cctx)
	cancel()
	if err != nil {
		return brokerUnreachable(cfg, err)
	}

	req, err := master.Elect(ctx, role.Requests, masterTimeout)
	if errors.Is(err, master.ErrNotElected) {
		printer.Info("No run request within %v; not elected\n", masterTimeout)
		return nil
	}
	if err != nil {
		return fmt.Errorf("election failed: %w", err)
	}

	printer.Step("Elected master of '%s' on %s\n", req.ProtoRunName, req.Symbol)
	if err := role.Master.Run(ctx, role.Requests, req); err != nil {
		log.Debug("run ended with error", zap.Error(err))
		return printer.Error("run failed", err.Error(), nil)
	}
	printer.Success("Run of '%s' complete\n", req.ProtoRunName)
	return nil
}
