package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/node"
	"github.com/dyluth/swarm/internal/printer"
	"github.com/dyluth/swarm/pkg/wire"
)

// controlCommand builds a command that broadcasts one control signal to
// every node of the namespace.
func controlCommand(use, short, long string, signal func() wire.Message) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd.Context(), signal())
		},
	}
}

func sendControl(ctx context.Context, msg wire.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := cfg.BrokerOptions()
	if err != nil {
		return err
	}

	ch := broadcast.New(opts, wire.ControlTopic(cfg.Namespace), nil, node.BroadcastOptions(cfg, logger.Named("cli"))...)
	defer ch.Close()

	cctx, cancel := connectContext(ctx)
	defer cancel()
	if err := ch.WaitConnected(cctx); err != nil {
		return brokerUnreachable(cfg, err)
	}
	if err := ch.Send(cctx, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Kind(), err)
	}
	printer.Success("%s sent to namespace '%s'\n", msg.Kind(), cfg.Namespace)
	return nil
}

func init() {
	rootCmd.AddCommand(
		controlCommand("start", "Start evolution on every node",
			`Start the worker pools of every node and let candidate nodes stand for
master election. Nodes that are already running ignore the signal.`,
			func() wire.Message { return &wire.StartEvolution{} }),
		controlCommand("stop", "Stop evolution on every node",
			`Drain the worker pools of every node. Tasks that were not finished go
back on the queue. Idle nodes ignore the signal.`,
			func() wire.Message { return &wire.StopEvolution{} }),
		controlCommand("reload", "Reload configuration on every node",
			`Stop evolution and rebuild each node from its configuration file, in
process or by handing over to a fresh process (node.reload_mode).`,
			func() wire.Message { return &wire.Reload{} }),
		controlCommand("shutdown", "Shut every node down",
			`Stop evolution and end every controller process.`,
			func() wire.Message { return &wire.Shutdown{} }),
	)
}
