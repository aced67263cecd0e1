package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/printer"
	"github.com/dyluth/swarm/internal/store"
)

var protorunCmd = &cobra.Command{
	Use:   "protorun",
	Short: "Manage proto runs",
	Long: `A proto run is the template of an optimisation: how many generations,
the population size and the shape of each chromosome. Run requests name the
proto run they use.`,
}

var protorunPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Store a proto run",
	Long: `Store a proto run definition (YAML or JSON) under its name, replacing any
previous definition with that name.

  name: example
  generations: 10
  population_size: 20
  gene_count: 8
  gene_min: -1
  gene_max: 1`,
	Args: cobra.ExactArgs(1),
	RunE: runProtorunPut,
}

var protorunGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show a stored proto run",
	Args:  cobra.ExactArgs(1),
	RunE:  runProtorunGet,
}

func init() {
	protorunCmd.AddCommand(protorunPutCmd, protorunGetCmd)
	rootCmd.AddCommand(protorunCmd)
}

func readProtoRun(path string) (*compute.ProtoRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proto run: %w", err)
	}
	var proto compute.ProtoRun
	if err := yaml.Unmarshal(data, &proto); err != nil {
		return nil, fmt.Errorf("failed to parse proto run: %w", err)
	}
	if err := proto.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proto run: %w", err)
	}
	return &proto, nil
}

// openStore connects to the store named by the config.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.StoreOptions()
	if err != nil {
		return nil, err
	}
	return store.New(opts, cfg.Namespace, store.WithLogger(logger.Named("store"))), nil
}

func runProtorunPut(cmd *cobra.Command, args []string) error {
	proto, err := readProtoRun(args[0])
	if err != nil {
		return printer.ErrorWithContext("invalid proto run", err.Error(), map[string]string{"File": args[0]}, nil)
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := connectContext(context.Background())
	defer cancel()
	if err := db.Put(ctx, compute.KindProtoRun, proto.Name, proto); err != nil {
		return fmt.Errorf("failed to store proto run: %w", err)
	}
	printer.Success("Proto run '%s' stored\n", proto.Name)
	return nil
}

func runProtorunGet(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := connectContext(context.Background())
	defer cancel()
	var proto compute.ProtoRun
	if err := db.Get(ctx, compute.KindProtoRun, args[0], &proto); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return printer.Error("proto run not found", fmt.Sprintf("No proto run named '%s'.", args[0]),
				[]string{"Store one first:\n  swarm protorun put <file>"})
		}
		return err
	}
	return printer.JSON(os.Stdout, proto)
}
