package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/filter"
	"github.com/dyluth/swarm/internal/printer"
	"github.com/dyluth/swarm/internal/resolver"
	"github.com/dyluth/swarm/internal/store"
	"github.com/dyluth/swarm/internal/timespec"
)

var (
	runsOutputFormat string
	runsSince        string
	runsUntil        string
	runsStatus       string
	runsProto        string
)

var runsCmd = &cobra.Command{
	Use:   "runs [RUN_ID]",
	Short: "Inspect stored runs",
	Long: `Inspect optimisation runs in list or get mode.

List Mode (no RUN_ID):
  Displays runs started in the time range as a table or JSONL stream.

Get Mode (with RUN_ID):
  Displays the run and its generations as pretty-printed JSON.
  Supports short IDs (e.g., "abc123" instead of full UUID).

Content Filters (list mode only):
  --status - Filter by status (exact match: "failed")
  --proto  - Filter by proto run name (glob pattern: "eurusd-*")

Time Filters (list mode only):
  --since  - Show runs started after this time
  --until  - Show runs started before this time
  Both take a duration ("2h" = two hours ago), a date or an RFC3339 time.

Examples:
  # Runs of the last day
  swarm runs --since 24h

  # Failed runs as JSONL for piping to jq
  swarm runs --status failed -o jsonl | jq .error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVarP(&runsOutputFormat, "output", "o", "default", "Output format: default or jsonl (ignored in get mode)")
	runsCmd.Flags().StringVar(&runsSince, "since", "", "Show runs after time (duration, date or RFC3339)")
	runsCmd.Flags().StringVar(&runsUntil, "until", "", "Show runs before time (duration, date or RFC3339)")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status: running, complete or failed")
	runsCmd.Flags().StringVar(&runsProto, "proto", "", "Filter by proto run name (glob pattern)")
	rootCmd.AddCommand(runsCmd)
}

// runDetail is the get-mode view of a run.
type runDetail struct {
	compute.Run
	GenerationRecords []compute.Generation `json:"generation_records"`
}

func runRuns(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		if runsOutputFormat != "default" && runsOutputFormat != "jsonl" {
			return printer.Error(
				"invalid output format",
				fmt.Sprintf("Unknown format: %s", runsOutputFormat),
				[]string{"Valid formats: default, jsonl"},
			)
		}
	}
	r, err := timespec.ParseRange(runsSince, runsUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), []string{
			"Use a duration like '1h30m', a date like '2025-10-29' or RFC3339 like '2025-10-29T13:00:00Z'",
		})
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx, cancel := connectContext(context.Background())
	defer cancel()

	if len(args) == 1 {
		return getRun(ctx, db, args[0])
	}

	ids, err := db.Query(ctx, compute.KindRun, r)
	if err != nil {
		return fmt.Errorf("failed to query runs: %w", err)
	}
	runs, err := store.Load[compute.Run](ctx, db, compute.KindRun, ids)
	if err != nil {
		return fmt.Errorf("failed to load runs: %w", err)
	}
	criteria := filter.Criteria{Status: runsStatus, ProtoGlob: runsProto}
	runs = criteria.Apply(runs)

	if runsOutputFormat == "jsonl" {
		return printer.JSONL(os.Stdout, runs)
	}
	return printer.Runs(os.Stdout, runs)
}

func getRun(ctx context.Context, db *store.Store, shortID string) error {
	id, err := resolver.Resolve(ctx, db, compute.KindRun, shortID)
	if err != nil {
		var amb *resolver.AmbiguousError
		if errors.As(err, &amb) {
			return printer.Error(amb.Error(), amb.Describe(), nil)
		}
		return printer.Error("run not found", err.Error(), []string{"List runs:\n  swarm runs --since 24h"})
	}

	var detail runDetail
	if err := db.Get(ctx, compute.KindRun, id, &detail.Run); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return printer.Error("run not found", fmt.Sprintf("No run with ID '%s'.", id),
				[]string{"List runs:\n  swarm runs --since 24h"})
		}
		return err
	}

	ids, err := db.Query(ctx, compute.KindGeneration, store.Range{Since: detail.StartedAt})
	if err != nil {
		return fmt.Errorf("failed to query generations: %w", err)
	}
	gens, err := store.Load[compute.Generation](ctx, db, compute.KindGeneration, ids)
	if err != nil {
		return fmt.Errorf("failed to load generations: %w", err)
	}
	for _, g := range gens {
		if g.RunID == id {
			detail.GenerationRecords = append(detail.GenerationRecords, g)
		}
	}
	return printer.JSON(os.Stdout, detail)
}
