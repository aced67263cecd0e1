// Package printer renders command output for the swarm CLI.
package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/pkg/wire"
)

func init() {
	// Users can disable with NO_COLOR
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a message in green with a checkmark prefix.
func Success(format string, a ...any) {
	green.Printf("✓ %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "✓ "))
}

// Info prints a message in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a message in yellow with a warning prefix.
func Warning(format string, a ...any) {
	yellow.Printf("⚠️  %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "⚠️  "))
}

// Step prints a step of a multi-step operation.
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Error prints title, explanation and suggestions to stderr and returns an
// error carrying only the title, for Cobra with SilenceErrors.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	writeError(os.Stderr, title, explanation, context, suggestions)
	return fmt.Errorf("%s", title)
}

func writeError(w io.Writer, title, explanation string, context map[string]string, suggestions []string) {
	red.Fprintf(w, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(w, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(w, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(w, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}
}

// Event writes one line for a results-topic message.
func Event(w io.Writer, msg wire.Message) {
	ts := time.UnixMilli(msg.Meta().SentAtMs).Format("15:04:05")
	if msg.Meta().SentAtMs == 0 {
		ts = "--:--:--"
	}
	faint.Fprintf(w, "[%s] ", ts)

	switch m := msg.(type) {
	case *wire.MasterUp:
		cyan.Fprintf(w, "master up      ")
		fmt.Fprintf(w, "%s on %s\n", m.RunName, m.NodeID)
	case *wire.MasterUpdate:
		fmt.Fprintf(w, "generation %-4d best fitness %.6g (%s)\n", m.GenerationNumber, m.Fitness, m.GenerationID)
	case *wire.MasterResult:
		green.Fprintf(w, "result         ")
		fmt.Fprintf(w, "run %s\n", m.RunID)
	case *wire.MasterDown:
		if m.Reason == "" {
			cyan.Fprintf(w, "master down    ")
			fmt.Fprintf(w, "%s on %s\n", m.RunName, m.NodeID)
			return
		}
		yellow.Fprintf(w, "master down    ")
		fmt.Fprintf(w, "%s on %s: %s\n", m.RunName, m.NodeID, m.Reason)
	default:
		fmt.Fprintf(w, "%s\n", msg.Kind())
	}
}

// Runs writes runs as a fixed-width table.
func Runs(w io.Writer, runs []compute.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs found.")
		return err
	}

	const row = "%-36s %-20s %-9s %-11s %-12s %-10s %s\n"
	fmt.Fprintf(w, row, "ID", "PROTO RUN", "STATUS", "GENERATIONS", "BEST FITNESS", "VALIDATION", "STARTED")
	fmt.Fprintf(w, row, "----", "---------", "------", "-----------", "------------", "----------", "-------")
	for _, r := range runs {
		validation := "-"
		if r.ValidationFitness != nil {
			validation = fmt.Sprintf("%.6g", *r.ValidationFitness)
		}
		best := "-"
		if r.BestMixtureID != "" {
			best = fmt.Sprintf("%.6g", r.BestFitness)
		}
		if _, err := fmt.Fprintf(w, row,
			r.ID, r.ProtoRunName, r.Status, fmt.Sprint(r.Generations), best, validation,
			r.StartedAt.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

// JSON writes v pretty-printed.
func JSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// JSONL writes each item as one line of compact JSON, for piping to jq.
func JSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}
