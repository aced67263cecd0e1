// Package timespec parses the --since/--until flags of the runs command.
package timespec

import (
	"fmt"
	"time"

	"github.com/dyluth/swarm/internal/store"
)

var layouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"}

// Parse parses a time specification relative to now.
// Supports:
//   - Go duration format: "1h", "30m", "1h30m" (that long ago)
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//   - dates and minutes, read as UTC: "2025-10-29", "2025-10-29T13:00"
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, spec); err == nil {
			return t, nil
		}
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration %s", spec)
		}
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m', a date like '2025-10-29' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses both --since and --until flags into a store range.
// An empty flag leaves that end open.
func ParseRange(since, until string, now time.Time) (store.Range, error) {
	var r store.Range
	var err error

	if since != "" {
		if r.Since, err = Parse(since, now); err != nil {
			return store.Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = Parse(until, now); err != nil {
			return store.Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return store.Range{}, fmt.Errorf("--since must be before --until")
	}
	return r, nil
}
