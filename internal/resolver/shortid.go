// Package resolver expands the short record IDs users type on the command
// line to full IDs.
package resolver

import (
	"context"
	"fmt"
	"strings"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
// Set to 6 characters to balance usability with collision avoidance.
const MinShortIDLength = 6

// Scanner lists record IDs by prefix. *store.Store implements it.
type Scanner interface {
	Prefix(ctx context.Context, kind, prefix string) ([]string, error)
}

// Resolve resolves a short ID prefix of a record of kind to its full ID.
// A full UUID is returned as-is; the caller's lookup reports whether it
// exists. Otherwise the prefix must match exactly one record.
func Resolve(ctx context.Context, s Scanner, kind, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}
	if strings.ContainsAny(shortID, `*?[]\`) {
		return "", fmt.Errorf("short ID %q contains pattern characters", shortID)
	}

	matches, err := s.Prefix(ctx, kind, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for %s: %w", kind, err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{Kind: kind, ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Kind: kind, ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no record matched the short ID.
type NotFoundError struct {
	Kind    string
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found matching '%s'", e.Kind, e.ShortID)
}

// AmbiguousError indicates multiple records matched the short ID.
type AmbiguousError struct {
	Kind    string
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d %s records", e.ShortID, len(e.Matches), e.Kind)
}

// Describe lists the matching IDs (up to 10, then "...and N more") for
// display.
func (e *AmbiguousError) Describe() string {
	var b strings.Builder
	shown := min(len(e.Matches), 10)
	for _, id := range e.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(e.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(e.Matches)-shown)
	}
	b.WriteString("\nUse a longer prefix to uniquely identify the record.")
	return b.String()
}
