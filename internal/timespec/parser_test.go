package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		spec     string
		expected time.Time
	}{
		{"1h", now.Add(-time.Hour)},
		{"1h30m", now.Add(-90 * time.Minute)},
		{"2025-10-01T08:30:00Z", time.Date(2025, 10, 1, 8, 30, 0, 0, time.UTC)},
		{"2025-10-01T08:30", time.Date(2025, 10, 1, 8, 30, 0, 0, time.UTC)},
		{"2025-10-01", time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "got %v", got)
		})
	}

	for _, bad := range []string{"", "yesterday", "-1h", "2025-13-01"} {
		_, err := Parse(bad, now)
		assert.Error(t, err, bad)
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("", "", now)
	require.NoError(t, err)
	assert.True(t, r.Since.IsZero())
	assert.True(t, r.Until.IsZero())

	r, err = ParseRange("2h", "1h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), r.Since)
	assert.Equal(t, now.Add(-time.Hour), r.Until)

	_, err = ParseRange("1h", "2h", now)
	assert.ErrorContains(t, err, "--since must be before --until")

	_, err = ParseRange("soon", "", now)
	assert.ErrorContains(t, err, "invalid --since")

	_, err = ParseRange("", "later", now)
	assert.ErrorContains(t, err, "invalid --until")
}
