package printer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/pkg/wire"
)

func plain(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := ErrorWithContext("Test Error", "Explanation", map[string]string{"Key": "Value"}, []string{"First", "Second"})
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestWriteError(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	writeError(&buf, "Broker unreachable", "Could not connect.",
		map[string]string{"URL": "redis://x", "Namespace": "prod"},
		[]string{"Start Redis", "Fix broker.url"})

	assert.Equal(t, "Broker unreachable\n\nCould not connect.\n\n  Namespace: prod\n  URL: redis://x\n\nEither:\n  1. Start Redis\n  2. Fix broker.url\n", buf.String())

	buf.Reset()
	writeError(&buf, "Oops", "", nil, []string{"Retry"})
	assert.Equal(t, "Oops\n\n\nRetry\n", buf.String())
}

func TestEvent(t *testing.T) {
	plain(t)
	tests := []struct {
		msg      wire.Message
		contains string
	}{
		{&wire.MasterUp{RunName: "proto", NodeID: "n1"}, "master up      proto on n1"},
		{&wire.MasterUpdate{GenerationID: "g1", GenerationNumber: 1, Fitness: 0.5}, "generation 1    best fitness 0.5 (g1)"},
		{&wire.MasterResult{RunID: "r1"}, "result         run r1"},
		{&wire.MasterDown{RunName: "proto", NodeID: "n1", Reason: "boom"}, "master down    proto on n1: boom"},
		{&wire.StartEvolution{}, wire.KindStartEvolution},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		Event(&buf, tt.msg)
		assert.True(t, strings.HasPrefix(buf.String(), "[--:--:--] "), buf.String())
		assert.Contains(t, buf.String(), tt.contains)
	}
}

func TestRuns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Runs(&buf, nil))
	assert.Equal(t, "No runs found.\n", buf.String())

	v := 0.25
	buf.Reset()
	require.NoError(t, Runs(&buf, []compute.Run{
		{ID: "r1", ProtoRunName: "proto", Status: compute.RunComplete, Generations: 3, BestMixtureID: "m1", BestFitness: 1.5, ValidationFitness: &v, StartedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: "r2", ProtoRunName: "proto", Status: compute.RunRunning},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"ID", "PROTO", "RUN", "STATUS", "GENERATIONS", "BEST", "FITNESS", "VALIDATION", "STARTED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"r1", "proto", "complete", "3", "1.5", "0.25", "2025-01-02T03:04:05Z"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"r2", "proto", "running", "0", "-", "-", "0001-01-01T00:00:00Z"}, strings.Fields(lines[3]))
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, compute.ProtoRun{Name: "p", Generations: 2}))
	assert.Contains(t, buf.String(), "\n  \"name\": \"p\",\n")

	buf.Reset()
	require.NoError(t, JSONL(&buf, []compute.Run{{ID: "a"}, {ID: "b"}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"a"`)
	assert.Contains(t, lines[1], `"id":"b"`)
}
