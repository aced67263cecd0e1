package commands

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/store"
	"github.com/dyluth/swarm/pkg/wire"
)

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	testRoot := &cobra.Command{
		Use:   "swarm",
		Short: "Test root command",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	buf := new(bytes.Buffer)
	testRoot.SetOut(buf)
	testRoot.SetErr(buf)

	assert.NoError(t, testRoot.Execute())
	assert.Contains(t, buf.String(), "Usage:")
	assert.Contains(t, buf.String(), "swarm")
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"start", "stop", "reload", "shutdown", "controller", "run", "master", "protorun", "runs", "init"} {
		assert.Contains(t, names, want)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const requestYAML = `proto_run_name: example
symbol: EURUSD
start_date: 2021-01-01T00:00:00Z
end_date: 2021-07-01T00:00:00Z
validation_pct: 20
signal_type: close
`

func TestReadRequest(t *testing.T) {
	dir := t.TempDir()

	req, err := readRequest(writeFile(t, dir, "req.yml", requestYAML))
	require.NoError(t, err)
	assert.Equal(t, "example", req.ProtoRunName)
	assert.Equal(t, time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC), req.EndDate.UTC())

	req, err = readRequest(writeFile(t, dir, "req.json",
		`{"proto_run_name":"p","symbol":"EURUSD","start_date":"2021-01-01T00:00:00Z","end_date":"2021-02-01T00:00:00Z","validation_pct":0,"signal_type":"close"}`))
	require.NoError(t, err)
	assert.Equal(t, "p", req.ProtoRunName)

	_, err = readRequest(writeFile(t, dir, "bad.yml", "symbol: EURUSD\n"))
	assert.ErrorContains(t, err, "proto_run_name is required")

	_, err = readRequest(filepath.Join(dir, "missing.yml"))
	assert.ErrorContains(t, err, "failed to read request")
}

func TestReadProtoRun(t *testing.T) {
	dir := t.TempDir()

	proto, err := readProtoRun(writeFile(t, dir, "p.yml", "name: p\ngenerations: 2\npopulation_size: 3\ngene_count: 4\n"))
	require.NoError(t, err)
	assert.Equal(t, compute.ProtoRun{Name: "p", Generations: 2, PopulationSize: 3, GeneCount: 4, GeneMin: -1, GeneMax: 1}, *proto)

	_, err = readProtoRun(writeFile(t, dir, "bad.yml", "name: p\n"))
	assert.ErrorContains(t, err, "generations must be >= 1")
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return Execute()
}

func TestCommands_AgainstBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "swarm.yml", fmt.Sprintf(`namespace: cli
broker:
  url: redis://%s
  heartbeat: 50ms
  retry_interval: 50ms
logging:
  level: error
`, mr.Addr()))
	opts := &redis.Options{Addr: mr.Addr()}
	ctx := context.Background()

	t.Run("protorun put stores the definition", func(t *testing.T) {
		file := writeFile(t, dir, "proto.yml", "name: example\ngenerations: 2\npopulation_size: 3\ngene_count: 4\n")
		require.NoError(t, execute(t, "--config", cfgPath, "protorun", "put", file))

		db := store.New(opts, "cli", store.WithLogger(zap.NewNop()))
		defer db.Close()
		var proto compute.ProtoRun
		require.NoError(t, db.Get(ctx, compute.KindProtoRun, "example", &proto))
		assert.Equal(t, 3, proto.PopulationSize)

		require.NoError(t, execute(t, "--config", cfgPath, "protorun", "get", "example"))
		assert.Error(t, execute(t, "--config", cfgPath, "protorun", "get", "nope"))
	})

	t.Run("start broadcasts the control signal", func(t *testing.T) {
		listener := broadcast.New(opts, wire.ControlTopic("cli"), nil, broadcast.WithLogger(zap.NewNop()))
		defer listener.Close()
		got := make(chan struct{}, 1)
		broadcast.Hook(listener, func(*wire.StartEvolution) { got <- struct{}{} })
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, listener.WaitConnected(wctx))

		require.NoError(t, execute(t, "--config", cfgPath, "start"))
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("StartEvolution not received")
		}
	})

	t.Run("master without requests is not elected", func(t *testing.T) {
		require.NoError(t, execute(t, "--config", cfgPath, "master", "--timeout", "200ms"))
	})

	t.Run("run submits on the run-request queue", func(t *testing.T) {
		file := writeFile(t, dir, "req.yml", requestYAML)
		require.NoError(t, execute(t, "--config", cfgPath, "run", file))

		n, err := redis.NewClient(opts).XLen(ctx, wire.QueueKey("cli", wire.RunRequestQueue)).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("runs lists and gets", func(t *testing.T) {
		db := store.New(opts, "cli", store.WithLogger(zap.NewNop()))
		defer db.Close()
		require.NoError(t, db.Put(ctx, compute.KindRun, "run-000001", compute.Run{ID: "run-000001", Status: compute.RunComplete, StartedAt: time.Now().Add(-time.Minute)}))
		require.NoError(t, db.Put(ctx, compute.KindGeneration, "gen-1", compute.Generation{ID: "gen-1", RunID: "run-000001"}))

		require.NoError(t, execute(t, "--config", cfgPath, "runs", "--since", "1h"))
		require.NoError(t, execute(t, "--config", cfgPath, "runs", "-o", "jsonl", "--status", "complete"))
		require.NoError(t, execute(t, "--config", cfgPath, "runs", "run-000001"))
		require.NoError(t, execute(t, "--config", cfgPath, "runs", "run-00"))
		assert.Error(t, execute(t, "--config", cfgPath, "runs", "missing"))
		assert.Error(t, execute(t, "--config", cfgPath, "runs", "--since", "1h", "--until", "2h"))
		assert.Error(t, execute(t, "--config", cfgPath, "runs", "-o", "xml"))
	})
}
