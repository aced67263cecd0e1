package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/store"
	"github.com/dyluth/swarm/pkg/wire"
)

// memDB is an in-memory DB for tests.
type memDB struct {
	mu   sync.Mutex
	data map[string][]byte
	ids  map[string][]string
}

func newMemDB() *memDB {
	return &memDB{data: make(map[string][]byte), ids: make(map[string][]string)}
}

func (m *memDB) Put(ctx context.Context, kind, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := kind + "/" + id
	if _, ok := m.data[key]; !ok {
		m.ids[kind] = append(m.ids[kind], id)
	}
	m.data[key] = b
	return nil
}

func (m *memDB) Get(ctx context.Context, kind, id string, out any) error {
	m.mu.Lock()
	b, ok := m.data[kind+"/"+id]
	m.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return json.Unmarshal(b, out)
}

func (m *memDB) Query(ctx context.Context, kind string, r store.Range) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids[kind]...), nil
}

func TestSplit(t *testing.T) {
	req := &wire.MasterRequest{
		Symbol:        "EURUSD",
		StartDate:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:       time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC),
		ValidationPct: 20,
		SignalType:    "close",
	}

	training, validation := Split(req)
	assert.Equal(t, req.StartDate, training.Start)
	assert.Equal(t, time.Date(2020, 1, 9, 0, 0, 0, 0, time.UTC), training.End)
	assert.Equal(t, training.End, validation.Start)
	assert.Equal(t, req.EndDate, validation.End)
	assert.Equal(t, "EURUSD", validation.Symbol)
	assert.Equal(t, "close", training.SignalType)
	assert.False(t, validation.Empty())

	req.ValidationPct = 0
	training, validation = Split(req)
	assert.Equal(t, req.EndDate, training.End)
	assert.True(t, validation.Empty())
}

func TestProtoRun_Validate(t *testing.T) {
	p := ProtoRun{Name: "p", Generations: 2, PopulationSize: 3, GeneCount: 4}
	require.NoError(t, p.Validate())
	assert.Equal(t, -1.0, p.GeneMin)
	assert.Equal(t, 1.0, p.GeneMax)

	assert.Error(t, (&ProtoRun{Generations: 1, PopulationSize: 1, GeneCount: 1}).Validate())
	assert.Error(t, (&ProtoRun{Name: "p", PopulationSize: 1, GeneCount: 1}).Validate())
	assert.Error(t, (&ProtoRun{Name: "p", Generations: 1, GeneCount: 1}).Validate())
	assert.Error(t, (&ProtoRun{Name: "p", Generations: 1, PopulationSize: 1}).Validate())
	assert.Error(t, (&ProtoRun{Name: "p", Generations: 1, PopulationSize: 1, GeneCount: 1, GeneMin: 2, GeneMax: 1}).Validate())
}

// sumTrainer scores a chromosome by the sum of its genes.
func sumTrainer(calls *int32, mu *sync.Mutex) Trainer {
	return TrainerFunc(func(ctx context.Context, db DB, mixtureID string, training DataSet, chromosome wire.Chromosome, cancelled func() bool) error {
		if mu != nil {
			mu.Lock()
			*calls++
			mu.Unlock()
		}
		sum := 0.0
		for _, g := range chromosome.Genes {
			sum += g
		}
		return db.Put(ctx, KindResult, mixtureID, TrainResult{MixtureID: mixtureID, Fitness: sum})
	})
}

func TestRandomSearch_Evolve(t *testing.T) {
	db := newMemDB()
	var calls int32
	var mu sync.Mutex

	training := DataSet{Symbol: "X", Start: time.Unix(0, 0), End: time.Unix(1000, 0)}
	validation := DataSet{Symbol: "X", Start: time.Unix(1000, 0), End: time.Unix(2000, 0)}
	proto := ProtoRun{Name: "p", Generations: 3, PopulationSize: 4, GeneCount: 2}

	var gens []Generation
	rs := &RandomSearch{Seed: 42, Concurrency: 2, Log: zap.NewNop()}
	runID, err := rs.Evolve(context.Background(), db, proto, sumTrainer(&calls, &mu), training, validation,
		func(g Generation) { gens = append(gens, g) })
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	assert.Equal(t, int32(3*4+1), calls, "every member plus one validation")
	require.Len(t, gens, 3)
	for i, g := range gens {
		assert.Equal(t, i, g.Number)
		assert.Equal(t, runID, g.RunID)
	}

	var run Run
	require.NoError(t, db.Get(context.Background(), KindRun, runID, &run))
	assert.Equal(t, RunComplete, run.Status)
	assert.Equal(t, 3, run.Generations)
	require.NotNil(t, run.ValidationFitness)

	bestSoFar := gens[0].BestFitness
	for _, g := range gens {
		if g.BestFitness > bestSoFar {
			bestSoFar = g.BestFitness
		}
	}
	assert.Equal(t, bestSoFar, run.BestFitness)
}

func TestRandomSearch_TrainerFailureFailsRun(t *testing.T) {
	db := newMemDB()
	boom := errors.New("kernel crashed")
	trainer := TrainerFunc(func(ctx context.Context, db DB, mixtureID string, training DataSet, chromosome wire.Chromosome, cancelled func() bool) error {
		return boom
	})

	rs := &RandomSearch{Seed: 1, Log: zap.NewNop()}
	runID, err := rs.Evolve(context.Background(), db, ProtoRun{Name: "p", Generations: 2, PopulationSize: 2, GeneCount: 1},
		trainer, DataSet{}, DataSet{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var run Run
	require.NoError(t, db.Get(context.Background(), KindRun, runID, &run))
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "kernel crashed")
}

func TestRandomSearch_InvalidProtoRun(t *testing.T) {
	rs := &RandomSearch{Log: zap.NewNop()}
	_, err := rs.Evolve(context.Background(), newMemDB(), ProtoRun{Name: "p"}, sumTrainer(nil, nil), DataSet{}, DataSet{}, nil)
	assert.Error(t, err)
}

func TestExecTrainer_Success(t *testing.T) {
	db := newMemDB()
	tr := &ExecTrainer{
		Command: []string{"sh", "-c", `cat > /dev/null; echo '{"fitness": 1.25, "detail": {"epochs": 3}}'`},
		Timeout: 10 * time.Second,
		Worker:  "w1",
		Log:     zap.NewNop(),
	}

	err := tr.Train(context.Background(), db, "mix-1", DataSet{Symbol: "X"}, wire.Chromosome{Genes: []float64{1}}, nil)
	require.NoError(t, err)

	var res TrainResult
	require.NoError(t, db.Get(context.Background(), KindResult, "mix-1", &res))
	assert.Equal(t, 1.25, res.Fitness)
	assert.Equal(t, "w1", res.Worker)
	assert.JSONEq(t, `{"epochs": 3}`, string(res.Detail))
}

func TestExecTrainer_ReceivesInput(t *testing.T) {
	db := newMemDB()
	// echo back the number of genes as fitness
	tr := &ExecTrainer{
		Command: []string{"sh", "-c", `n=$(cat | grep -o '"genes":\[[^]]*\]' | tr ',' '\n' | wc -l); echo "{\"fitness\": $n}"`},
		Timeout: 10 * time.Second,
		Log:     zap.NewNop(),
	}

	err := tr.Train(context.Background(), db, "mix-2", DataSet{}, wire.Chromosome{Genes: []float64{1, 2, 3}}, nil)
	require.NoError(t, err)

	var res TrainResult
	require.NoError(t, db.Get(context.Background(), KindResult, "mix-2", &res))
	assert.Equal(t, 3.0, res.Fitness)
}

func TestExecTrainer_Failures(t *testing.T) {
	tests := []struct {
		name     string
		command  []string
		timeout  time.Duration
		contains string
	}{
		{"empty command", nil, time.Second, "command is empty"},
		{"non-zero exit", []string{"sh", "-c", "cat >/dev/null; exit 3"}, 5 * time.Second, "exited with code 3"},
		{"no output", []string{"sh", "-c", "cat >/dev/null"}, 5 * time.Second, "no output"},
		{"missing fitness", []string{"sh", "-c", `cat >/dev/null; echo '{"detail": 1}'`}, 5 * time.Second, "fitness is required"},
		{"not json", []string{"sh", "-c", "cat >/dev/null; echo nope"}, 5 * time.Second, "invalid JSON"},
		{"timeout", []string{"sleep", "5"}, 200 * time.Millisecond, "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &ExecTrainer{Command: tt.command, Timeout: tt.timeout, Log: zap.NewNop()}
			err := tr.Train(context.Background(), newMemDB(), "m", DataSet{}, wire.Chromosome{Genes: []float64{1}}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestExecTrainer_Cancelled(t *testing.T) {
	tr := &ExecTrainer{Command: []string{"sleep", "5"}, Timeout: 10 * time.Second, Log: zap.NewNop()}

	start := time.Now()
	err := tr.Train(context.Background(), newMemDB(), "m", DataSet{}, wire.Chromosome{Genes: []float64{1}},
		func() bool { return time.Since(start) > 200*time.Millisecond })
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, limit: 4}

	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = w.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
