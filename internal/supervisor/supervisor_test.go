package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/internal/store"
	"github.com/dyluth/swarm/pkg/wire"
)

const testNS = "test"

var fastConn = []broker.Option{
	broker.WithHeartbeat(50 * time.Millisecond),
	broker.WithRetryInterval(50 * time.Millisecond),
}

type harness struct {
	mr       *miniredis.Miniredis
	opts     *redis.Options
	db       *store.Store
	producer *queue.Producer

	mu    sync.Mutex
	notes []*wire.TrainNotification
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	h := &harness{mr: mr, opts: &redis.Options{Addr: mr.Addr()}}

	h.db = store.New(h.opts, testNS, store.WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = h.db.Close() })

	h.producer = queue.NewProducer(h.opts, testNS, wire.TaskQueue, queue.Durable,
		queue.WithLogger(zap.NewNop()), queue.WithConnectionOptions(fastConn...))
	t.Cleanup(h.producer.Close)

	listener := broadcast.New(h.opts, wire.NotificationTopic(testNS), nil,
		broadcast.WithLogger(zap.NewNop()), broadcast.WithConnectionOptions(fastConn...))
	t.Cleanup(listener.Close)
	broadcast.Hook(listener, func(n *wire.TrainNotification) {
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, listener.WaitConnected(ctx))
	require.NoError(t, h.producer.Connection().WaitConnected(ctx))
	return h
}

// submit stores a mixture and queues its task.
func (h *harness) submit(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	chromosome := wire.Chromosome{Genes: []float64{1, 2}}
	require.NoError(t, h.db.Put(ctx, compute.KindMixture, id, compute.Mixture{ID: id, Chromosome: chromosome}))
	require.NoError(t, h.producer.Send(ctx, &wire.TrainRequest{MixtureID: id, Chromosome: chromosome}))
}

func (h *harness) notified() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]int)
	for _, n := range h.notes {
		seen[n.OriginalRequest.MixtureID]++
	}
	return seen
}

func (h *harness) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notes)
}

func (h *harness) options(workers int, trainer compute.Trainer, extra ...queue.Option) Options {
	return Options{
		Broker:           h.opts,
		Namespace:        testNS,
		NodeID:           "n1",
		Workers:          workers,
		Trainer:          trainer,
		DB:               h.db,
		QueueOptions:     append([]queue.Option{queue.WithConnectionOptions(fastConn...)}, extra...),
		BroadcastOptions: []broadcast.Option{broadcast.WithConnectionOptions(fastConn...)},
		Log:              zap.NewNop(),
	}
}

func storeResult(ctx context.Context, db compute.DB, mixtureID string) error {
	return db.Put(ctx, compute.KindResult, mixtureID, compute.TrainResult{MixtureID: mixtureID, Fitness: 1})
}

func TestNew_Validation(t *testing.T) {
	trainer := compute.TrainerFunc(func(context.Context, compute.DB, string, compute.DataSet, wire.Chromosome, func() bool) error {
		return nil
	})

	_, err := New(Options{Broker: &redis.Options{}, Workers: 0, Trainer: trainer, DB: &store.Store{}})
	assert.Error(t, err)

	_, err = New(Options{Workers: 1, Trainer: trainer, DB: &store.Store{}})
	assert.Error(t, err)

	_, err = New(Options{Broker: &redis.Options{}, Workers: 1})
	assert.Error(t, err)
}

func TestSupervisor_TenTasksFourWorkers(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	active := make(map[string]int)
	overlap := false
	trainer := compute.TrainerFunc(func(ctx context.Context, db compute.DB, mixtureID string, _ compute.DataSet, _ wire.Chromosome, _ func() bool) error {
		mu.Lock()
		active[mixtureID]++
		if active[mixtureID] > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active[mixtureID]--
		mu.Unlock()
		return storeResult(ctx, db, mixtureID)
	})

	sup, err := New(h.options(4, trainer))
	require.NoError(t, err)
	defer sup.Close()
	assert.Equal(t, 4, sup.Live())
	assert.Equal(t, 4, sup.Running())

	for i := 0; i < 10; i++ {
		h.submit(t, fmt.Sprintf("mix-%d", i))
	}

	require.Eventually(t, func() bool { return h.count() >= 10 }, 10*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	seen := h.notified()
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "mixture %s notified more than once", id)
	}
	mu.Lock()
	assert.False(t, overlap, "a task was trained by two workers at once")
	mu.Unlock()

	stats := sup.Stats()
	assert.Equal(t, int64(10), stats.Completed)
	assert.Equal(t, 4, stats.Live)
	assert.Equal(t, 0, stats.Failed)
	assert.GreaterOrEqual(t, stats.Max, 20*time.Millisecond)

	var res compute.TrainResult
	require.NoError(t, h.db.Get(context.Background(), compute.KindResult, "mix-3", &res))
	assert.Equal(t, "mix-3", res.MixtureID)

	sup.Close()
	assert.Equal(t, 0, sup.Live())
	assert.Equal(t, 0, sup.Running(), "worker goroutines still executing after Close")
}

func TestSupervisor_FailedWorkerRemovedAndTaskRedelivered(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	attempts := make(map[string]int)
	trainer := compute.TrainerFunc(func(ctx context.Context, db compute.DB, mixtureID string, _ compute.DataSet, _ wire.Chromosome, _ func() bool) error {
		mu.Lock()
		attempts[mixtureID]++
		n := attempts[mixtureID]
		mu.Unlock()
		if mixtureID == "poison-once" && n == 1 {
			return errors.New("kernel crashed")
		}
		return storeResult(ctx, db, mixtureID)
	})

	sup, err := New(h.options(2, trainer, queue.WithReclaim(200*time.Millisecond, 50*time.Millisecond)))
	require.NoError(t, err)
	defer sup.Close()

	h.submit(t, "poison-once")

	require.Eventually(t, func() bool { return sup.Live() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.notified()["poison-once"] >= 1 }, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, attempts["poison-once"])
	mu.Unlock()

	stats := sup.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Live, "the pool is not resized upward")
}

func TestSupervisor_TrainerPanicIsTaskFailure(t *testing.T) {
	h := newHarness(t)

	trainer := compute.TrainerFunc(func(context.Context, compute.DB, string, compute.DataSet, wire.Chromosome, func() bool) error {
		panic("boom")
	})

	sup, err := New(h.options(2, trainer))
	require.NoError(t, err)
	defer sup.Close()

	h.submit(t, "mix-panic")
	require.Eventually(t, func() bool { return sup.Live() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.count())
}

func TestSupervisor_MissingMixtureIsTaskFailure(t *testing.T) {
	h := newHarness(t)

	trainer := compute.TrainerFunc(func(ctx context.Context, db compute.DB, mixtureID string, _ compute.DataSet, _ wire.Chromosome, _ func() bool) error {
		return storeResult(ctx, db, mixtureID)
	})
	sup, err := New(h.options(1, trainer))
	require.NoError(t, err)
	defer sup.Close()

	require.NoError(t, h.producer.Send(context.Background(), &wire.TrainRequest{MixtureID: "ghost", Chromosome: wire.Chromosome{Genes: []float64{1}}}))
	require.Eventually(t, func() bool { return sup.Live() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_CloseDrainsToZeroAndRedeliversUnacked(t *testing.T) {
	h := newHarness(t)

	started := make(chan string, 4)
	trainer := compute.TrainerFunc(func(ctx context.Context, db compute.DB, mixtureID string, _ compute.DataSet, _ wire.Chromosome, cancelled func() bool) error {
		started <- mixtureID
		for !cancelled() {
			time.Sleep(5 * time.Millisecond)
		}
		return compute.ErrCancelled
	})

	opts := h.options(2, trainer)
	opts.DrainTimeout = 200 * time.Millisecond
	sup, err := New(opts)
	require.NoError(t, err)

	h.submit(t, "stuck-a")
	h.submit(t, "stuck-b")
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks were not picked up")
		}
	}

	closed := make(chan struct{})
	go func() {
		sup.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, sup.Live())
	assert.Equal(t, 0, sup.Running(), "worker goroutines still executing after Close")
	assert.Equal(t, 0, h.count())

	// Both tasks are still pending and go to the next consumer.
	rescuer := queue.NewConsumer(h.opts, testNS, wire.TaskQueue, wire.WorkerGroup, "rescuer",
		queue.WithLogger(zap.NewNop()),
		queue.WithPrefetch(2),
		queue.WithReclaim(50*time.Millisecond, 10*time.Millisecond),
		queue.WithConnectionOptions(fastConn...))
	defer rescuer.Close()

	got := make(map[string]bool)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		msg, err := rescuer.Receive(context.Background(), time.Second)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		require.NoError(t, err)
		req := msg.(*wire.TrainRequest)
		got[req.MixtureID] = true
		require.NoError(t, rescuer.Ack(context.Background(), req))
	}
	assert.Equal(t, map[string]bool{"stuck-a": true, "stuck-b": true}, got)
}

func TestSupervisor_CloseLetsRunningTaskFinish(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	trainer := compute.TrainerFunc(func(ctx context.Context, db compute.DB, mixtureID string, _ compute.DataSet, _ wire.Chromosome, _ func() bool) error {
		started <- struct{}{}
		<-release
		return storeResult(ctx, db, mixtureID)
	})

	sup, err := New(h.options(1, trainer))
	require.NoError(t, err)

	h.submit(t, "slow")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not picked up")
	}

	closed := make(chan struct{})
	go func() {
		sup.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	require.Eventually(t, func() bool { return h.notified()["slow"] == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sup.Stats().Completed)
}
