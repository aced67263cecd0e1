// Package supervisor runs the fixed-size pool of training workers a node owns
// while evolution is running.
//
// Each worker competes for TrainRequests on the shared task queue, trains the
// mixture, broadcasts a TrainNotification and only then acknowledges the task.
// A worker whose task fails is removed from the pool and its task is left
// unacknowledged, so a surviving consumer reclaims it. The pool never grows
// back.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/queue"
)

const (
	maxLatency      = int64(24 * time.Hour / time.Microsecond)
	poolReleaseWait = 5 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	Broker    *redis.Options
	Namespace string
	NodeID    string
	Workers   int

	Trainer compute.Trainer
	DB      compute.DB

	// DrainTimeout bounds how long Close waits for running tasks before it
	// cancels them. Zero waits for as long as they take.
	DrainTimeout time.Duration

	QueueOptions     []queue.Option
	BroadcastOptions []broadcast.Option

	Log *zap.Logger
}

// Stats summarises the tasks a supervisor has run.
type Stats struct {
	Workers   int
	Live      int
	Failed    int
	Completed int64
	P50       time.Duration
	P99       time.Duration
	Max       time.Duration
}

// Supervisor owns a pool of exactly Options.Workers workers.
type Supervisor struct {
	opts Options
	log  *zap.Logger
	pool *ants.Pool

	// ctx is cancelled when a drain times out; running trainers observe it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	live   map[string]*Worker
	hist   *hdrhistogram.Histogram
	failed int

	wg      sync.WaitGroup
	running atomic.Int32 // worker goroutines that have not returned
	once    sync.Once
}

// New starts the pool. Every worker connects on its own; New does not wait
// for the broker.
func New(opts Options) (*Supervisor, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("worker count must be >= 1, got %d", opts.Workers)
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker options are required")
	}
	if opts.Trainer == nil || opts.DB == nil {
		return nil, fmt.Errorf("trainer and db are required")
	}
	if opts.NodeID == "" {
		opts.NodeID = "node"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:   opts,
		log:    logger.Or(opts.Log, "supervisor").With(zap.String("node_id", opts.NodeID)),
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]*Worker, opts.Workers),
		hist:   hdrhistogram.New(1, maxLatency, 3),
	}

	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			s.log.Error("worker goroutine panicked", zap.Any("panic", p))
		}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool

	for i := 0; i < opts.Workers; i++ {
		w := newWorker(s, fmt.Sprintf("%s-w%d", opts.NodeID, i))
		s.live[w.id] = w
		if err := w.start(); err != nil {
			s.Close()
			return nil, err
		}
		s.wg.Add(1)
		s.running.Add(1)
		if err := pool.Submit(w.run); err != nil {
			s.running.Add(-1)
			s.wg.Done()
			s.Close()
			return nil, fmt.Errorf("failed to start worker %s: %w", w.id, err)
		}
	}

	s.log.Info("worker pool started", zap.Int("workers", opts.Workers))
	return s, nil
}

// Live returns the number of workers still in the pool.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Running returns the number of worker goroutines still executing. It is
// zero once Close has returned.
func (s *Supervisor) Running() int {
	return int(s.running.Load())
}

// Stats returns task counts and training latency percentiles.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Workers:   s.opts.Workers,
		Live:      len(s.live),
		Failed:    s.failed,
		Completed: s.hist.TotalCount(),
		P50:       time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond,
		P99:       time.Duration(s.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:       time.Duration(s.hist.Max()) * time.Microsecond,
	}
}

// Close stops every worker and returns once all of them have exited. A task
// that is already training is allowed to finish; prefetched tasks that have
// not started go back on the queue. If DrainTimeout elapses first, running
// tasks are cancelled and left unacknowledged for redelivery.
func (s *Supervisor) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		workers := make([]*Worker, 0, len(s.live))
		for _, w := range s.live {
			workers = append(workers, w)
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			var wg sync.WaitGroup
			for _, w := range workers {
				wg.Add(1)
				go func(w *Worker) {
					defer wg.Done()
					w.stop()
				}(w)
			}
			wg.Wait()
			s.wg.Wait()
			close(done)
		}()

		if s.opts.DrainTimeout > 0 {
			timer := time.NewTimer(s.opts.DrainTimeout)
			select {
			case <-done:
			case <-timer.C:
				s.log.Warn("drain timed out, cancelling running tasks", zap.Duration("timeout", s.opts.DrainTimeout))
				s.cancel()
				<-done
			}
			timer.Stop()
		} else {
			<-done
		}
		s.cancel()

		s.mu.Lock()
		s.live = make(map[string]*Worker)
		s.mu.Unlock()

		if err := s.pool.ReleaseTimeout(poolReleaseWait); err != nil {
			s.log.Warn("worker pool release timed out", zap.Error(err))
		}
		s.log.Info("worker pool stopped")
	})
}

func (s *Supervisor) record(d time.Duration) {
	us := d.Microseconds()
	if us > maxLatency {
		us = maxLatency
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.hist.RecordValue(us)
}

// remove takes a faulted worker out of the live set.
func (s *Supervisor) remove(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[w.id]; ok {
		delete(s.live, w.id)
		s.failed++
	}
}
