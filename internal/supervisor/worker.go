package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/pkg/wire"
)

const ackTimeout = 5 * time.Second

// Worker trains one task at a time. Its consumer and notification channel
// post everything onto the worker's own loop.
type Worker struct {
	id  string
	s   *Supervisor
	log *zap.Logger

	loop   *actor.Loop
	tasks  *queue.Consumer
	notify *broadcast.Channel

	stopping atomic.Bool
	faulted  atomic.Bool
	stopOnce sync.Once
}

func newWorker(s *Supervisor, id string) *Worker {
	w := &Worker{
		id:   id,
		s:    s,
		log:  s.log.With(zap.String("worker", id)),
		loop: actor.New(),
	}

	qopts := append([]queue.Option{
		queue.WithLogger(w.log),
		queue.WithPrefetch(1),
	}, s.opts.QueueOptions...)
	qopts = append(qopts, queue.WithOwner(w.loop))
	w.tasks = queue.NewConsumer(s.opts.Broker, s.opts.Namespace, wire.TaskQueue, wire.WorkerGroup, id, qopts...)

	bopts := append([]broadcast.Option{broadcast.WithLogger(w.log)}, s.opts.BroadcastOptions...)
	w.notify = broadcast.New(s.opts.Broker, wire.NotificationTopic(s.opts.Namespace), w.loop, bopts...)
	return w
}

// ID returns the worker name, which is also its consumer name.
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) start() error {
	if err := w.tasks.Consume(w.handle); err != nil {
		return fmt.Errorf("worker %s: %w", w.id, err)
	}
	return nil
}

// run drains the worker loop on the pool goroutine until stop.
func (w *Worker) run() {
	defer w.s.wg.Done()
	defer w.s.running.Add(-1)
	w.loop.Run()
	w.log.Debug("worker exited")
}

// stop lets the running task finish, hands back prefetched ones and releases
// both connections.
func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		w.tasks.StopFetching()
		w.loop.Stop()
		w.tasks.Close()
		w.notify.Close()
	})
}

func (w *Worker) cancelled() bool {
	return w.s.ctx.Err() != nil
}

// handle runs on the worker loop for every delivery.
func (w *Worker) handle(msg wire.Message) {
	req, ok := msg.(*wire.TrainRequest)
	if !ok {
		w.log.Warn("unexpected message on task queue", zap.String("kind", msg.Kind()))
		w.nack(msg, false)
		return
	}
	log := w.log.With(zap.String("mixture_id", req.MixtureID), zap.String("delivery_tag", req.DeliveryTag()))

	if w.stopping.Load() || w.faulted.Load() || w.cancelled() {
		log.Debug("returning task not yet started")
		w.nack(req, true)
		return
	}

	start := time.Now()
	if err := w.train(req); err != nil {
		if w.cancelled() {
			log.Warn("task cancelled by drain, left for redelivery", zap.Error(err))
			return
		}
		w.fail(log, err)
		return
	}
	w.s.record(time.Since(start))

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	// Notify first: a crash between the two redelivers the task and the
	// master sees a duplicate notification, never a missing one.
	note := &wire.TrainNotification{
		OriginalRequest: wire.TrainRequest{MixtureID: req.MixtureID, Chromosome: req.Chromosome},
		Worker:          w.id,
	}
	if err := w.notify.WaitConnected(ctx); err != nil {
		log.Warn("notification channel not connected, requeueing task", zap.Error(err))
		w.nack(req, true)
		return
	}
	if err := w.notify.Send(ctx, note); err != nil {
		log.Warn("failed to publish notification, requeueing task", zap.Error(err))
		w.nack(req, true)
		return
	}
	if err := w.tasks.Ack(ctx, req); err != nil {
		log.Warn("failed to ack task, it will be redelivered", zap.Error(err))
		return
	}
	log.Debug("task complete", zap.Duration("took", time.Since(start)))
}

// train loads the mixture and runs the trainer. Panics in the trainer are
// reported as errors.
func (w *Worker) train(req *wire.TrainRequest) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("trainer panicked: %v", p)
		}
	}()

	ctx := w.s.ctx
	var mix compute.Mixture
	if err := w.s.opts.DB.Get(ctx, compute.KindMixture, req.MixtureID, &mix); err != nil {
		return fmt.Errorf("failed to load mixture: %w", err)
	}
	return w.s.opts.Trainer.Train(ctx, w.s.opts.DB, req.MixtureID, mix.Training, req.Chromosome, w.cancelled)
}

// fail removes the worker from the pool. The task stays unacknowledged.
func (w *Worker) fail(log *zap.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		log.Warn("task interrupted", zap.Error(err))
	} else {
		log.Error("task failed, removing worker from pool", zap.Error(err))
	}
	w.faulted.Store(true)
	w.s.remove(w)

	// stop joins this loop, so it cannot run on it.
	w.s.wg.Add(1)
	go func() {
		defer w.s.wg.Done()
		w.stop()
	}()
}

func (w *Worker) nack(msg wire.Message, requeue bool) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := w.tasks.Nack(ctx, msg, requeue); err != nil {
		w.log.Warn("failed to nack task", zap.String("delivery_tag", msg.Meta().DeliveryTag()), zap.Error(err))
	}
}
