package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/pkg/wire"
)

const defaultResultPoll = 2 * time.Second

// DistributedTrainer is the Trainer the master hands to the evolver. Each
// Train call becomes a task on the task queue and returns once a worker has
// reported it done.
//
// Notifications are fire-and-forget, so a waiting call also polls the store
// for the trainer's result. Duplicate notifications, which follow any
// redelivery, are ignored.
type DistributedTrainer struct {
	tasks *queue.Producer
	notes *broadcast.Channel
	poll  time.Duration
	log   *zap.Logger
	token broadcast.Token

	mu      sync.Mutex
	waiting map[string]chan struct{}
}

// NewDistributedTrainer hooks TrainNotifications on notes. Close removes the
// hook.
func NewDistributedTrainer(tasks *queue.Producer, notes *broadcast.Channel, poll time.Duration, log *zap.Logger) *DistributedTrainer {
	if poll <= 0 {
		poll = defaultResultPoll
	}
	d := &DistributedTrainer{
		tasks:   tasks,
		notes:   notes,
		poll:    poll,
		log:     logger.Or(log, "trainer"),
		waiting: make(map[string]chan struct{}),
	}
	d.token = broadcast.Hook(notes, d.onNotification)
	return d
}

// Train implements compute.Trainer.
func (d *DistributedTrainer) Train(ctx context.Context, db compute.DB, mixtureID string, training compute.DataSet, chromosome wire.Chromosome, cancelled func() bool) error {
	done := d.expect(mixtureID)
	defer d.forget(mixtureID)

	mix := compute.Mixture{
		ID:          mixtureID,
		Chromosome:  chromosome,
		Training:    training,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := db.Put(ctx, compute.KindMixture, mixtureID, mix); err != nil {
		return fmt.Errorf("failed to store mixture: %w", err)
	}
	if err := d.tasks.Send(ctx, &wire.TrainRequest{MixtureID: mixtureID, Chromosome: chromosome}); err != nil {
		return fmt.Errorf("failed to dispatch task: %w", err)
	}

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cancelled != nil && cancelled() {
				return compute.ErrCancelled
			}
			var res compute.TrainResult
			if err := db.Get(ctx, compute.KindResult, mixtureID, &res); err == nil {
				d.log.Debug("result found without notification", zap.String("mixture_id", mixtureID))
				return nil
			}
		}
	}
}

// Close stops listening for notifications.
func (d *DistributedTrainer) Close() {
	d.notes.Unhook(d.token)
}

func (d *DistributedTrainer) expect(mixtureID string) <-chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.waiting[mixtureID] = ch
	d.mu.Unlock()
	return ch
}

func (d *DistributedTrainer) forget(mixtureID string) {
	d.mu.Lock()
	delete(d.waiting, mixtureID)
	d.mu.Unlock()
}

// onNotification runs on the notification channel's loop.
func (d *DistributedTrainer) onNotification(n *wire.TrainNotification) {
	id := n.OriginalRequest.MixtureID
	d.mu.Lock()
	ch, ok := d.waiting[id]
	delete(d.waiting, id)
	d.mu.Unlock()

	if !ok {
		d.log.Debug("ignoring notification for mixture not awaited", zap.String("mixture_id", id), zap.String("worker", n.Worker))
		return
	}
	close(ch)
}
