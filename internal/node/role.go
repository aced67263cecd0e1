package node

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/internal/master"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/pkg/wire"
)

// MasterRole is everything a candidate needs: its consumer on the
// run-request queue and a Master wired to the task queue and topics.
type MasterRole struct {
	Requests *queue.Consumer
	Master   *master.Master

	tasks   *queue.Producer
	results *broadcast.Channel
	notes   *broadcast.Channel
}

// NewMasterRole connects the role for nodeID. Run requests are always read
// from a durable queue, one at a time.
func NewMasterRole(brokerOpts *redis.Options, cfg *config.Config, nodeID string, exec *Exec, log *zap.Logger) *MasterRole {
	qopts := QueueOptions(cfg, log)
	bopts := BroadcastOptions(cfg, log)
	persistence := queue.Durable
	if !cfg.DurableTasks() {
		persistence = queue.Transient
	}

	r := &MasterRole{
		Requests: queue.NewConsumer(brokerOpts, cfg.Namespace, wire.RunRequestQueue, wire.CandidateGroup, nodeID,
			append(qopts, queue.WithPersistence(queue.Durable), queue.WithPrefetch(1))...),
		tasks:   queue.NewProducer(brokerOpts, cfg.Namespace, wire.TaskQueue, persistence, qopts...),
		results: broadcast.New(brokerOpts, wire.ResultsTopic(cfg.Namespace), nil, bopts...),
		notes:   broadcast.New(brokerOpts, wire.NotificationTopic(cfg.Namespace), nil, bopts...),
	}
	r.Master = master.New(master.Config{
		NodeID:        nodeID,
		DB:            exec.DB,
		Evolver:       exec.Evolver,
		Results:       r.results,
		Tasks:         r.tasks,
		Notifications: r.notes,
		Log:           log,
	})
	return r
}

// Close releases the role's connections.
func (r *MasterRole) Close() {
	r.Requests.Close()
	r.tasks.Close()
	r.notes.Close()
	r.results.Close()
}
