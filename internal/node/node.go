// Package node implements the per-node control loop.
//
// A node listens on the control topic and moves between Idle and Running:
// StartEvolution brings up a worker pool (and, on candidate nodes, a master
// candidacy), StopEvolution tears it down. Reload and Shutdown end the
// current loop with an explicit Outcome that the Runner acts on.
//
// Signals are queued in arrival order and applied one at a time, after the
// transition in progress has finished. Start while Running and Stop while
// Idle are no-ops, so repeated signals are harmless.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/master"
	"github.com/dyluth/swarm/internal/supervisor"
	"github.com/dyluth/swarm/pkg/wire"
)

// Outcome is the result of waiting for the next control signal.
type Outcome int

const (
	// Continue means the signal was applied and the node keeps listening.
	Continue Outcome = iota
	// Reload means the execution context must be rebuilt.
	Reload
	// Shutdown means the node loop must end.
	Shutdown
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Reload:
		return "reload"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Node states reported by State.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// ErrClosed is returned by Step after Close.
var ErrClosed = errors.New("node closed")

var controlKinds = []string{
	wire.KindStartEvolution,
	wire.KindStopEvolution,
	wire.KindReload,
	wire.KindShutdown,
	wire.KindNodeReady,
}

// Options configures a Node.
type Options struct {
	Config *config.Config
	NodeID string
	Build  BuildFunc

	// HandoffToken is set when this process replaces a reloading node. The
	// node then also listens on the handoff topic for forwarded signals.
	HandoffToken string

	Log *zap.Logger
}

// running holds what exists only while evolution is running.
type running struct {
	sup           *supervisor.Supervisor
	stopCandidate func()
}

// Node is the control loop of one process.
type Node struct {
	id     string
	token  string
	log    *zap.Logger
	broker *redis.Options
	build  BuildFunc

	loop    *actor.Loop
	control *broadcast.Channel
	handoff *broadcast.Channel
	inbox   *inbox

	mu     sync.Mutex
	cfg    *config.Config
	exec   *Exec
	run    *running
	closed bool
	once   sync.Once
}

// New builds the execution context and subscribes to the control topic. It
// does not wait for the broker.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	build := opts.Build
	if build == nil {
		build = DefaultBuild
	}
	id := opts.NodeID
	if id == "" {
		id = defaultNodeID()
	}
	log := logger.Or(opts.Log, "node").With(zap.String("node_id", id))

	brokerOpts, err := cfg.BrokerOptions()
	if err != nil {
		return nil, err
	}
	exec, err := build(cfg, id, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build execution context: %w", err)
	}

	n := &Node{
		id:     id,
		token:  opts.HandoffToken,
		log:    log,
		broker: brokerOpts,
		build:  build,
		loop:   actor.New(),
		inbox:  newInbox(),
		cfg:    cfg,
		exec:   exec,
	}
	n.loop.Start()

	n.control = broadcast.New(brokerOpts, wire.ControlTopic(cfg.Namespace), n.loop, BroadcastOptions(cfg, log)...)
	n.listen(n.control)
	if n.token != "" {
		n.handoff = broadcast.New(brokerOpts, wire.HandoffTopic(cfg.Namespace, n.token), n.loop, BroadcastOptions(cfg, log)...)
		n.listen(n.handoff)
	}
	return n, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func (n *Node) listen(ch *broadcast.Channel) {
	for _, kind := range controlKinds {
		ch.On(kind, n.receive)
	}
}

// receive runs on the node loop.
func (n *Node) receive(msg wire.Message) {
	if !n.inbox.push(msg) {
		n.log.Debug("duplicate control signal dropped", zap.String("kind", msg.Kind()), zap.String("id", msg.Meta().ID))
		return
	}
	n.log.Info("control signal received", zap.String("kind", msg.Kind()))
}

// ID returns the node ID.
func (n *Node) ID() string {
	return n.id
}

// Control exposes the control channel for health reporting.
func (n *Node) Control() *broadcast.Channel {
	return n.control
}

// Connected reports whether the control subscription is live.
func (n *Node) Connected() bool {
	return n.control.Connection().Connected()
}

// State returns StateIdle or StateRunning.
func (n *Node) State() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.run != nil {
		return StateRunning
	}
	return StateIdle
}

// Workers returns the number of live workers, 0 when idle.
func (n *Node) Workers() int {
	n.mu.Lock()
	r := n.run
	n.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.sup.Live()
}

// Config returns the configuration currently in effect.
func (n *Node) Config() *config.Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// WaitConnected blocks until the control subscription (and the handoff
// subscription, if any) is live.
func (n *Node) WaitConnected(ctx context.Context) error {
	if err := n.control.WaitConnected(ctx); err != nil {
		return err
	}
	if n.handoff != nil {
		return n.handoff.WaitConnected(ctx)
	}
	return nil
}

// AnnounceReady tells the node being replaced that this one is subscribed.
func (n *Node) AnnounceReady(ctx context.Context) error {
	if n.token == "" {
		return nil
	}
	if err := n.WaitConnected(ctx); err != nil {
		return err
	}
	n.log.Info("announcing readiness to the node being replaced")
	return n.control.Send(ctx, &wire.NodeReady{NodeID: n.id, HandoffToken: n.token})
}

// Run applies signals until one of them ends the loop.
func (n *Node) Run(ctx context.Context) (Outcome, error) {
	for {
		outcome, err := n.Step(ctx)
		if err != nil || outcome != Continue {
			return outcome, err
		}
	}
}

// Step waits for the next control signal and applies it. Cancelling ctx is
// treated as Shutdown.
func (n *Node) Step(ctx context.Context) (Outcome, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return Shutdown, ErrClosed
	}

	select {
	case <-ctx.Done():
		n.log.Info("context done, shutting down")
		n.stop()
		return Shutdown, nil
	case <-n.inbox.ready():
	}

	msg, ok := n.inbox.pop()
	if !ok {
		return Continue, nil
	}
	return n.apply(msg), nil
}

func (n *Node) apply(msg wire.Message) Outcome {
	switch msg.(type) {
	case *wire.StartEvolution:
		if n.State() == StateRunning {
			n.log.Info("already running, ignoring StartEvolution")
			return Continue
		}
		if err := n.start(); err != nil {
			n.log.Error("failed to start evolution", zap.Error(err))
		}
		return Continue
	case *wire.StopEvolution:
		if n.State() == StateIdle {
			n.log.Info("already idle, ignoring StopEvolution")
			return Continue
		}
		n.stop()
		return Continue
	case *wire.Reload:
		n.stop()
		return Reload
	case *wire.Shutdown:
		n.stop()
		return Shutdown
	default:
		n.log.Debug("ignoring control message", zap.String("kind", msg.Kind()))
		return Continue
	}
}

// start brings up the worker pool and, on candidate nodes, the candidacy.
func (n *Node) start() error {
	n.mu.Lock()
	cfg, exec := n.cfg, n.exec
	n.mu.Unlock()

	sup, err := supervisor.New(supervisor.Options{
		Broker:           n.broker,
		Namespace:        cfg.Namespace,
		NodeID:           n.id,
		Workers:          cfg.WorkerCount(),
		Trainer:          exec.Trainer,
		DB:               exec.DB,
		QueueOptions:     QueueOptions(cfg, n.log),
		BroadcastOptions: BroadcastOptions(cfg, n.log),
		Log:              n.log,
	})
	if err != nil {
		return err
	}

	r := &running{sup: sup}
	if cfg.IsCandidate() {
		r.stopCandidate = n.startCandidate(cfg, exec)
	}

	n.mu.Lock()
	n.run = r
	n.mu.Unlock()
	n.log.Info("evolution started", zap.Int("workers", cfg.WorkerCount()), zap.Bool("candidate", cfg.IsCandidate()))
	return nil
}

func (n *Node) startCandidate(cfg *config.Config, exec *Exec) func() {
	role := NewMasterRole(n.broker, cfg, n.id, exec, n.log)
	cand := master.NewCandidate(role.Requests, role.Master, cfg.Node.ElectionTimeout, n.log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		won := cand.Run(ctx)
		n.log.Info("candidacy ended", zap.Int("runs_mastered", won))
	}()

	return func() {
		cancel()
		<-done
		role.Close()
	}
}

// stop drains everything start brought up. Safe to call when idle.
func (n *Node) stop() {
	n.mu.Lock()
	r := n.run
	n.run = nil
	n.mu.Unlock()
	if r == nil {
		return
	}

	if r.stopCandidate != nil {
		r.stopCandidate()
	}
	r.sup.Close()
	n.log.Info("evolution stopped")
}

// Rebuild replaces the execution context using cfg. The control
// subscription is kept, so no signal is missed; broker settings therefore
// only change on restart or an exec-mode reload. On error the previous
// context stays in effect.
func (n *Node) Rebuild(cfg *config.Config) error {
	exec, err := n.build(cfg, n.id, n.log)
	if err != nil {
		return fmt.Errorf("failed to rebuild execution context: %w", err)
	}

	n.mu.Lock()
	old, oldCfg := n.exec, n.cfg
	n.exec, n.cfg = exec, cfg
	n.mu.Unlock()
	old.Close()

	if cfg.Broker.URL != oldCfg.Broker.URL || cfg.Namespace != oldCfg.Namespace {
		n.log.Warn("broker and namespace changes take effect on restart only")
	}
	logger.SetLevel(cfg.Logging.Level)
	n.log.Info("execution context rebuilt")
	return nil
}

// Close stops evolution and releases every connection.
func (n *Node) Close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()

		n.stop()
		if n.handoff != nil {
			n.handoff.Close()
		}
		n.control.Close()
		n.loop.Stop()

		n.mu.Lock()
		exec := n.exec
		n.mu.Unlock()
		exec.Close()
	})
}
