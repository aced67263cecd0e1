package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/pkg/wire"
)

// ErrHandoffTimeout is returned when a replacement process does not report
// ready in time.
var ErrHandoffTimeout = errors.New("replacement node did not report ready in time")

const forwardTimeout = 5 * time.Second

// Process is a spawned replacement node.
type Process interface {
	Kill() error
}

// Spawner starts a replacement node that will announce readiness with the
// given handoff token.
type Spawner interface {
	Spawn(ctx context.Context, token string) (Process, error)
}

// ExecSpawner re-executes a binary, by default the running one, appending
// --handoff-token to Args.
type ExecSpawner struct {
	Path string
	Args []string
}

// Spawn implements Spawner. The child is not tied to ctx: it must outlive
// this process.
func (s *ExecSpawner) Spawn(ctx context.Context, token string) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}

	args := append(append([]string(nil), s.Args...), "--handoff-token", token)
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start replacement: %w", err)
	}
	// Reap the child if it exits while we are still around.
	go func() { _ = cmd.Wait() }()
	return cmd.Process, nil
}

// Handoff spawns a replacement and keeps the control subscription until the
// replacement reports ready, so no signal is missed during the switch.
// Signals received meanwhile are held and then forwarded to the replacement's
// handoff topic. On failure the held signals go back into the inbox and the
// replacement is killed.
func (n *Node) Handoff(ctx context.Context, spawner Spawner, timeout time.Duration) error {
	token := uuid.New().String()
	log := n.log.With(zap.String("handoff_token", token))

	proc, err := spawner.Spawn(ctx, token)
	if err != nil {
		return err
	}
	log.Info("replacement spawned, waiting for it to report ready", zap.Duration("timeout", timeout))

	var held []wire.Message
	abort := func(cause error) error {
		if kerr := proc.Kill(); kerr != nil {
			log.Warn("failed to kill replacement", zap.Error(kerr))
		}
		n.inbox.requeue(held)
		return cause
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return abort(ErrHandoffTimeout)
		case <-ctx.Done():
			return abort(ctx.Err())
		case <-n.inbox.ready():
		}

		for {
			msg, ok := n.inbox.pop()
			if !ok {
				break
			}
			ready, isReady := msg.(*wire.NodeReady)
			if !isReady {
				held = append(held, msg)
				continue
			}
			if ready.HandoffToken != token {
				continue
			}
			log.Info("replacement ready", zap.String("replacement", ready.NodeID), zap.Int("forwarding", len(held)))
			n.forward(token, held)
			return nil
		}
	}
}

// forward publishes held signals on the replacement's handoff topic.
func (n *Node) forward(token string, msgs []wire.Message) {
	if len(msgs) == 0 {
		return
	}
	cfg := n.Config()
	ch := broadcast.New(n.broker, wire.HandoffTopic(cfg.Namespace, token), nil, BroadcastOptions(cfg, n.log)...)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	if err := ch.WaitConnected(ctx); err != nil {
		n.log.Error("could not forward signals to replacement", zap.Int("lost", len(msgs)), zap.Error(err))
		return
	}
	for _, msg := range msgs {
		if err := ch.Send(ctx, msg); err != nil {
			n.log.Error("failed to forward signal", zap.String("kind", msg.Kind()), zap.Error(err))
		}
	}
}
