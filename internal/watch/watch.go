// Package watch follows runs from the command line: live through the results
// topic, or by polling the store.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/swarm/internal/broadcast"
	"github.com/dyluth/swarm/internal/compute"
	"github.com/dyluth/swarm/internal/store"
	"github.com/dyluth/swarm/pkg/wire"
)

// ErrRunFailed is returned by Follow when the master gave up on the run.
var ErrRunFailed = errors.New("run failed")

// Follow streams the announcements of runs from protoRun to fn until their
// master steps down, and returns the run ID reported by MasterResult.
// Updates and results are attributed by node ID: they count only while the
// node that sent them is between MasterUp and MasterDown for protoRun, so
// concurrent runs of other proto-runs are ignored. A master that stepped down
// because it was interrupted is not the end: the request is redelivered to
// another candidate, so Follow keeps waiting.
//
// ch must already be connected, otherwise early announcements are missed.
func Follow(ctx context.Context, ch *broadcast.Channel, protoRun string, fn func(wire.Message)) (string, error) {
	events := make(chan wire.Message, 64)
	push := func(m wire.Message) {
		select {
		case events <- m:
		case <-ctx.Done():
		}
	}
	tokens := []broadcast.Token{
		ch.On(wire.KindMasterUp, push),
		ch.On(wire.KindMasterUpdate, push),
		ch.On(wire.KindMasterResult, push),
		ch.On(wire.KindMasterDown, push),
	}
	defer func() {
		for _, t := range tokens {
			ch.Unhook(t)
		}
	}()

	var runID string
	masters := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return runID, ctx.Err()
		case m := <-events:
			if !relevant(m, protoRun, masters) {
				continue
			}
			if fn != nil {
				fn(m)
			}
			switch m := m.(type) {
			case *wire.MasterUp:
				masters[m.NodeID] = true
			case *wire.MasterResult:
				runID = m.RunID
			case *wire.MasterDown:
				delete(masters, m.NodeID)
				switch m.Reason {
				case "":
					return runID, nil
				case "interrupted":
					continue
				default:
					return runID, fmt.Errorf("%w: %s", ErrRunFailed, m.Reason)
				}
			}
		}
	}
}

func relevant(m wire.Message, protoRun string, masters map[string]bool) bool {
	switch m := m.(type) {
	case *wire.MasterUp:
		return m.RunName == protoRun
	case *wire.MasterDown:
		return m.RunName == protoRun
	case *wire.MasterUpdate:
		return masters[m.NodeID]
	case *wire.MasterResult:
		return masters[m.NodeID]
	default:
		return false
	}
}

// PollForRun polls the store until the run leaves the running state.
// Returns the finished run or an error if timeout occurs.
// Polls every 200ms for the specified timeout duration.
func PollForRun(ctx context.Context, db *store.Store, runID string, timeout time.Duration) (*compute.Run, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for run %s after %v", runID, timeout)

		case <-ticker.C:
			var run compute.Run
			err := db.Get(ctx, compute.KindRun, runID, &run)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to query run: %w", err)
			}
			if run.Status == compute.RunRunning {
				continue
			}
			return &run, nil
		}
	}
}
