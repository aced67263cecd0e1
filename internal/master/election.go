// Package master implements master election over the run-request queue and
// the master role that drives one run.
//
// Every candidate receives from the same queue as a member of one consumer
// group. The broker hands each request to exactly one consumer, so whoever
// receives it is the master for that run; candidates that time out are not.
// A master that dies before acknowledging leaves the request pending, and a
// live candidate reclaims it once it has been idle long enough.
package master

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/queue"
	"github.com/dyluth/swarm/pkg/wire"
)

// ErrNotElected is returned by Elect when no run request arrived in time.
var ErrNotElected = errors.New("not elected")

const retryPause = time.Second

// Elect waits up to timeout for a run request. Messages of any other kind are
// dropped from the queue.
func Elect(ctx context.Context, requests *queue.Consumer, timeout time.Duration) (*wire.MasterRequest, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNotElected
		}

		msg, err := requests.Receive(ctx, remaining)
		if errors.Is(err, queue.ErrTimeout) {
			return nil, ErrNotElected
		}
		if err != nil {
			return nil, err
		}

		req, ok := msg.(*wire.MasterRequest)
		if !ok {
			logger.Warn("dropping unexpected message on run-request queue", zap.String("kind", msg.Kind()))
			if err := requests.Nack(ctx, msg, false); err != nil {
				return nil, err
			}
			continue
		}
		return req, nil
	}
}

// Candidate keeps entering elections while its context is live and runs the
// master role whenever it wins.
type Candidate struct {
	requests *queue.Consumer
	master   *Master
	timeout  time.Duration
	log      *zap.Logger
}

// NewCandidate returns a candidate that holds rounds of the given length.
func NewCandidate(requests *queue.Consumer, m *Master, timeout time.Duration, log *zap.Logger) *Candidate {
	return &Candidate{
		requests: requests,
		master:   m,
		timeout:  timeout,
		log:      logger.Or(log, "candidate"),
	}
}

// Run holds election rounds until ctx is cancelled or the request consumer is
// closed. It returns the number of runs this candidate mastered.
func (c *Candidate) Run(ctx context.Context) int {
	won := 0
	for ctx.Err() == nil {
		req, err := Elect(ctx, c.requests, c.timeout)
		switch {
		case errors.Is(err, ErrNotElected):
			c.log.Debug("not elected this round")
			continue
		case errors.Is(err, queue.ErrClosed):
			return won
		case err != nil:
			if ctx.Err() != nil {
				return won
			}
			c.log.Warn("election round failed", zap.Error(err))
			sleep(ctx, retryPause)
			continue
		}

		won++
		if err := c.master.Run(ctx, c.requests, req); err != nil {
			c.log.Warn("run ended with error", zap.String("proto_run", req.ProtoRunName), zap.Error(err))
		}
	}
	return won
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
