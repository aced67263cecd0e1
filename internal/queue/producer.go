package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/pkg/wire"
)

// flushRetryInterval is how often a backlog the server refused is retried
// while the connection stays up.
const flushRetryInterval = time.Second

// Producer sends messages to one work queue. Messages accepted while the
// broker is unreachable are kept in a bounded backlog and flushed in order
// before any later message is sent.
type Producer struct {
	key  string
	opts options
	log  *zap.Logger
	conn *broker.Connection
	loop *actor.Loop

	// owned by loop
	backlog [][]byte

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProducer connects a producer for queue name in namespace ns.
func NewProducer(redisOpts *redis.Options, ns, name string, persistence Persistence, options ...Option) *Producer {
	o := defaultOptions()
	for _, opt := range options {
		opt(&o)
	}
	o.persistence = persistence

	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		key:    wire.QueueKey(ns, name),
		opts:   o,
		log:    logger.Or(o.log, "queue").With(zap.String("queue", name), zap.String("role", "producer")),
		loop:   actor.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.loop.Start()

	connOpts := append([]broker.Option{broker.WithLogger(p.log), broker.WithName(p.key)}, o.connOpts...)
	p.conn = broker.NewConnection(redisOpts, broker.SessionFuncs{
		OnAfterConnect: func(ctx context.Context, client *redis.Client) {
			p.loop.Post(p.flush)
		},
	}, connOpts...)
	go p.retryFlush()
	return p
}

// Key returns the stream key.
func (p *Producer) Key() string {
	return p.key
}

// Connection exposes the underlying connection.
func (p *Producer) Connection() *broker.Connection {
	return p.conn
}

// Send queues msg for exactly one consumer. It returns nil once the message
// is either on the broker or in the backlog; ErrBacklogFull if the backlog is
// at capacity; or an encode or server error.
func (p *Producer) Send(ctx context.Context, msg wire.Message) error {
	data, err := p.opts.registry.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}

	var result error
	if !p.loop.Call(func() { result = p.send(ctx, data) }) {
		return ErrClosed
	}
	return result
}

// Pending returns the backlog size.
func (p *Producer) Pending() int {
	n := 0
	if !p.loop.Call(func() { n = len(p.backlog) }) {
		<-p.loop.Done()
		return len(p.backlog)
	}
	return n
}

// Close flushes what it can and releases the connection. Messages still in
// the backlog are lost and logged.
func (p *Producer) Close() {
	p.loop.Stop()
	if n := len(p.backlog); n > 0 {
		p.log.Warn("producer closed with unsent backlog", zap.Int("pending", n))
	}
	p.cancel()
	p.conn.Dispose()
}

func (p *Producer) send(ctx context.Context, data []byte) error {
	// Anything already waiting goes first.
	if len(p.backlog) > 0 && p.conn.Connected() {
		p.flush()
	}
	if len(p.backlog) > 0 || !p.conn.Connected() {
		return p.enqueue(data)
	}

	err := p.add(ctx, data)
	if errors.Is(err, broker.ErrDisconnected) {
		return p.enqueue(data)
	}
	return err
}

func (p *Producer) enqueue(data []byte) error {
	if len(p.backlog) >= p.opts.maxBacklog {
		return fmt.Errorf("%w: %d messages waiting", ErrBacklogFull, len(p.backlog))
	}
	p.backlog = append(p.backlog, data)
	p.log.Debug("message buffered", zap.Int("pending", len(p.backlog)))
	return nil
}

func (p *Producer) flush() {
	if len(p.backlog) == 0 {
		return
	}
	sent := 0
	for len(p.backlog) > 0 {
		if err := p.add(p.ctx, p.backlog[0]); err != nil {
			p.log.Warn("backlog flush interrupted", zap.Int("sent", sent), zap.Int("pending", len(p.backlog)), zap.Error(err))
			return
		}
		p.backlog[0] = nil
		p.backlog = p.backlog[1:]
		sent++
	}
	p.log.Info("backlog flushed", zap.Int("sent", sent))
}

// retryFlush covers a flush the server rejected (READONLY after a failover,
// OOM, a mistyped key): no reconnect follows those, so AfterConnect would
// never run it again.
func (p *Producer) retryFlush() {
	ticker := time.NewTicker(flushRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.conn.Connected() {
				p.loop.Post(p.flush)
			}
		}
	}
}

func (p *Producer) add(ctx context.Context, data []byte) error {
	return p.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		args := &redis.XAddArgs{Stream: p.key, Values: []string{payloadField, string(data)}}
		if p.opts.persistence != Transient {
			return client.XAdd(ctx, args).Err()
		}
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, args)
			pipe.PExpire(ctx, p.key, p.opts.transientTTL)
			return nil
		})
		return err
	})
}
