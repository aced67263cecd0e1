package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/pkg/wire"
)

type delivery struct {
	raw     []byte
	started bool
}

// Consumer takes entries from one work queue as a member of a consumer group.
//
// It never holds more than the prefetch bound of unacknowledged deliveries:
// each delivery occupies a slot until it is acked or nacked. Messages can be
// pulled with Receive or pushed to a handler with Consume, but not both.
type Consumer struct {
	key   string
	group string
	name  string
	opts  options
	log   *zap.Logger
	conn  *broker.Connection

	owner    *actor.Loop
	ownsLoop bool

	slots chan struct{}

	mu          sync.Mutex
	inflight    map[string]*delivery
	closing     bool
	consuming   bool
	lastReclaim time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// keepalive outlives ctx: held deliveries stay claimed while draining.
	keepCtx    context.Context
	keepCancel context.CancelFunc
	keepWG     sync.WaitGroup
}

// NewConsumer joins group on queue name in namespace ns. An empty consumer
// name gets a unique one.
func NewConsumer(redisOpts *redis.Options, ns, name, group, consumer string, options ...Option) *Consumer {
	o := defaultOptions()
	for _, opt := range options {
		opt(&o)
	}
	if consumer == "" {
		consumer = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	keepCtx, keepCancel := context.WithCancel(context.Background())
	c := &Consumer{
		key:      wire.QueueKey(ns, name),
		group:    group,
		name:     consumer,
		opts:     o,
		owner:    o.owner,
		slots:    make(chan struct{}, o.prefetch),
		inflight: make(map[string]*delivery),
		ctx:      ctx,
		cancel:   cancel,

		keepCtx:    keepCtx,
		keepCancel: keepCancel,
	}
	c.log = logger.Or(o.log, "queue").With(
		zap.String("queue", name),
		zap.String("group", group),
		zap.String("consumer", consumer))
	for i := 0; i < o.prefetch; i++ {
		c.slots <- struct{}{}
	}
	if c.owner == nil {
		c.owner = actor.New()
		c.owner.Start()
		c.ownsLoop = true
	}

	connOpts := append([]broker.Option{broker.WithLogger(c.log), broker.WithName(c.key)}, o.connOpts...)
	c.conn = broker.NewConnection(redisOpts, broker.SessionFuncs{
		OnConnect: func(ctx context.Context, client *redis.Client) error {
			return declareGroup(ctx, client, c.key, c.group, c.opts)
		},
	}, connOpts...)

	c.keepWG.Add(1)
	go c.keepAlive()
	return c
}

// Name returns the consumer name within the group.
func (c *Consumer) Name() string {
	return c.name
}

// Connection exposes the underlying connection.
func (c *Consumer) Connection() *broker.Connection {
	return c.conn
}

// Inflight returns how many deliveries are held unacknowledged.
func (c *Consumer) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Reclaim makes the next fetch look for stale entries of dead consumers
// instead of waiting for the reclaim interval.
func (c *Consumer) Reclaim() {
	c.mu.Lock()
	c.lastReclaim = time.Time{}
	c.mu.Unlock()
}

// Receive waits up to timeout for one message. The broker is polled in
// windows of at most a second, so a reconnect during the wait is picked up.
// It returns ErrTimeout if nothing arrived, including when the prefetch
// bound is already reached.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (wire.Message, error) {
	deadline := time.Now().Add(timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.slots:
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.release()
			return nil, ErrTimeout
		}

		msg, err := c.fetch(ctx, minDuration(remaining, maxPollWindow), true)
		switch {
		case msg != nil:
			return msg, nil
		case err == nil:
		case errors.Is(err, broker.ErrDisconnected):
			c.waitConnected(ctx, minDuration(remaining, maxPollWindow))
		default:
			c.release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if c.ctx.Err() != nil || errors.Is(err, broker.ErrDisposed) {
				return nil, ErrClosed
			}
			return nil, err
		}
	}
}

// Consume delivers messages to handler on the owner loop as they arrive.
// It returns immediately; delivery stops when the consumer is closed.
func (c *Consumer) Consume(handler func(wire.Message)) error {
	c.mu.Lock()
	if c.consuming {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s is already consuming", c.name)
	}
	c.consuming = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pump(handler)
	return nil
}

func (c *Consumer) pump(handler func(wire.Message)) {
	defer c.wg.Done()

	for {
		select {
		case <-c.slots:
		case <-c.ctx.Done():
			return
		}

		msg := c.fetchUntilDelivered()
		if msg == nil {
			c.release()
			return
		}

		tag := msg.Meta().DeliveryTag()
		c.owner.Post(func() {
			if !c.start(tag) {
				return
			}
			handler(msg)
		})
	}
}

// fetchUntilDelivered holds a slot and polls until a message arrives or the
// consumer closes.
func (c *Consumer) fetchUntilDelivered() wire.Message {
	for c.ctx.Err() == nil {
		msg, err := c.fetch(c.ctx, maxPollWindow, false)
		switch {
		case msg != nil:
			return msg
		case err == nil:
		case errors.Is(err, broker.ErrDisconnected):
			c.waitConnected(c.ctx, maxPollWindow)
		case c.ctx.Err() != nil || errors.Is(err, broker.ErrDisposed):
			return nil
		default:
			c.log.Error("queue read failed", zap.Error(err))
			c.sleep(maxPollWindow)
		}
	}
	return nil
}

// start marks a posted delivery as handed to the handler. It returns false
// once Close has taken the delivery back.
func (c *Consumer) start(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.inflight[tag]
	if !ok || c.closing {
		return false
	}
	d.started = true
	return true
}

// fetch returns one delivery: a reclaimed stale entry when a reclaim is due,
// otherwise a new entry read with a bounded block. (nil, nil) means nothing
// was available.
func (c *Consumer) fetch(ctx context.Context, block time.Duration, started bool) (wire.Message, error) {
	if c.reclaimDue() {
		entries, err := c.claim(ctx, 1)
		if err != nil {
			c.Reclaim()
			return nil, err
		}
		for _, e := range entries {
			if msg := c.accept(ctx, e, started, true); msg != nil {
				return msg, nil
			}
		}
	}

	if block < time.Millisecond {
		block = time.Millisecond
	}

	var streams []redis.XStream
	err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		streams, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.key, ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if isNoGroup(err) {
			// Transient stream expired underneath us.
			if derr := declareGroup(ctx, client, c.key, c.group, c.opts); derr != nil {
				return derr
			}
			return redis.Nil
		}
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, s := range streams {
		for _, e := range s.Messages {
			if msg := c.accept(ctx, e, started, false); msg != nil {
				return msg, nil
			}
		}
	}
	return nil, nil
}

func (c *Consumer) reclaimDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastReclaim) < c.opts.reclaimInterval {
		return false
	}
	c.lastReclaim = time.Now()
	return true
}

func (c *Consumer) claim(ctx context.Context, count int64) ([]redis.XMessage, error) {
	var entries []redis.XMessage
	err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		entries, _, err = client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.key,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.opts.reclaimIdle,
			Start:    "0-0",
			Count:    count,
		}).Result()
		if isNoGroup(err) || errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	return entries, err
}

// accept decodes an entry and registers it as in flight. Undecodable entries
// are acknowledged and skipped.
func (c *Consumer) accept(ctx context.Context, e redis.XMessage, started, reclaimed bool) wire.Message {
	raw, _ := e.Values[payloadField].(string)
	msg := c.opts.registry.Decode([]byte(raw))
	_ = msg.Meta().SetDeliveryTag(e.ID)

	if u, ok := msg.(*wire.Unknown); ok {
		c.log.Warn("skipping undecodable queue entry",
			zap.String("delivery_tag", e.ID),
			zap.String("reason", u.Reason),
			zap.String("payload", logger.Truncate(u.Raw, 256)))
		if err := c.xack(ctx, e.ID); err != nil {
			c.log.Warn("failed to ack undecodable entry", zap.String("delivery_tag", e.ID), zap.Error(err))
		}
		return nil
	}

	if reclaimed {
		c.log.Info("reclaimed stale delivery", zap.String("delivery_tag", e.ID), zap.String("kind", msg.Kind()))
	}

	c.mu.Lock()
	c.inflight[e.ID] = &delivery{raw: []byte(raw), started: started}
	c.mu.Unlock()
	return msg
}

// Ack acknowledges a delivery received from this consumer.
func (c *Consumer) Ack(ctx context.Context, msg wire.Message) error {
	tag := msg.Meta().DeliveryTag()
	if tag == "" {
		return ErrNoDeliveryTag
	}
	c.forget(tag)
	if err := c.xack(ctx, tag); err != nil {
		return fmt.Errorf("failed to ack %s: %w", tag, err)
	}
	return nil
}

// Nack rejects a delivery. With requeue the message goes back on the queue
// for any consumer; without it the message is dropped.
func (c *Consumer) Nack(ctx context.Context, msg wire.Message, requeue bool) error {
	tag := msg.Meta().DeliveryTag()
	if tag == "" {
		return ErrNoDeliveryTag
	}
	d := c.forget(tag)

	var raw []byte
	if d != nil {
		raw = d.raw
	} else if requeue {
		data, err := c.opts.registry.Encode(msg)
		if err != nil {
			return fmt.Errorf("failed to re-encode %s: %w", tag, err)
		}
		raw = data
	}
	return c.nack(ctx, tag, raw, requeue)
}

func (c *Consumer) nack(ctx context.Context, tag string, raw []byte, requeue bool) error {
	if !requeue {
		c.log.Warn("delivery rejected without requeue", zap.String("delivery_tag", tag))
		return c.xack(ctx, tag)
	}
	err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		_, err := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAck(ctx, c.key, c.group, tag)
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: c.key, Values: []string{payloadField, string(raw)}})
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", tag, err)
	}
	return nil
}

func (c *Consumer) xack(ctx context.Context, tag string) error {
	return c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.XAck(ctx, c.key, c.group, tag).Err()
	})
}

// forget drops the delivery from the in-flight set and frees its slot.
func (c *Consumer) forget(tag string) *delivery {
	c.mu.Lock()
	d, ok := c.inflight[tag]
	delete(c.inflight, tag)
	c.mu.Unlock()
	if ok {
		c.release()
	}
	return d
}

func (c *Consumer) release() {
	select {
	case c.slots <- struct{}{}:
	default:
	}
}

func (c *Consumer) waitConnected(ctx context.Context, d time.Duration) {
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	_ = c.conn.WaitConnected(wctx)
}

func (c *Consumer) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.ctx.Done():
	}
}

// StopFetching stops taking new entries and waits for the fetch loop to exit.
// Deliveries already handed out stay in flight and can still be acked or
// nacked until Close.
func (c *Consumer) StopFetching() {
	c.cancel()
	c.wg.Wait()
}

// keepAlive periodically re-claims the deliveries this consumer holds, which
// resets their idle time so live consumers never have work reclaimed from
// them. Once the consumer is closed or its process dies the entries go idle.
func (c *Consumer) keepAlive() {
	defer c.keepWG.Done()

	ticker := time.NewTicker(c.opts.reclaimIdle / 3)
	defer ticker.Stop()
	for {
		select {
		case <-c.keepCtx.Done():
			return
		case <-ticker.C:
			c.touch()
		}
	}
}

func (c *Consumer) touch() {
	c.mu.Lock()
	tags := make([]string, 0, len(c.inflight))
	for tag := range c.inflight {
		tags = append(tags, tag)
	}
	c.mu.Unlock()
	if len(tags) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(c.keepCtx, maxPollWindow)
	defer cancel()
	err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   c.key,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  0,
			Messages: tags,
		}).Err()
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Debug("failed to refresh held deliveries", zap.Int("count", len(tags)), zap.Error(err))
	}
}

// Close stops fetching and puts back every delivery that was handed to the
// owner loop but not yet started. Deliveries already being handled stay
// pending and are redelivered if they are never acked.
func (c *Consumer) Close() {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()

		c.mu.Lock()
		c.closing = true
		var undelivered []string
		raws := make(map[string][]byte)
		for tag, d := range c.inflight {
			if !d.started {
				undelivered = append(undelivered, tag)
				raws[tag] = d.raw
				delete(c.inflight, tag)
			}
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, tag := range undelivered {
			if err := c.nack(ctx, tag, raws[tag], true); err != nil {
				c.log.Warn("could not return undelivered message", zap.String("delivery_tag", tag), zap.Error(err))
			}
		}

		c.keepCancel()
		c.keepWG.Wait()
		c.conn.Dispose()
		if c.ownsLoop {
			c.owner.Stop()
		}
	})
}

// PendingCount returns how many entries of the group are delivered but not
// yet acknowledged, across all consumers.
func (c *Consumer) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		p, err := client.XPending(ctx, c.key, c.group).Result()
		if err != nil {
			return err
		}
		n = p.Count
		return nil
	})
	return n, err
}
