// Package broadcast implements fanout topics over Redis Pub/Sub.
//
// Every Channel has a private subscription to its topic, recreated on each
// reconnect. Deliveries are non-persistent: a subscriber that is disconnected
// when a message is published never sees it.
//
// # Dispatch
//
// Received messages are decoded and posted to the owner loop, where they run
// through the hook chain. Hooks are tried in registration order and the FIRST
// hook whose kind equals the message kind handles it; later hooks for the same
// kind never see that message. Messages with no matching hook are dropped.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/pkg/wire"
)

// Token identifies a registered hook.
type Token int

type hook struct {
	token Token
	kind  string
	fn    func(wire.Message)
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. Defaults to the "broadcast" process logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithRegistry decodes with r instead of wire.Default.
func WithRegistry(r *wire.Registry) Option {
	return func(c *Channel) { c.registry = r }
}

// WithConnectionOptions passes options to the underlying broker connection.
func WithConnectionOptions(opts ...broker.Option) Option {
	return func(c *Channel) { c.connOpts = append(c.connOpts, opts...) }
}

// Channel is one broadcast topic with its own broker connection.
type Channel struct {
	topic    string
	owner    *actor.Loop
	ownsLoop bool
	registry *wire.Registry
	log      *zap.Logger
	connOpts []broker.Option
	conn     *broker.Connection

	mu        sync.Mutex
	hooks     []hook
	nextToken Token
	sub       *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New subscribes to topic. Hooks run on owner; if owner is nil the channel
// runs its own loop.
func New(opts *redis.Options, topic string, owner *actor.Loop, options ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		topic:    topic,
		owner:    owner,
		registry: wire.Default,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range options {
		o(c)
	}
	if c.log == nil {
		c.log = logger.Named("broadcast")
	}
	c.log = c.log.With(zap.String("topic", topic))
	if c.owner == nil {
		c.owner = actor.New()
		c.owner.Start()
		c.ownsLoop = true
	}

	connOpts := append([]broker.Option{broker.WithLogger(c.log), broker.WithName(topic)}, c.connOpts...)
	c.conn = broker.NewConnection(opts, c, connOpts...)
	return c
}

// Topic returns the topic name.
func (c *Channel) Topic() string {
	return c.topic
}

// Connection exposes the underlying connection for health reporting and waits.
func (c *Channel) Connection() *broker.Connection {
	return c.conn
}

// WaitConnected blocks until the subscription is live.
func (c *Channel) WaitConnected(ctx context.Context) error {
	return c.conn.WaitConnected(ctx)
}

// On appends a hook for messages of the given kind.
func (c *Channel) On(kind string, fn func(wire.Message)) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	c.hooks = append(c.hooks, hook{token: c.nextToken, kind: kind, fn: fn})
	return c.nextToken
}

// Hook registers a typed hook. T must be a pointer message type such as
// *wire.TrainNotification.
func Hook[T wire.Message](c *Channel, fn func(T)) Token {
	var zero T
	return c.On(zero.Kind(), func(m wire.Message) {
		if typed, ok := m.(T); ok {
			fn(typed)
		}
	})
}

// Unhook removes a hook. Unknown tokens are ignored.
func (c *Channel) Unhook(token Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.hooks {
		if h.token == token {
			c.hooks = append(c.hooks[:i:i], c.hooks[i+1:]...)
			return
		}
	}
}

// dispatch runs on the owner loop.
func (c *Channel) dispatch(msg wire.Message) {
	kind := msg.Kind()

	c.mu.Lock()
	var fn func(wire.Message)
	for _, h := range c.hooks {
		if h.kind == kind {
			fn = h.fn
			break
		}
	}
	c.mu.Unlock()

	if fn == nil {
		c.log.Debug("no hook for message", zap.String("kind", kind))
		return
	}
	fn(msg)
}

// Send publishes msg to every current subscriber. Delivery is fire-and-forget:
// if the connection is down the message is logged and dropped, and the
// returned error wraps broker.ErrDisconnected.
func (c *Channel) Send(ctx context.Context, msg wire.Message) error {
	data, err := c.registry.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}

	err = c.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Publish(ctx, c.topic, data).Err()
	})
	if errors.Is(err, broker.ErrDisconnected) || errors.Is(err, broker.ErrDisposed) {
		c.log.Warn("broadcast dropped, broker unavailable", zap.String("kind", msg.Kind()), zap.Error(err))
	}
	return err
}

// Close stops receiving, waits for the reader and then releases the
// connection.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.cancel()
		c.mu.Unlock()
		c.closeSubscription()
		c.wg.Wait()
		c.conn.Dispose()
		if c.ownsLoop {
			c.owner.Stop()
		}
	})
}

// Connect implements broker.Session: a fresh subscription per connection.
func (c *Channel) Connect(ctx context.Context, client *redis.Client) error {
	pubsub := client.Subscribe(ctx, c.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = pubsub.Close()
		return c.ctx.Err()
	}
	old := c.sub
	c.sub = pubsub
	c.wg.Add(1)
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go c.read(client, pubsub)
	return nil
}

// AfterConnect implements broker.Session.
func (c *Channel) AfterConnect(ctx context.Context, client *redis.Client) {
	c.log.Debug("subscribed")
}

// Disconnected implements broker.Session.
func (c *Channel) Disconnected() {
	c.closeSubscription()
}

func (c *Channel) closeSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

func (c *Channel) read(client *redis.Client, pubsub *redis.PubSub) {
	defer c.wg.Done()

	for {
		m, err := pubsub.ReceiveMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			current := c.sub == pubsub
			c.mu.Unlock()
			if current {
				c.conn.Fail(client, err)
			}
			return
		}

		msg := c.registry.Decode([]byte(m.Payload))
		if u, ok := msg.(*wire.Unknown); ok {
			c.log.Warn("undecodable broadcast",
				zap.String("reason", u.Reason),
				zap.String("payload", logger.Truncate(u.Raw, 256)))
		}
		if !c.owner.Post(func() { c.dispatch(msg) }) {
			return
		}
	}
}
