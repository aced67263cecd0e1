// Package queue implements competing-consumer work queues on Redis Streams.
//
// A queue is the stream swarm:{ns}:queue:{name}. Each entry is delivered to
// exactly one consumer of the queue's consumer group and stays in the group's
// pending list until it is acknowledged. Entries pending on a consumer that
// stopped acknowledging (crashed, partitioned) are claimed by live consumers
// once they have been idle for the reclaim period, so work is delivered at
// least once.
//
// Producers buffer messages in order while disconnected and flush the backlog
// before sending anything new once the broker is back.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/broker"
	"github.com/dyluth/swarm/pkg/wire"
)

var (
	// ErrTimeout is returned by Receive when nothing arrived in time.
	ErrTimeout = errors.New("queue receive timed out")

	// ErrBacklogFull is returned by Send when the disconnected backlog is at capacity.
	ErrBacklogFull = errors.New("queue backlog full")

	// ErrClosed is returned by operations on a closed producer or consumer.
	ErrClosed = errors.New("queue closed")

	// ErrNoDeliveryTag is returned when acking a message that did not come from a queue.
	ErrNoDeliveryTag = errors.New("message has no delivery tag")
)

// Persistence is fixed when a queue is created.
type Persistence int

const (
	// Durable queues survive broker restarts (with Redis persistence enabled)
	// and never expire.
	Durable Persistence = iota

	// Transient queues expire once nobody has sent to them for the TTL.
	Transient
)

func (p Persistence) String() string {
	if p == Transient {
		return "transient"
	}
	return "durable"
}

// payloadField is the stream entry field holding the encoded envelope.
const payloadField = "m"

const (
	defaultMaxBacklog      = 10000
	defaultPrefetch        = 1
	defaultReclaimIdle     = 30 * time.Second
	defaultReclaimInterval = 5 * time.Second
	defaultTransientTTL    = 10 * time.Minute
	maxPollWindow          = time.Second
)

type options struct {
	log             *zap.Logger
	registry        *wire.Registry
	connOpts        []broker.Option
	persistence     Persistence
	maxBacklog      int
	prefetch        int
	reclaimIdle     time.Duration
	reclaimInterval time.Duration
	transientTTL    time.Duration
	owner           *actor.Loop
}

func defaultOptions() options {
	return options{
		registry:        wire.Default,
		persistence:     Durable,
		maxBacklog:      defaultMaxBacklog,
		prefetch:        defaultPrefetch,
		reclaimIdle:     defaultReclaimIdle,
		reclaimInterval: defaultReclaimInterval,
		transientTTL:    defaultTransientTTL,
	}
}

// Option configures a Producer or Consumer.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithRegistry(r *wire.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithConnectionOptions passes options to the underlying broker connection.
func WithConnectionOptions(opts ...broker.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithPersistence declares the queue durable or transient. Consumers use it
// when they create the stream before any producer has.
func WithPersistence(p Persistence) Option {
	return func(o *options) { o.persistence = p }
}

// WithMaxBacklog bounds the producer's disconnected backlog.
func WithMaxBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBacklog = n
		}
	}
}

// WithPrefetch bounds how many unacknowledged deliveries a consumer holds.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithReclaim sets how long an entry must sit unacknowledged before another
// consumer may take it, and how often consumers look for such entries.
func WithReclaim(idle, interval time.Duration) Option {
	return func(o *options) {
		if idle > 0 {
			o.reclaimIdle = idle
		}
		if interval > 0 {
			o.reclaimInterval = interval
		}
	}
}

// WithTransientTTL sets the expiry refreshed on every send to a transient queue.
func WithTransientTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.transientTTL = d
		}
	}
}

// WithOwner runs consumer handlers on an existing loop instead of a private one.
func WithOwner(l *actor.Loop) Option {
	return func(o *options) { o.owner = l }
}

// declareGroup creates the stream and consumer group if needed.
func declareGroup(ctx context.Context, client *redis.Client, key, group string, o options) error {
	err := client.XGroupCreateMkStream(ctx, key, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	if o.persistence == Transient {
		return client.PExpire(ctx, key, o.transientTTL).Err()
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
