// Package broker keeps a Redis connection alive on behalf of one component.
//
// A Connection is a small state machine:
//
//	Connecting --attempt ok--> Connected --transport error--> Connecting
//	    any state --Dispose--> Disposed (terminal)
//
// While Connecting it retries forever at a constant interval. While Connected
// it sends a heartbeat PING and treats any transport failure as a lost
// connection. The owning component learns about transitions through its
// Session callbacks and through Notify listeners.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dyluth/swarm/internal/actor"
	"github.com/dyluth/swarm/internal/logger"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultHeartbeat     = time.Second
	defaultRetryInterval = time.Second
	defaultDialTimeout   = 5 * time.Second
)

// Session is implemented by the component that owns a Connection.
//
// Connect runs on every successful (re)connection before the state becomes
// Connected; it declares subscriptions and queues on the fresh client. An
// error aborts the attempt, which is retried. AfterConnect runs once the
// connection is Connected (a producer flushes its backlog there).
// Disconnected runs after a Connected connection is lost or disposed.
type Session interface {
	Connect(ctx context.Context, client *redis.Client) error
	AfterConnect(ctx context.Context, client *redis.Client)
	Disconnected()
}

// SessionFuncs adapts plain functions to Session. Nil fields are no-ops.
type SessionFuncs struct {
	OnConnect      func(ctx context.Context, client *redis.Client) error
	OnAfterConnect func(ctx context.Context, client *redis.Client)
	OnDisconnected func()
}

func (s SessionFuncs) Connect(ctx context.Context, client *redis.Client) error {
	if s.OnConnect == nil {
		return nil
	}
	return s.OnConnect(ctx, client)
}

func (s SessionFuncs) AfterConnect(ctx context.Context, client *redis.Client) {
	if s.OnAfterConnect != nil {
		s.OnAfterConnect(ctx, client)
	}
}

func (s SessionFuncs) Disconnected() {
	if s.OnDisconnected != nil {
		s.OnDisconnected()
	}
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger. Defaults to the "broker" process logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithName labels log lines, e.g. with the topic or queue the connection serves.
func WithName(name string) Option {
	return func(c *Connection) { c.name = name }
}

// WithHeartbeat sets the PING interval while connected.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithRetryInterval sets the constant delay between connect attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.retry = d
		}
	}
}

// Connection owns one Redis client at a time and replaces it on failure.
// All methods are safe for concurrent use.
type Connection struct {
	opts      redis.Options
	session   Session
	log       *zap.Logger
	name      string
	heartbeat time.Duration
	retry     time.Duration

	mu        sync.Mutex
	state     State
	client    *redis.Client
	changed   chan struct{} // closed and replaced on every transition
	lost      chan struct{} // signals the heartbeat loop that the client was dropped
	listeners map[int]func(bool)
	nextID    int
	attempts  int
	lastErr   error // last session setup failure that was not a transport error

	events *actor.Loop // delivers Notify callbacks in transition order
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnection starts connecting immediately and returns in state Connecting.
func NewConnection(opts *redis.Options, session Session, options ...Option) *Connection {
	if session == nil {
		session = SessionFuncs{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		opts:      *opts,
		session:   session,
		heartbeat: defaultHeartbeat,
		retry:     defaultRetryInterval,
		state:     StateConnecting,
		changed:   make(chan struct{}),
		lost:      make(chan struct{}, 1),
		listeners: make(map[int]func(bool)),
		events:    actor.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range options {
		o(c)
	}
	if c.log == nil {
		c.log = logger.Named("broker")
	}
	if c.name != "" {
		c.log = c.log.With(zap.String("conn", c.name))
	}

	c.events.Start()
	c.wg.Add(1)
	go c.run()
	return c
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the state is Connected.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Attempts returns how many connect attempts have been made so far.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Notify registers fn to be called with true on every transition to
// Connected and false on every transition away from it. Callbacks run in
// order on a goroutine owned by the connection and must not call Dispose.
func (c *Connection) Notify(fn func(connected bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Err returns the error of the last failed session setup that was not a
// transport failure, such as a server reply rejecting the setup commands. It
// is cleared by the next successful connect.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// WaitConnected blocks until the connection is Connected, ctx is done or the
// connection is disposed. If ctx ends while session setup is being rejected,
// the returned error carries the server's reason as well as ctx.Err().
func (c *Connection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, lastErr := c.state, c.changed, c.lastErr
		c.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateDisposed:
			return ErrDisposed
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last connect attempt: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-changed:
		}
	}
}

// Do runs fn with the current client. If the connection is not Connected it
// returns ErrDisconnected (or ErrDisposed) without calling fn. If fn fails
// with a transport error the connection goes back to Connecting and Do
// returns an error wrapping ErrDisconnected. Other errors are returned as is.
func (c *Connection) Do(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	c.mu.Lock()
	state, client := c.state, c.client
	c.mu.Unlock()

	switch state {
	case StateDisposed:
		return ErrDisposed
	case StateConnecting:
		return ErrDisconnected
	}

	err := fn(ctx, client)
	if err == nil {
		return nil
	}
	if c.State() == StateDisposed {
		return ErrDisposed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsTransportError(err) {
		c.drop(client, err)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}

// Fail reports a transport failure observed outside Do, for example by a
// subscription reader. It only has an effect if client is still current.
func (c *Connection) Fail(client *redis.Client, err error) {
	c.drop(client, err)
}

// Dispose closes the connection for good and waits for its goroutines.
// It is idempotent.
func (c *Connection) Dispose() {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	wasConnected := c.state == StateConnected
	client := c.client
	c.client = nil
	c.state = StateDisposed
	c.transitionLocked(false, wasConnected)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if client != nil {
		_ = client.Close()
	}
	if wasConnected {
		c.session.Disconnected()
	}
	c.events.Stop()
	c.log.Debug("connection disposed")
}

// transitionLocked wakes waiters and queues listener callbacks. c.mu must be held.
func (c *Connection) transitionLocked(connected, fire bool) {
	close(c.changed)
	c.changed = make(chan struct{})
	if !fire {
		return
	}
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.events.Post(func() {
		for _, fn := range fns {
			fn(connected)
		}
	})
}

func (c *Connection) drop(client *redis.Client, err error) {
	c.mu.Lock()
	if c.state != StateConnected || c.client != client || client == nil {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.client = nil
	c.transitionLocked(false, true)
	c.mu.Unlock()

	c.log.Warn("broker connection lost", zap.Error(err))
	_ = client.Close()
	c.session.Disconnected()

	select {
	case c.lost <- struct{}{}:
	default:
	}
}

func (c *Connection) run() {
	defer c.wg.Done()
	for {
		if err := c.connect(); err != nil {
			return
		}
		c.watch()
		if c.ctx.Err() != nil {
			return
		}
	}
}

// connect retries until an attempt succeeds or the connection is disposed.
func (c *Connection) connect() error {
	b := backoff.WithContext(backoff.NewConstantBackOff(c.retry), c.ctx)

	return backoff.RetryNotify(c.attempt, b, func(err error, d time.Duration) {
		fields := []zap.Field{zap.Int("attempt", c.Attempts()), zap.Duration("retry_in", d), zap.Error(err)}
		if IsTransportError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.log.Info("broker connect attempt failed, retrying", fields...)
			return
		}
		// The server answered but refused the setup; retrying only helps once
		// someone fixes the server side.
		c.log.Error("broker rejected session setup, retrying", fields...)
	})
}

func (c *Connection) attempt() error {
	if c.ctx.Err() != nil {
		return backoff.Permanent(c.ctx.Err())
	}

	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	opts := c.opts
	client := redis.NewClient(&opts)

	ctx, cancel := context.WithTimeout(c.ctx, defaultDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping failed: %w", err)
	}
	if err := c.session.Connect(ctx, client); err != nil {
		_ = client.Close()
		if !IsTransportError(err) && c.ctx.Err() == nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
		}
		return fmt.Errorf("session setup failed: %w", err)
	}

	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		_ = client.Close()
		return backoff.Permanent(ErrDisposed)
	}
	c.state = StateConnected
	c.client = client
	c.lastErr = nil
	c.transitionLocked(true, true)
	attempts := c.attempts
	c.mu.Unlock()

	// A lost signal from a previous client is stale now.
	select {
	case <-c.lost:
	default:
	}

	c.log.Info("broker connected", zap.String("addr", c.opts.Addr), zap.Int("attempt", attempts))
	c.session.AfterConnect(c.ctx, client)
	return nil
}

// watch sends heartbeats until the connection is lost or disposed.
func (c *Connection) watch() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.lost:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.heartbeat+defaultDialTimeout)
			err := c.Do(ctx, func(ctx context.Context, client *redis.Client) error {
				return client.Ping(ctx).Err()
			})
			cancel()
			if errors.Is(err, ErrDisconnected) {
				return
			}
			if errors.Is(err, ErrDisposed) {
				return
			}
		}
	}
}
