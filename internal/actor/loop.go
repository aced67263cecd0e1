// Package actor provides the single-threaded execution context that owns a
// component's mutable state.
//
// Background goroutines (subscription reads, stream reads, tickers) never touch
// component state directly. They Post closures into the owner's Loop, which runs
// them one at a time in the order they were posted.
package actor

import (
	"sync"
)

// Loop is an unbounded FIFO of closures drained by exactly one goroutine.
// Posting never blocks, so work running inside the loop may post more work.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	started bool
	done    chan struct{}
}

// New creates an idle loop. Call Start or Run to begin draining it.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post enqueues fn. It returns false if the loop has been stopped, in which
// case fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	if l.markStarted() {
		go l.run()
	}
}

// Run drains the loop on the calling goroutine until Stop is called.
func (l *Loop) Run() {
	if l.markStarted() {
		l.run()
		return
	}
	<-l.done
}

func (l *Loop) markStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return false
	}
	l.started = true
	return true
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Stop refuses further posts, lets already queued work run, and waits for the
// loop to exit. Stop must not be called from inside the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	started := l.started
	l.started = true
	l.cond.Broadcast()
	l.mu.Unlock()

	if !started {
		// Never started: drain here so queued work still runs.
		l.run()
		return
	}
	<-l.done
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Call posts fn and waits for it to complete. It returns false if the loop
// was stopped before fn could be queued.
func (l *Loop) Call(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}
