package node

import (
	"sync"

	"github.com/dyluth/swarm/pkg/wire"
)

const seenIDs = 1024

// inbox queues control signals in arrival order. A signal that arrives twice
// under the same envelope ID, as happens when a handoff forwards signals the
// replacement also saw directly, is kept once.
type inbox struct {
	mu     sync.Mutex
	queue  []wire.Message
	seen   map[string]struct{}
	order  []string
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// push appends msg unless its ID was already seen. It reports whether msg
// was queued.
func (b *inbox) push(msg wire.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id := msg.Meta().ID; id != "" {
		if _, dup := b.seen[id]; dup {
			return false
		}
		b.seen[id] = struct{}{}
		b.order = append(b.order, id)
		if len(b.order) > seenIDs {
			delete(b.seen, b.order[0])
			b.order = b.order[1:]
		}
	}

	b.queue = append(b.queue, msg)
	b.signal()
	return true
}

// requeue puts messages back at the front, keeping their order.
func (b *inbox) requeue(msgs []wire.Message) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(append([]wire.Message(nil), msgs...), b.queue...)
	b.signal()
}

func (b *inbox) pop() (wire.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	msg := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	if len(b.queue) > 0 {
		b.signal()
	}
	return msg, true
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// ready fires when the inbox may hold messages.
func (b *inbox) ready() <-chan struct{} {
	return b.notify
}

func (b *inbox) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
