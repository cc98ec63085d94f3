package session

import (
	"sync"

	"github.com/MrWong99/voxrelay/internal/protocol"
)

// outbox is an unbounded FIFO of outbound messages with a single consumer.
// Producers never block. When maxRealtime is positive, at most that many
// realtime updates wait in the queue; a newer update supersedes the oldest
// queued one.
type outbox struct {
	mu          sync.Mutex
	queue       []protocol.Message
	realtime    int
	maxRealtime int
	closed      bool

	notify chan struct{}
}

func newOutbox(maxRealtime int) *outbox {
	return &outbox{
		maxRealtime: maxRealtime,
		notify:      make(chan struct{}, 1),
	}
}

// push appends m. It reports false if the outbox is closed, and returns the
// realtime update m superseded, if any.
func (o *outbox) push(m protocol.Message) (ok bool, superseded *protocol.Message) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, nil
	}
	if m.Type == protocol.TypeRealtime {
		if o.maxRealtime > 0 && o.realtime >= o.maxRealtime {
			superseded = o.removeOldestRealtime()
		}
		o.realtime++
	}
	o.queue = append(o.queue, m)
	o.mu.Unlock()

	o.wake()
	return true, superseded
}

func (o *outbox) removeOldestRealtime() *protocol.Message {
	for i, m := range o.queue {
		if m.Type == protocol.TypeRealtime {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.realtime--
			return &m
		}
	}
	return nil
}

// pop blocks until a message is available or the outbox is closed and
// drained.
func (o *outbox) pop() (protocol.Message, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			m := o.queue[0]
			o.queue[0] = protocol.Message{}
			o.queue = o.queue[1:]
			if m.Type == protocol.TypeRealtime {
				o.realtime--
			}
			o.mu.Unlock()
			return m, true
		}
		if o.closed {
			o.mu.Unlock()
			return protocol.Message{}, false
		}
		o.mu.Unlock()
		<-o.notify
	}
}

// close stops accepting messages. Queued messages can still be popped.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wake()
}

// len returns the number of queued messages.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
