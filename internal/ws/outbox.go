package ws

import (
	"sync"

	"github.com/coedit/hub/internal/protocol"
)

// DefaultOutboxCapacity bounds the frames queued toward one client.
const DefaultOutboxCapacity = 256

// outbox is the bounded frame queue between a room actor and one connection.
// Push never blocks: transient presence frames are shed under pressure, and a
// false return for anything else means the client cannot keep up.
type outbox struct {
	mu       sync.Mutex
	frames   []*protocol.Frame
	capacity int
	dropped  int
	final    *protocol.Frame
	closed   bool
	notify   chan struct{}
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &outbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push queues a frame. Returns false only when a non-evictable frame cannot
// fit even after shedding transient entries.
func (o *outbox) push(frame *protocol.Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.final != nil {
		// Draining toward close; everything else is moot.
		return true
	}

	if len(o.frames) < o.capacity {
		o.frames = append(o.frames, frame)
		o.signal()
		return true
	}

	// Full: shed the oldest queued transient so the newest state wins.
	for i, queued := range o.frames {
		if protocol.Transient(queued.Type) {
			copy(o.frames[i:], o.frames[i+1:])
			o.frames[len(o.frames)-1] = frame
			o.dropped++
			o.signal()
			return true
		}
	}

	// Nothing evictable. A transient newcomer is shed; anything else means
	// the client cannot keep up.
	if protocol.Transient(frame.Type) {
		o.dropped++
		return true
	}
	return false
}

// pushFinal queues the last frame before close. It always fits; the writer
// stops after delivering it.
func (o *outbox) pushFinal(frame *protocol.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.final != nil {
		return
	}
	o.final = frame
	o.signal()
}

// pop dequeues the next frame. closing reports that this is the final frame
// and the writer should shut the connection after sending it.
func (o *outbox) pop() (frame *protocol.Frame, closing, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.frames) > 0 {
		frame = o.frames[0]
		o.frames[0] = nil
		o.frames = o.frames[1:]
		return frame, false, true
	}
	if o.final != nil {
		frame = o.final
		o.final = nil
		o.closed = true
		return frame, true, true
	}
	return nil, o.closed, false
}

// takeDropped returns and resets the shed-frame count since the last call.
func (o *outbox) takeDropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.dropped
	o.dropped = 0
	return n
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.final = nil
	o.frames = nil
	o.signal()
}

func (o *outbox) wait() <-chan struct{} { return o.notify }

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
