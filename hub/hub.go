// Package hub fans encoded messages out to subscriber queues and keeps track
// of finished session tasks until they are joined.
//
// Purpose:
//   - Registry: Subscriber -> bounded queue, guarded by an RWMutex so the
//     upstream reader can broadcast while sessions come and go.
//   - Broadcast never blocks. A full queue drops the message for that one
//     subscriber; queued messages are never evicted or reordered.
//
// Queues are never closed by the hub. A subscriber stops reading when its own
// context ends, so a late Broadcast racing an Unregister cannot panic.
package hub

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"xaprsd/xaprs"
)

// DefaultCapacity is the per-subscriber queue depth.
const DefaultCapacity = 3

// Subscriber is anything that drains a queue obtained from Register. Its
// identity is the value itself.
type Subscriber interface {
	// Cancel asks the subscriber to stop. It must not block.
	Cancel()
	String() string
}

type queue struct {
	ch    chan *xaprs.Message
	drops atomic.Uint64
}

// Hub is the subscriber registry and broadcaster.
type Hub struct {
	capacity int

	mu   sync.RWMutex
	subs map[Subscriber]*queue

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	drops      atomic.Uint64
	dropLog    rate.Sometimes
}

func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[Subscriber]*queue),
		dropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Register creates the queue for sub and returns its receive side. Registering
// the same subscriber twice returns the existing queue.
func (h *Hub) Register(sub Subscriber) <-chan *xaprs.Message {
	h.mu.Lock()
	q, ok := h.subs[sub]
	if !ok {
		q = &queue{ch: make(chan *xaprs.Message, h.capacity)}
		h.subs[sub] = q
	}
	total := len(h.subs)
	h.mu.Unlock()
	if !ok {
		log.Printf("Registered subscriber %s (total: %d)", sub, total)
	}
	return q.ch
}

// Unregister removes sub. It is a no-op when sub is not registered.
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	q, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
	}
	total := len(h.subs)
	h.mu.Unlock()
	if ok {
		log.Printf("Unregistered subscriber %s (dropped %d, total: %d)", sub, q.drops.Load(), total)
	}
}

// Broadcast offers msg to every registered queue without blocking.
func (h *Hub) Broadcast(msg *xaprs.Message) {
	if msg == nil {
		return
	}
	h.broadcasts.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub, q := range h.subs {
		select {
		case q.ch <- msg:
			h.delivered.Add(1)
		default:
			subDrops := q.drops.Add(1)
			total := h.drops.Add(1)
			h.dropLog.Do(func() {
				log.Printf("Subscriber %s queue full, dropping %s (subscriber drops=%d total=%d)", sub, msg.ID, subDrops, total)
			})
		}
	}
}

// Subscribers returns a snapshot of the registered subscribers.
func (h *Hub) Subscribers() []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Drops is the number of per-subscriber deliveries skipped because a queue
// was full.
func (h *Hub) Drops() uint64 {
	return h.drops.Load()
}

// SubscriberDrops reports drops for one registered subscriber.
func (h *Hub) SubscriberDrops(sub Subscriber) (uint64, bool) {
	h.mu.RLock()
	q, ok := h.subs[sub]
	h.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return q.drops.Load(), true
}

func (h *Hub) Broadcasts() uint64 {
	return h.broadcasts.Load()
}

func (h *Hub) Delivered() uint64 {
	return h.delivered.Load()
}
