// Package realtime is the push feed for newly persisted messages. The Hub
// fans every insert out to all live subscriptions with at-least-once,
// per-subscriber-ordered delivery. The hub performs no deduplication:
// the same logical event may be needed by several independent consumers
// (an open session, the unread ledger, an SSE stream) with different
// reactions, so dedupe is the receiver's responsibility.
package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"parley/pkg/logger"
	"parley/pkg/models"
	"parley/pkg/telemetry"
)

// maxPooledBuffer controls the largest payload buffer returned to the
// pool; larger ones are dropped so resident memory stays bounded.
const maxPooledBuffer = 256 * 1024

// Event wraps one message insert. The payload is the persisted JSON
// encoding backed by a pooled buffer owned by exactly one consumer; call
// Done() exactly once after processing.
type Event struct {
	Message models.Message

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Payload returns the JSON encoding of the message. Valid until Done.
func (e *Event) Payload() []byte {
	if e.buf == nil {
		return nil
	}
	return e.buf.B
}

// Done releases the pooled payload buffer.
func (e *Event) Done() {
	e.once.Do(func() {
		if e.buf != nil {
			if cap(e.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(e.buf)
			}
			e.buf = nil
		}
	})
}

// Subscription is a live handle on the feed. Close releases it; failing
// to do so leaks the drain goroutine and keeps delivering to a dead
// handler.
type Subscription struct {
	id      uint64
	ch      chan *Event
	done    chan struct{}
	hub     *Hub
	dropped uint64
	once    sync.Once
}

// Close detaches the subscription from the hub and stops delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.done)
	})
}

// Dropped returns how many events were discarded because this
// subscriber's queue was full.
func (s *Subscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Hub fans message inserts out to subscribers. Safe for concurrent
// publishers and subscribers.
type Hub struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	capacity int
	closed   bool
}

// NewHub creates a Hub whose per-subscriber queues hold capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Hub{subs: make(map[uint64]*Subscription), capacity: capacity}
}

// Subscribe registers fn for every subsequent insert. fn runs on a
// dedicated goroutine in publish order for this subscription; the event
// is released after fn returns.
func (h *Hub) Subscribe(fn func(*Event)) *Subscription {
	h.mu.Lock()
	h.nextID++
	s := &Subscription{
		id:   h.nextID,
		ch:   make(chan *Event, h.capacity),
		done: make(chan struct{}),
		hub:  h,
	}
	if !h.closed {
		h.subs[s.id] = s
	}
	h.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-s.ch:
				fn(ev)
				ev.Done()
			case <-s.done:
				// release anything still queued, then exit
				for {
					select {
					case ev := <-s.ch:
						ev.Done()
					default:
						return
					}
				}
			}
		}
	}()
	return s
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Publish delivers m to every live subscription. Never blocks: a full
// subscriber queue drops the event for that subscriber only.
func (h *Hub) Publish(m models.Message) {
	data, err := json.Marshal(m)
	if err != nil {
		logger.Error("publish_marshal_failed", "msg_id", m.ID, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		buf := bytebufferpool.Get()
		_, _ = buf.Write(data)
		ev := &Event{Message: m, buf: buf}
		select {
		case <-s.done:
			ev.Done()
		case s.ch <- ev:
			telemetry.RealtimeDelivered.Inc()
		default:
			atomic.AddUint64(&s.dropped, 1)
			telemetry.RealtimeDropped.Inc()
			logger.Warn("realtime_subscriber_lagging", "sub", s.id, "msg_id", m.ID)
			ev.Done()
		}
	}
}

// Close detaches all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
