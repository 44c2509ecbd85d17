// Package events fans discovery progress out to stream subscribers.
//
// The bus is in-process: per-connection subscriber lists under one
// mutex, buffered channels, and non-blocking sends so a stalled SSE
// client can never hold back a discovery run. A small per-connection
// ring keeps the most recent events for reconciliation reads after a
// reconnect; delivery is at-least-once for subscribers that keep up.
package events

import (
	"sync"
	"time"

	"github.com/darrentmorgan/singura-sub016/pkg/models"
)

const (
	// subscriberBuffer is each subscriber channel's capacity. A client
	// that falls more than a buffer behind starts losing events.
	subscriberBuffer = 32

	// ringCap is how many recent events are kept per connection.
	ringCap = 64
)

// Bus routes automation events to subscribers by connection ID.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]chan models.AutomationEvent
	rings map[string]*eventRing
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string][]chan models.AutomationEvent),
		rings: make(map[string]*eventRing),
	}
}

// Subscribe registers for one connection's events. The returned cancel
// func removes the subscription and closes the channel; calling it more
// than once is safe.
func (b *Bus) Subscribe(connectionID string) (<-chan models.AutomationEvent, func()) {
	ch := make(chan models.AutomationEvent, subscriberBuffer)

	b.mu.Lock()
	b.subs[connectionID] = append(b.subs[connectionID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[connectionID]
			for i, s := range subs {
				if s == ch {
					b.subs[connectionID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[connectionID]) == 0 {
				delete(b.subs, connectionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish records the event in the connection's ring and delivers it to
// every subscriber. Sends never block: publishing happens on the
// discovery hot path, so slow subscribers lose events instead of
// stalling the run. Holding the lock across ring write and fan-out
// keeps per-connection order identical for the ring and every channel.
func (b *Bus) Publish(ev models.AutomationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.rings[ev.ConnectionID]
	if ring == nil {
		ring = &eventRing{}
		b.rings[ev.ConnectionID] = ring
	}
	ring.push(ev)

	for _, ch := range b.subs[ev.ConnectionID] {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is too slow
		}
	}
}

// Recent returns the connection's most recent events, oldest first, up
// to the ring capacity. Empty when nothing was ever published.
func (b *Bus) Recent(connectionID string) []models.AutomationEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ring := b.rings[connectionID]
	if ring == nil {
		return []models.AutomationEvent{}
	}
	return ring.snapshot()
}

// ── Event ring ──────────────────────────────────────────────

type eventRing struct {
	buf  [ringCap]models.AutomationEvent
	next int
	size int
}

func (r *eventRing) push(ev models.AutomationEvent) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % ringCap
	if r.size < ringCap {
		r.size++
	}
}

func (r *eventRing) snapshot() []models.AutomationEvent {
	out := make([]models.AutomationEvent, 0, r.size)
	start := r.next - r.size
	if start < 0 {
		start += ringCap
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%ringCap])
	}
	return out
}
