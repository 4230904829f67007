// Package stream keeps a bounded, in-memory activity log that transports
// poll or wait on.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/models"
)

const (
	DefaultCapacity = 600
	DefaultLimit    = 100
)

// Publisher is a ring buffer of stream events with monotonic ids starting
// at 1. Readers that fall behind the ring silently lose evicted entries.
type Publisher struct {
	mu     sync.Mutex
	ring   []models.StreamEvent
	start  int // index of the oldest entry
	size   int
	lastID uint64
	notify chan struct{}
	now    func() time.Time
}

func NewPublisher(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{
		ring:   make([]models.StreamEvent, capacity),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Publish appends an event and wakes all waiters. It never blocks.
func (p *Publisher) Publish(eventType string, payload any) models.StreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastID++
	ev := models.StreamEvent{
		ID:        p.lastID,
		Type:      eventType,
		Timestamp: p.now().UnixMilli(),
		Payload:   payload,
	}

	n := len(p.ring)
	if p.size < n {
		p.ring[(p.start+p.size)%n] = ev
		p.size++
	} else {
		p.ring[p.start] = ev
		p.start = (p.start + 1) % n
	}

	close(p.notify)
	p.notify = make(chan struct{})
	return ev
}

// EventsSince returns up to limit events with id > lastID in id order.
func (p *Publisher) EventsSince(lastID uint64, limit int) []models.StreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > len(p.ring) {
		limit = len(p.ring)
	}

	out := make([]models.StreamEvent, 0)
	for i := 0; i < p.size && len(out) < limit; i++ {
		ev := p.ring[(p.start+i)%len(p.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Wait blocks until an event newer than lastID exists or ctx ends. It
// reports whether newer events are available.
func (p *Publisher) Wait(ctx context.Context, lastID uint64) bool {
	for {
		p.mu.Lock()
		if p.lastID > lastID {
			p.mu.Unlock()
			return true
		}
		ch := p.notify
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// LastID returns the id of the newest published event, or 0.
func (p *Publisher) LastID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastID
}
