// Package events fans session state transitions out to SSE subscribers.
package events

import (
	"sort"
	"sync"

	"github.com/aircast-bridge/aircast/internal/models"
)

const subBufferSize = 16

// Bus is a non-blocking publish-subscribe bus for session events. Slow
// subscribers lose events instead of blocking the session engine. The last
// event per device is kept so new subscribers can start from a snapshot.
type Bus struct {
	mu   sync.Mutex
	subs map[string]chan models.SessionEvent
	last map[string]models.SessionEvent
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan models.SessionEvent),
		last: make(map[string]models.SessionEvent),
	}
}

// Subscribe registers a subscriber under id. Call Unsubscribe when done.
func (b *Bus) Subscribe(id string) <-chan models.SessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.SessionEvent, subBufferSize)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber whose channel has room.
func (b *Bus) Publish(ev models.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[ev.DeviceID] = ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot returns the latest event of every device, ordered by device ID.
func (b *Bus) Snapshot() []models.SessionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.SessionEvent, 0, len(b.last))
	for _, ev := range b.last {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
