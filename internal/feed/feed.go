// Package feed fans display events out to the overlay's display adapters.
package feed

import (
	"sync"
	"time"
)

type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindPhoto    Kind = "photo"
	KindStatus   Kind = "status"
)

type Event struct {
	Kind Kind      `json:"kind"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Hub delivers events to subscribers without blocking the publisher. A
// subscriber that falls behind misses events. The latest event of each kind
// is retained for late joiners.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	latest map[Kind]Event
	buffer int
	now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[chan Event]struct{}),
		latest: make(map[Kind]Event),
		buffer: 16,
		now:    time.Now,
	}
}

func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, Data: data, At: h.now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind != KindPhoto {
		h.latest[kind] = ev
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Latest returns the most recent snapshot and status events, in that order.
// Photos are not retained.
func (h *Hub) Latest() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, k := range []Kind{KindSnapshot, KindStatus} {
		if ev, ok := h.latest[k]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
