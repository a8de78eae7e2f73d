// Package notify fans runner request changes out to live subscribers
// (websocket streams) inside one runner-api process.
package notify

import (
	"sync"

	"github.com/BearBump/RunnerWatch/internal/models"
)

const subscriberBuffer = 8

type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan *models.RunnerRequest
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]chan *models.RunnerRequest)}
}

// Subscribe returns a channel of updates for one runner request and a func
// that unsubscribes and closes it. The func is safe to call more than once.
func (h *Hub) Subscribe(id string) (<-chan *models.RunnerRequest, func()) {
	ch := make(chan *models.RunnerRequest, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	sid := h.nextID
	if h.subs[id] == nil {
		h.subs[id] = make(map[uint64]chan *models.RunnerRequest)
	}
	h.subs[id][sid] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if m, ok := h.subs[id]; ok {
				delete(m, sid)
				if len(m) == 0 {
					delete(h.subs, id)
				}
			}
			close(ch)
		})
	}
}

// Publish never blocks: a subscriber that is behind misses the update and
// picks up the latest state on the next one.
func (h *Hub) Publish(r *models.RunnerRequest) {
	if r == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[r.ID] {
		select {
		case ch <- r:
		default:
		}
	}
}

func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}
