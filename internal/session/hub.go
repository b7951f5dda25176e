package session

import "sync"

// Provider exposes the current principal and notifies subscribers of changes.
type Provider interface {
	Current() *Principal
	Subscribe() (<-chan Changed, func())
}

// Hub is an in-process Provider. The identity layer calls SignIn/SignOut and
// every subscriber receives a Changed event in order.
type Hub struct {
	mu      sync.Mutex
	current *Principal
	subs    map[int]chan Changed
	nextID  int
	buffer  int
}

// NewHub constructs a Hub whose subscriber channels hold up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[int]chan Changed), buffer: buffer}
}

// Current returns a copy of the signed-in principal or nil.
func (h *Hub) Current() *Principal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current.Clone()
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel.
func (h *Hub) Subscribe() (<-chan Changed, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Changed, h.buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// SignIn replaces the current principal and notifies subscribers.
func (h *Hub) SignIn(p Principal) {
	h.publish(&p)
}

// SignOut clears the current principal and notifies subscribers.
func (h *Hub) SignOut() {
	h.publish(nil)
}

func (h *Hub) publish(p *Principal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = p.Clone()
	for _, ch := range h.subs {
		evt := Changed{Principal: p.Clone()}
		select {
		case ch <- evt:
		default:
			// Drop the oldest event; only the latest session state matters.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}
