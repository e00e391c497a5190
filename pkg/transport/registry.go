package transport

import (
	"sync"

	"github.com/go-go-golems/chatbridge/pkg/chat"
)

// Handler receives one decoded inbound event.
type Handler func(chat.InboundEvent)

// handlerRegistry keeps subscribers keyed by a monotonically increasing id so
// that add and remove are O(1) and removal from inside a handler is safe.
type handlerRegistry struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[uint64]Handler
	order    []uint64
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: map[uint64]Handler{}}
}

func (r *handlerRegistry) add(h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[id] = h
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *handlerRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[id]; !ok {
		return
	}
	delete(r.handlers, id)
	// keep order from growing without traffic; dispatch compacts the rest
	if len(r.order) > 2*len(r.handlers)+8 {
		r.compactLocked()
	}
}

func (r *handlerRegistry) compactLocked() {
	live := make([]uint64, 0, len(r.handlers))
	for _, id := range r.order {
		if _, ok := r.handlers[id]; ok {
			live = append(live, id)
		}
	}
	r.order = live
}

func (r *handlerRegistry) get(id uint64) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[id]
	return h, ok
}

func (r *handlerRegistry) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) != len(r.handlers) {
		r.compactLocked()
	}
	return append([]uint64(nil), r.order...)
}

func (r *handlerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// dispatch calls every registered handler in registration order. A handler
// unsubscribed while the dispatch is running is skipped if not yet called.
func (r *handlerRegistry) dispatch(ev chat.InboundEvent) {
	for _, id := range r.snapshot() {
		h, ok := r.get(id)
		if !ok {
			continue
		}
		h(ev)
	}
}
