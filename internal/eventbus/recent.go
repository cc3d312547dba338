package eventbus

import (
	"context"
	"sync"
)

// Recent keeps the last N events seen on a bus.
type Recent struct {
	mu   sync.Mutex
	size int
	buf  []Event
}

func NewRecent(size int) *Recent {
	if size <= 0 {
		size = 50
	}
	return &Recent{size: size}
}

// Run consumes bus events until ctx is done.
func (r *Recent) Run(ctx context.Context, bus Bus) {
	ch, unsub := bus.Subscribe(max(r.size, 64))
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.add(e)
		}
	}
}

func (r *Recent) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, e)
	if over := len(r.buf) - r.size; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
}

// List returns events newest first.
func (r *Recent) List() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.buf))
	for i, e := range r.buf {
		out[len(r.buf)-1-i] = e
	}
	return out
}
