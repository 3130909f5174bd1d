package llm

import (
	"context"
	"sync"
)

// slotPool bounds the number of simultaneously in-flight backend requests.
// Excess callers queue FIFO and are released in arrival order as slots free.
// A caller that acquired a slot must Release exactly once, including on
// timeout, so a timed-out call never leaks its slot.
type slotPool struct {
	mu      sync.Mutex
	active  int
	ceiling int
	waiters []chan struct{}
}

func newSlotPool(ceiling int) *slotPool {
	if ceiling < 1 {
		ceiling = 1
	}
	return &slotPool{ceiling: ceiling}
}

// Acquire blocks until a slot is available or the context is done.
func (p *slotPool) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.active < p.ceiling {
		p.active++
		p.mu.Unlock()
		return nil
	}

	waiter := make(chan struct{})
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case <-waiter:
		// Release handed us the slot; active was already incremented there.
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == waiter {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return ctx.Err()
			}
		}
		p.mu.Unlock()
		// Release already picked us: the slot is ours, give it back.
		p.release()
		return ctx.Err()
	}
}

// Release frees a slot, waking the oldest waiter if any.
func (p *slotPool) Release() {
	p.release()
}

func (p *slotPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.waiters) > 0 {
		// Hand the slot directly to the oldest waiter; active stays constant.
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		close(waiter)
		return
	}
	if p.active > 0 {
		p.active--
	}
}

// InFlight returns the number of currently held slots.
func (p *slotPool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
