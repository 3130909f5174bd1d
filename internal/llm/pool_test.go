package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPoolCeiling(t *testing.T) {
	p := newSlotPool(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Acquire(ctx))
	}
	assert.Equal(t, 3, p.InFlight())

	// The fourth caller must block until someone releases.
	acquired := make(chan struct{})
	go func() {
		_ = p.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired beyond the ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was never released")
	}
	assert.Equal(t, 3, p.InFlight())
}

func TestSlotPoolFIFOOrder(t *testing.T) {
	p := newSlotPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = p.Acquire(ctx)
			order <- i
			p.Release()
		}()
		// Serialize arrival so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	p.Release()
	wg.Wait()
	close(order)

	got := make([]int, 0, waiters)
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestSlotPoolCancelledWaiterRemoved(t *testing.T) {
	p := newSlotPool(1)
	require.NoError(t, p.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// The slot still releases cleanly with no stuck waiters.
	p.Release()
	assert.Equal(t, 0, p.InFlight())
	require.NoError(t, p.Acquire(context.Background()))
	p.Release()
}

func TestSlotPoolReleaseHandsSlotExactlyOnce(t *testing.T) {
	p := newSlotPool(2)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))
	require.NoError(t, p.Acquire(ctx))

	released := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = p.Acquire(ctx)
			released <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	p.Release()
	<-released
	select {
	case <-released:
		t.Fatal("one release woke two waiters")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release()
	<-released
	assert.Equal(t, 2, p.InFlight())
}
