package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseMutualExclusion(t *testing.T) {
	l := NewLease()
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer should not proceed while the lease is held")
	case <-time.After(20 * time.Millisecond):
	}

	l.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer should proceed once the lease is released")
	}
}

func TestLeaseFIFOOrdering(t *testing.T) {
	l := NewLease()
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	const n = 5
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			// Stagger acquisition attempts so Go's channel wait queue orders
			// them deterministically.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			_ = l.Acquire(ctx)
			order <- i
			l.Release()
		}()
		time.Sleep(2 * time.Millisecond)
	}
	l.Release()

	var got []int
	for i := 0; i < n; i++ {
		got = append(got, <-order)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLeaseAcquireRespectsContextCancellation(t *testing.T) {
	l := NewLease()
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(cctx)
	assert.Error(t, err)
}
