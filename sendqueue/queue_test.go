package sendqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/sendqueue"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ id string }

func (s stubConn) ID() string { return s.id }

func admit(t *testing.T, reg *registry.Registry, handle int64, priority int) *registry.Record {
	t.Helper()
	inv := invocation.NewWithParams("Proc", handle, nil)
	inv.Priority = priority
	rec, err := reg.Admit(handle, inv, stubConn{"c1"}, time.Second)
	require.NoError(t, err)
	return rec
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 10})
	q := sendqueue.NewQueue()

	low := admit(t, reg, 1, 8)
	high := admit(t, reg, 2, 1)
	secondHighPriority := admit(t, reg, 3, 1)

	require.True(t, q.Push(low))
	require.True(t, q.Push(high))
	require.True(t, q.Push(secondHighPriority))

	ctx := context.Background()
	first, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, high.Handle, first.Handle)

	second, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, secondHighPriority.Handle, second.Handle)

	third, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, low.Handle, third.Handle)
}

func TestQueueCloseDrainsRemaining(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 10})
	q := sendqueue.NewQueue()
	rec := admit(t, reg, 1, 1)
	require.True(t, q.Push(rec))

	remaining := q.Close()
	require.Len(t, remaining, 1)
	require.Equal(t, rec.Handle, remaining[0].Handle)

	require.False(t, q.Push(admit(t, reg, 2, 1)))
}

func TestQueuePopUnblocksOnContextCancel(t *testing.T) {
	q := sendqueue.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after context cancellation")
	}
}
