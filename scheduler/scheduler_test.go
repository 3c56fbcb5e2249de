package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/asyncdb/client-go/internal/clocktest"
	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
	"github.com/asyncdb/client-go/scheduler"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ id string }

func (s stubConn) ID() string { return s.id }

func TestTimeoutScanCompletesExpiredRecords(t *testing.T) {
	fake := clocktest.New()
	reg := registry.New(registry.Options{HardLimit: 10})
	sched := scheduler.New(scheduler.Options{
		Clock:                     fake,
		Registry:                  reg,
		ConnectionResponseTimeout: time.Minute,
	})

	inv := invocation.NewWithParams("Proc", 1, nil)
	rec, err := reg.Admit(1, inv, stubConn{"c1"}, 5*time.Second)
	require.NoError(t, err)
	// The scheduler measures elapsed time on its own (fake) clock.
	rec.Start = fake.Now()

	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	defer cancel()
	require.NoError(t, fake.BlockUntilContext(ctx, 1)) // Run's ticker is registered

	fake.Advance(6 * time.Second)
	fake.Advance(time.Second) // tick

	require.Eventually(t, func() bool {
		return rec.Promise.Done()
	}, time.Second, time.Millisecond)

	resp, completeErr := rec.Promise.Wait(context.Background())
	require.Nil(t, resp)
	require.ErrorIs(t, completeErr, result.ErrResponseTimeout)
}

func TestIsLongOpExemptsKnownSystemProcedures(t *testing.T) {
	require.True(t, scheduler.IsLongOp("@UpdateApplicationCatalog"))
	require.True(t, scheduler.IsLongOp("@SnapshotSave"))
	require.False(t, scheduler.IsLongOp("@Ping"))
	require.False(t, scheduler.IsLongOp("ArbitraryDurationProc"))
}

func TestScheduleOnceFiresAfterAdvance(t *testing.T) {
	fake := clocktest.New()
	reg := registry.New(registry.Options{HardLimit: 10})
	sched := scheduler.New(scheduler.Options{Clock: fake, Registry: reg})

	fired := make(chan struct{}, 1)
	sched.ScheduleOnce(time.Second, func() { fired <- struct{}{} })

	fake.Advance(time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot task did not fire")
	}
}
