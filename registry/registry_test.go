package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ id string }

func (s stubConn) ID() string { return s.id }

func TestAdmitRejectsAtHardCap(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 2})
	inv := invocation.NewWithParams("Proc", 1, nil)

	_, err := reg.Admit(1, inv, stubConn{"c1"}, time.Second)
	require.NoError(t, err)
	_, err = reg.Admit(2, inv, stubConn{"c1"}, time.Second)
	require.NoError(t, err)

	_, err = reg.Admit(3, inv, stubConn{"c1"}, time.Second)
	require.ErrorIs(t, err, result.ErrRequestLimitExceeded)
	require.Equal(t, 2, reg.Size())
}

func TestBackpressureTransitionsOnceEach(t *testing.T) {
	var events []bool
	reg := registry.New(registry.Options{
		HardLimit:    100,
		WarningLevel: 3,
		ResumeLevel:  1,
		OnBackpressure: func(on bool) {
			events = append(events, on)
		},
	})
	inv := invocation.NewWithParams("Proc", 1, nil)

	for h := int64(1); h <= 3; h++ {
		_, err := reg.Admit(h, inv, stubConn{"c1"}, time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, []bool{true}, events)

	// Draining below resume should flip it back exactly once.
	for h := int64(1); h <= 3; h++ {
		_, ok := reg.Remove(h)
		require.True(t, ok)
	}
	require.Equal(t, []bool{true, false}, events)
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 10})
	inv := invocation.NewWithParams("Proc", 1, nil)
	_, err := reg.Admit(1, inv, stubConn{"c1"}, time.Second)
	require.NoError(t, err)

	_, ok := reg.Remove(1)
	require.True(t, ok)
	_, ok = reg.Remove(1)
	require.False(t, ok)
}

func TestPermitResizeShrinkTracksShortfall(t *testing.T) {
	reg := registry.New(registry.Options{OutstandingTxnLimit: 2})
	require.True(t, reg.TryAcquirePermit())
	require.True(t, reg.TryAcquirePermit())
	require.False(t, reg.TryAcquirePermit())

	reg.Resize(0) // shrink to zero while both permits are in use

	reg.ReleasePermit()
	reg.ReleasePermit()
	// Both releases were absorbed by the shortfall; no new permit should
	// be acquirable until a grow happens.
	require.False(t, reg.TryAcquirePermit())

	reg.Resize(1)
	require.True(t, reg.TryAcquirePermit())
}

func TestRecordCompleteReleasesHeldPermit(t *testing.T) {
	reg := registry.New(registry.Options{OutstandingTxnLimit: 1})
	inv := invocation.NewWithParams("Proc", 1, nil)
	rec, err := reg.Admit(1, inv, stubConn{"c1"}, time.Second)
	require.NoError(t, err)

	require.True(t, reg.TryAcquirePermit())
	rec.HeldPermit.Store(true)

	rec.Complete(reg, &result.Response{Status: result.StatusSuccess}, nil)
	require.True(t, reg.TryAcquirePermit())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp, err := rec.Promise.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, result.StatusSuccess, resp.Status)
}
