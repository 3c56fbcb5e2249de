package dispatch_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/asyncdb/client-go/dispatch"
	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
	"github.com/stretchr/testify/require"
)

type stubConn struct{ id string }

func (s stubConn) ID() string { return s.id }

type handleCodedDecoder struct {
	handle int64
	resp   *result.Response
}

func (d handleCodedDecoder) Decode(_ []byte) (int64, *result.Response, error) {
	return d.handle, d.resp, nil
}

func TestDispatcherCompletesNormalHandle(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 10})
	inv := invocation.NewWithParams("Proc", 1, nil)
	rec, err := reg.Admit(1, inv, stubConn{"c1"}, time.Second)
	require.NoError(t, err)

	decoder := handleCodedDecoder{handle: 1, resp: &result.Response{Status: result.StatusSuccess}}
	d := dispatch.New(dispatch.Options{Decoder: decoder, Registry: reg, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	clientSide, _ := net.Pipe()
	defer clientSide.Close()
	conn := netconn.New("c1", clientSide)
	d.Submit(conn, []byte("ignored"))

	resp, waitErr := rec.Promise.Wait(context.Background())
	require.NoError(t, waitErr)
	require.Equal(t, result.StatusSuccess, resp.Status)
	cancel()
}

func TestDispatcherReportsLateResponse(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 10})
	var lateHandle int64 = -1
	decoder := handleCodedDecoder{handle: 99, resp: &result.Response{Status: result.StatusSuccess}}
	d := dispatch.New(dispatch.Options{
		Decoder:  decoder,
		Registry: reg,
		Workers:  1,
		OnLateResponse: func(h int64) {
			lateHandle = h
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(nil, []byte("ignored"))

	require.Eventually(t, func() bool { return lateHandle == 99 }, time.Second, time.Millisecond)
}

func TestDispatcherRoutesMagicTopologyHandle(t *testing.T) {
	reg := registry.New(registry.Options{HardLimit: 10})
	topologyCalled := make(chan struct{}, 1)
	decoder := handleCodedDecoder{handle: invocation.MagicTopologyHandle}
	d := dispatch.New(dispatch.Options{
		Decoder:  decoder,
		Registry: reg,
		Workers:  1,
		OnTopologyResponse: func([]byte, error) {
			topologyCalled <- struct{}{}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(nil, []byte("ignored"))

	select {
	case <-topologyCalled:
	case <-time.After(time.Second):
		t.Fatal("topology handler not invoked")
	}
}
