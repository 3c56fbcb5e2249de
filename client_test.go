package dbclient_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/result"
	"github.com/stretchr/testify/require"

	dbclient "github.com/asyncdb/client-go"
)

// fakeServer accepts a single connection and answers every inbound
// invocation frame with whatever responder returns, matching the wire
// layout documented in responsecodec.go so the send->dispatch round trip
// exercises the real codecs without a live cluster.
type fakeServer struct {
	ln net.Listener
}

func newFakeServer(t *testing.T, responder func(procedure string, handle int64) (status byte, results []byte)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fakeServer{ln: ln}
	go srv.acceptLoop(t, responder)
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) acceptLoop(t *testing.T, responder func(string, int64) (byte, []byte)) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(t, conn, responder)
	}
}

func (s *fakeServer) serve(t *testing.T, conn net.Conn, responder func(string, int64) (byte, []byte)) {
	defer conn.Close()
	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, lengthBuf); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lengthBuf)
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		inv, err := invocation.ReadFrom(body, nil)
		if err != nil {
			continue
		}
		status, results := responder(inv.ProcedureName, inv.ClientHandle)
		if status == 0xFF {
			continue // responder asked us to swallow this call (simulate a dropped reply)
		}
		frame := encodeTestResponse(inv.ClientHandle, status, results)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// encodeTestResponse builds a response frame matching binaryResponseDecoder's
// documented layout: length prefix, handle, status, status string, app
// status, app status string, results.
func encodeTestResponse(handle int64, status byte, results []byte) []byte {
	body := make([]byte, 0, 8+1+2+1+2+4+len(results))
	handleBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(handleBuf, uint64(handle)) //nolint:gosec
	body = append(body, handleBuf...)
	body = append(body, status)
	body = append(body, 0, 0) // empty status string
	body = append(body, 0)    // app status
	body = append(body, 0, 0) // empty app status string
	resultsLen := make([]byte, 4)
	binary.BigEndian.PutUint32(resultsLen, uint32(len(results)))
	body = append(body, resultsLen...)
	body = append(body, results...)

	framed := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(framed, uint32(len(body)))
	copy(framed[4:], body)
	return framed
}

func alwaysSucceed(string, int64) (byte, []byte) {
	return byte(result.StatusSuccess), nil
}

func TestCallRoundTripSucceeds(t *testing.T) {
	srv := newFakeServer(t, alwaysSucceed)
	client, err := dbclient.NewClient([]string{srv.addr()})
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, "EchoProc", []any{"hello"})
	require.NoError(t, err)
	require.Equal(t, result.StatusSuccess, resp.Status)
}

func TestCallAsyncFutureResolves(t *testing.T) {
	srv := newFakeServer(t, alwaysSucceed)
	client, err := dbclient.NewClient([]string{srv.addr()})
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	future := client.CallAsync(ctx, "Insert", []any{int64(1)})
	require.False(t, future.Done())

	resp, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, result.StatusSuccess, resp.Status)
	require.True(t, future.Done())
}

func TestCallReturnsProcedureCallErrorOnAbort(t *testing.T) {
	const abortProc = "AbortingProc"
	responder := func(procedure string, handle int64) (byte, []byte) {
		if procedure == abortProc {
			return byte(result.StatusUserAbort), nil
		}
		return byte(result.StatusSuccess), nil
	}
	srv := newFakeServer(t, responder)
	client, err := dbclient.NewClient([]string{srv.addr()})
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, abortProc, nil)
	require.Error(t, err)
	var callErr *result.ProcedureCallError
	require.True(t, errors.As(err, &callErr))
	require.Equal(t, result.StatusUserAbort, resp.Status)
}

func TestCallSystemAnyWithNoConnectionsFails(t *testing.T) {
	client, err := dbclient.NewClient(nil, dbclient.WithoutConnectionManagement())
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err = client.CallSystemAny(ctx, "@Statistics", []any{"TOPO"})
	require.ErrorIs(t, err, result.ErrNoConnections)
}

func TestCallAsyncAfterCloseFails(t *testing.T) {
	client, err := dbclient.NewClient(nil, dbclient.WithoutConnectionManagement())
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = client.CallAsync(ctx, "AnyProc", nil).Wait(ctx)
	require.ErrorIs(t, err, result.ErrNotSent)
}
