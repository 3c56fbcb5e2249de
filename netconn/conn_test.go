package netconn_test

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/asyncdb/client-go/netconn"
	"github.com/stretchr/testify/require"
)

func TestBackpressureAwaitClearanceUnblocksOnOff(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := netconn.New("host-1", clientSide)
	c.SetBackpressure(true)

	var wg sync.WaitGroup
	wg.Add(1)
	var cleared bool
	go func() {
		defer wg.Done()
		cleared = c.AwaitClearance(context.Background(), time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	c.SetBackpressure(false)
	wg.Wait()
	require.True(t, cleared)
}

func TestAwaitClearanceTimesOut(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := netconn.New("host-1", clientSide)
	c.SetBackpressure(true)

	cleared := c.AwaitClearance(context.Background(), 20*time.Millisecond)
	require.False(t, cleared)
}

func TestReadLoopDispatchesFrames(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := netconn.New("host-1", clientSide)
	received := make(chan []byte, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = c.ReadLoop(ctx, func(_ *netconn.Conn, body []byte) {
			received <- body
		})
	}()

	payload := []byte("hello")
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(payload)))
	go func() {
		_, _ = serverSide.Write(lengthBuf)
		_, _ = serverSide.Write(payload)
	}()

	select {
	case body := <-received:
		require.Equal(t, payload, body)
	case <-time.After(time.Second):
		t.Fatal("frame not dispatched")
	}
	require.True(t, c.SinceLastResponse() < time.Second)
}

func TestRecordOutcomeAccumulatesStats(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	c := netconn.New("host-1", clientSide)
	c.RecordOutcome("Proc", true, false)
	c.RecordOutcome("Proc", false, false)
	c.RecordOutcome("Proc", false, true)

	stats := c.Stats()["Proc"]
	require.EqualValues(t, 3, stats.Invocations)
	require.EqualValues(t, 1, stats.Successes)
	require.EqualValues(t, 1, stats.Failures)
	require.EqualValues(t, 1, stats.Aborts)
}
