// Package dispatch runs the response dispatcher: a fixed-size worker pool
// that decodes inbound frames off the network read loop, completes the
// right pending record, and releases its send permit.
//
// Completion callbacks must never run on the network goroutine — this
// pool exists precisely to give application-supplied OnComplete handlers
// (see package future) a thread that is never also doing socket I/O.
package dispatch

import (
	"context"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/netconn"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
)

// DefaultWorkers is the default response-thread-pool size.
const DefaultWorkers = 4

// ResponseDecoder turns a raw inbound frame body into the client handle
// it answers and the decoded Response. The wire shape of a ClientResponse
// is opaque to this core, the same way the parameter set's shape is
// opaque to the invocation codec; callers supply the decoder appropriate
// to their server's response format.
type ResponseDecoder interface {
	Decode(body []byte) (handle int64, resp *result.Response, err error)
}

// Frame bundles one inbound body with the connection it arrived on.
type Frame struct {
	Conn *netconn.Conn
	Body []byte
}

// Dispatcher is the fixed-size response worker pool.
type Dispatcher struct {
	decoder  ResponseDecoder
	registry *registry.Registry
	workers  int
	frames   chan Frame

	onLateResponse       func(handle int64)
	onLateSystemResponse  func(handle int64)
	onTopologyResponse    func(body []byte, err error)
	onCatalogResponse     func(body []byte, err error)
	onUnknownMagic        func(handle int64)
}

// Options configures a Dispatcher.
type Options struct {
	Decoder              ResponseDecoder
	Registry             *registry.Registry
	Workers              int
	OnLateResponse       func(handle int64)
	OnLateSystemResponse func(handle int64)
	OnTopologyResponse   func(body []byte, err error)
	OnCatalogResponse    func(body []byte, err error)
	OnUnknownMagic       func(handle int64)
}

// New builds a Dispatcher from opts, applying the default worker count if
// unset.
func New(opts Options) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		decoder:              opts.Decoder,
		registry:             opts.Registry,
		workers:              workers,
		frames:               make(chan Frame, workers*4),
		onLateResponse:       orNoop1(opts.OnLateResponse),
		onLateSystemResponse: orNoop1(opts.OnLateSystemResponse),
		onTopologyResponse:   orNoopBodyErr(opts.OnTopologyResponse),
		onCatalogResponse:    orNoopBodyErr(opts.OnCatalogResponse),
		onUnknownMagic:       orNoop1(opts.OnUnknownMagic),
	}
}

func orNoop1(fn func(int64)) func(int64) {
	if fn != nil {
		return fn
	}
	return func(int64) {}
}

func orNoopBodyErr(fn func([]byte, error)) func([]byte, error) {
	if fn != nil {
		return fn
	}
	return func([]byte, error) {}
}

// Run starts the fixed worker pool; it returns once ctx is cancelled and
// every in-flight frame has been processed.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{}, d.workers)
	for i := 0; i < d.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			d.loop(ctx)
		}()
	}
	for i := 0; i < d.workers; i++ {
		<-done
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.frames:
			d.process(frame)
		}
	}
}

// Submit hands an inbound frame to the pool. It is meant to be called
// from a connection's read loop; Submit itself must never block on
// application code — only on channel capacity, matching the fixed queue
// depth configured in New.
func (d *Dispatcher) Submit(conn *netconn.Conn, body []byte) {
	d.frames <- Frame{Conn: conn, Body: body}
}

func (d *Dispatcher) process(frame Frame) {
	handle, resp, err := d.decoder.Decode(frame.Body)
	if err != nil {
		return
	}

	switch invocation.ClassifyHandle(handle) {
	case invocation.HandleMagicTopology:
		d.onTopologyResponse(frame.Body, nil)
	case invocation.HandleMagicCatalog:
		d.onCatalogResponse(frame.Body, nil)
	case invocation.HandleUnknownMagic:
		d.onUnknownMagic(handle)
	case invocation.HandleInternalSystem:
		d.completeNormalOrSystem(frame, handle, resp, true)
	default:
		d.completeNormalOrSystem(frame, handle, resp, false)
	}
}

func (d *Dispatcher) completeNormalOrSystem(frame Frame, handle int64, resp *result.Response, system bool) {
	rec, ok := d.registry.Remove(handle)
	if !ok {
		if system {
			d.onLateSystemResponse(handle)
		} else {
			d.onLateResponse(handle)
		}
		return
	}

	if frame.Conn != nil && resp != nil {
		success := resp.Status == result.StatusSuccess
		abort := resp.Status == result.StatusUserAbort
		frame.Conn.RecordOutcome(rec.Invocation.ProcedureName, success, abort)
	}

	rec.Complete(d.registry, resp, nil)
}
