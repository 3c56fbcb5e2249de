// Package registry implements the pending-request table: the map from
// in-flight call handles to their records, the hard-cap admission check,
// and the two-tier backpressure transition (request backpressure and the
// send-permit semaphore).
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncdb/client-go/future"
	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/result"
	"golang.org/x/sync/semaphore"
)

// ConnRef is the minimal view of a connection the registry needs: just
// enough to let the timeout scheduler and connection-teardown path find
// every record bound to a given endpoint, without the registry package
// depending on netconn.
type ConnRef interface {
	ID() string
}

// Record is created when a call is admitted and destroyed by exactly one
// of {response arrival, timeout, connection loss, local serialization
// failure}. Completion is idempotent: only the goroutine that removes the
// handle from the registry may complete the promise.
type Record struct {
	Handle     int64
	Sequence   uint64
	Invocation *invocation.Invocation
	Promise    *future.Promise
	Start      time.Time
	Timeout    time.Duration
	Conn       ConnRef

	// HeldPermit is true once the send pipeline has acquired a global send
	// permit for this record; it is used to decide whether a terminal
	// outcome must release one.
	HeldPermit atomic.Bool
}

// Complete fulfills the record's promise and, if a send permit was held,
// releases it through reg. It is safe to call from at most the one
// goroutine that won the Remove race for this handle.
func (rec *Record) Complete(reg *Registry, resp *result.Response, err error) bool {
	won := rec.Promise.Complete(resp, err)
	if won && rec.HeldPermit.Swap(false) {
		reg.ReleasePermit()
	}
	return won
}

// Default limits, matching the source's defaults.
const (
	DefaultHardLimit            = 1000
	DefaultOutstandingTxnLimit  = 100
)

// Registry tracks in-flight records and the two backpressure signals
// described in the concurrency model: the request-backpressure on/off
// transition and the send-permit counting semaphore.
type Registry struct {
	hardLimit int
	warning   int
	resume    int

	onBackpressure func(bool)

	mu              sync.Mutex
	records         map[int64]*Record
	backpressureOn  bool
	nextSequence    uint64

	permits      *semaphore.Weighted
	permitMu     sync.Mutex
	permitLimit  int64
	permitShortfall int64 // owed back to the pool after a shrink (see Resize)
}

// Options configures a new Registry. A non-positive HardLimit or
// OutstandingTxnLimit falls back to its default; a non-positive
// WarningLevel disables backpressure notifications.
type Options struct {
	HardLimit               int
	WarningLevel             int
	ResumeLevel              int
	OutstandingTxnLimit      int
	OnBackpressure           func(bool)
}

// New builds a Registry from opts, applying defaults for zero fields.
func New(opts Options) *Registry {
	if opts.HardLimit <= 0 {
		opts.HardLimit = DefaultHardLimit
	}
	if opts.OutstandingTxnLimit <= 0 {
		opts.OutstandingTxnLimit = DefaultOutstandingTxnLimit
	}
	if opts.OnBackpressure == nil {
		opts.OnBackpressure = func(bool) {}
	}
	return &Registry{
		hardLimit:      opts.HardLimit,
		warning:        opts.WarningLevel,
		resume:         opts.ResumeLevel,
		onBackpressure: opts.OnBackpressure,
		records:        make(map[int64]*Record),
		permits:        semaphore.NewWeighted(int64(opts.OutstandingTxnLimit)),
		permitLimit:    int64(opts.OutstandingTxnLimit),
	}
}

// NextSequence returns a monotonically increasing sequence number used as
// the FIFO tiebreak inside a connection's priority queue.
func (r *Registry) NextSequence() uint64 {
	return atomic.AddUint64(&r.nextSequence, 1)
}

// Admit inserts a new record for inv bound to conn, failing with
// ErrRequestLimitExceeded if the registry is at or above its hard cap.
// The check and the insert are both performed under the registry lock,
// so a transient one-over admission is only possible if two admissions
// race the exact same lock acquisition, which Go's mutex does not
// allow — this implementation in fact admits strictly at or under the
// cap, stricter than a lock-free reference implementation would need to
// be.
func (r *Registry) Admit(handle int64, inv *invocation.Invocation, conn ConnRef, timeout time.Duration) (*Record, error) {
	r.mu.Lock()
	if len(r.records) >= r.hardLimit {
		r.mu.Unlock()
		return nil, result.ErrRequestLimitExceeded
	}
	rec := &Record{
		Handle:     handle,
		Sequence:   r.NextSequence(),
		Invocation: inv,
		Promise:    future.New(),
		Start:      time.Now(),
		Timeout:    timeout,
		Conn:       conn,
	}
	r.records[handle] = rec
	size := len(r.records)
	r.mu.Unlock()

	r.maybeRaiseBackpressure(size)
	return rec, nil
}

// Remove deletes handle from the table and reports whether it was
// present. It also runs the resume check. Call this exactly once per
// terminal outcome for a given handle.
func (r *Registry) Remove(handle int64) (*Record, bool) {
	r.mu.Lock()
	rec, ok := r.records[handle]
	if ok {
		delete(r.records, handle)
	}
	size := len(r.records)
	r.mu.Unlock()

	if ok {
		r.maybeLowerBackpressure(size)
	}
	return rec, ok
}

// Lookup returns the record for handle without removing it, for the
// timeout scheduler's active-handle scan.
func (r *Registry) Lookup(handle int64) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[handle]
	return rec, ok
}

// Snapshot returns every currently active record, for the scheduler's
// per-tick scan and for connection-teardown's "fail everything bound to
// this connection" sweep.
func (r *Registry) Snapshot() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Size returns the current number of in-flight records.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// maybeRaiseBackpressure is called after every admission. The transition
// is guarded by the same lock serializing on/off notifications, so false
// can never be delivered before its matching true.
func (r *Registry) maybeRaiseBackpressure(size int) {
	if r.warning <= 0 {
		return
	}
	r.mu.Lock()
	if !r.backpressureOn && size >= r.warning {
		r.backpressureOn = true
		r.mu.Unlock()
		r.onBackpressure(true)
		return
	}
	r.mu.Unlock()
}

func (r *Registry) maybeLowerBackpressure(size int) {
	if r.warning <= 0 {
		return
	}
	r.mu.Lock()
	if r.backpressureOn && size <= r.resume {
		r.backpressureOn = false
		r.mu.Unlock()
		r.onBackpressure(false)
		return
	}
	r.mu.Unlock()
}

// TryAcquirePermit attempts a non-blocking send-permit acquisition.
func (r *Registry) TryAcquirePermit() bool {
	return r.permits.TryAcquire(1)
}

// AcquirePermit blocks until a permit is available or ctx is done.
func (r *Registry) AcquirePermit(ctx context.Context) error {
	return r.permits.Acquire(ctx, 1)
}

// ReleasePermit returns one permit to the pool. If a prior Resize shrink
// left a shortfall, the release is absorbed into the shortfall instead of
// becoming available, until the shortfall is paid down.
func (r *Registry) ReleasePermit() {
	r.permitMu.Lock()
	if r.permitShortfall > 0 {
		r.permitShortfall--
		r.permitMu.Unlock()
		return
	}
	r.permitMu.Unlock()
	r.permits.Release(1)
}

// Resize changes the outstanding-transaction limit. Growing releases the
// delta immediately. Shrinking drains as many permits as are currently
// available; if fewer could be drained than requested, this tolerates a
// temporary over-commit rather than rejecting the resize — the
// shortfall is paid down out of subsequent ReleasePermit calls instead
// of ever being handed back out.
func (r *Registry) Resize(newLimit int64) {
	r.permitMu.Lock()
	defer r.permitMu.Unlock()

	delta := newLimit - r.permitLimit
	r.permitLimit = newLimit
	if delta > 0 {
		r.permits.Release(delta)
		return
	}
	want := -delta
	drained := int64(0)
	for drained < want && r.permits.TryAcquire(1) {
		drained++
	}
	if drained < want {
		r.permitShortfall += want - drained
	}
}
