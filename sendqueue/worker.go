package sendqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/asyncdb/client-go/invocation"
	"github.com/asyncdb/client-go/registry"
	"github.com/asyncdb/client-go/result"
)

// ConnWriter is the view of a connection endpoint the send worker needs.
// netconn.Conn implements this; the interface lives here (rather than
// sendqueue importing netconn) so netconn can depend on sendqueue for its
// queue without creating an import cycle.
type ConnWriter interface {
	WriteToNetwork(buf []byte) error
	// AwaitClearance blocks until network backpressure is off or until
	// budget elapses, returning false on timeout.
	AwaitClearance(ctx context.Context, budget time.Duration) bool
	Connected() bool
}

// RateLimiter paces outbound sends. A nil RateLimiter disables pacing.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TimeoutScheduler schedules a one-shot callback, used for per-call
// timeouts under one second that are too fine-grained for the scheduler's
// once-a-second tick to catch in time.
type TimeoutScheduler interface {
	ScheduleOnce(after time.Duration, fn func())
}

// Worker runs the per-connection send loop described in the component
// design: dequeue, rate limit, serialize, acquire a send permit, await
// network clearance, mark the handle active, arrange sub-second timeout
// bookkeeping, write.
type Worker struct {
	Queue       *Queue
	Conn        ConnWriter
	Registry    *registry.Registry
	Encoder     invocation.ParamEncoder
	RateLimiter RateLimiter
	Scheduler   TimeoutScheduler
	IsLongOp    func(procedure string) bool
}

// Run executes the loop until ctx is cancelled. On exit it drains and
// fails any requests left in the queue, matching the connection-teardown
// behavior described for queue drains.
func (w *Worker) Run(ctx context.Context) {
	for {
		rec, ok := w.Queue.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				w.drainRemaining()
				return
			}
			// queue closed without context cancellation: connection torn
			// down from elsewhere.
			return
		}
		w.handle(ctx, rec)
	}
}

func (w *Worker) drainRemaining() {
	for _, rec := range w.Queue.Close() {
		w.completeAndRemove(rec.Handle, result.ErrInterrupted)
	}
}

// completeAndRemove removes handle from the registry and, only if this
// call won that removal, completes its promise with err. Every terminal
// outcome in this file goes through here rather than calling rec.Complete
// directly, so a handle is never left behind in the registry after its
// promise has already resolved — and so a response that races a local
// failure is the one that gets to decide the outcome, never both.
func (w *Worker) completeAndRemove(handle int64, err error) {
	if rec, ok := w.Registry.Remove(handle); ok {
		rec.Complete(w.Registry, nil, err)
	}
}

func (w *Worker) handle(ctx context.Context, rec *registry.Record) {
	if ctx.Err() != nil {
		w.completeAndRemove(rec.Handle, result.ErrInterrupted)
		return
	}

	if w.RateLimiter != nil {
		if err := w.RateLimiter.Wait(ctx); err != nil {
			w.completeAndRemove(rec.Handle, result.ErrInterrupted)
			return
		}
	}

	buf, err := invocation.WriteLengthPrefixed(rec.Invocation, w.Encoder)
	if err != nil {
		w.completeAndRemove(rec.Handle, fmt.Errorf("%w: %v", result.ErrNotSent, err)) //nolint:errorlint
		return
	}

	deadline := rec.Start.Add(rec.Timeout)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		w.completeAndRemove(rec.Handle, result.ErrRequestTimeout)
		return
	}

	if !w.Registry.TryAcquirePermit() {
		acquireCtx, cancel := context.WithTimeout(ctx, remaining)
		err := w.Registry.AcquirePermit(acquireCtx)
		cancel()
		if err != nil {
			w.completeAndRemove(rec.Handle, result.ErrRequestTimeout)
			return
		}
	}
	rec.HeldPermit.Store(true)

	remaining = time.Until(deadline)
	if remaining <= 0 || !w.Conn.AwaitClearance(ctx, remaining) {
		w.completeAndRemove(rec.Handle, result.ErrRequestTimeout)
		return
	}

	// The handle is now active; the timeout scheduler's per-tick scan
	// (package scheduler) picks it up from the registry directly — there
	// is no separate active-handles set to update here.

	remaining = time.Until(deadline)
	longOp := w.IsLongOp != nil && w.IsLongOp(rec.Invocation.ProcedureName)
	if w.Scheduler != nil && rec.Timeout > 0 && rec.Timeout < time.Second && !longOp {
		if remaining <= 0 {
			w.completeAndRemove(rec.Handle, result.ErrResponseTimeout)
			return
		}
		handle := rec.Handle
		w.Scheduler.ScheduleOnce(remaining, func() {
			w.completeAndRemove(handle, result.ErrResponseTimeout)
		})
	}

	if err := w.Conn.WriteToNetwork(buf); err != nil {
		w.completeAndRemove(rec.Handle, fmt.Errorf("%w: %v", result.ErrNotSent, err)) //nolint:errorlint
	}
}
