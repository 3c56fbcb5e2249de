package dbclient

import (
	"context"

	"github.com/asyncdb/client-go/future"
)

// Future is the handle returned by CallAsync: a single-assignment
// completion latch for one in-flight call.
type Future struct {
	promise *future.Promise
}

func newFuture() *Future {
	return &Future{promise: future.New()}
}

// Wait blocks until the call completes or ctx is done, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	return f.promise.Wait(ctx)
}

// OnComplete registers fn to run when the call completes. fn runs on the
// goroutine that completes the call: a response worker for a call the
// server answered, otherwise the goroutine that failed it (for example
// the send worker, the timeout scheduler, or the connection's read
// goroutine after the connection is lost). If the call has already
// completed, fn runs immediately on the calling goroutine.
func (f *Future) OnComplete(fn func(*Response, error)) {
	f.promise.OnComplete(fn)
}

// Done reports whether the call has already completed.
func (f *Future) Done() bool {
	return f.promise.Done()
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.promise.Complete(nil, err)
	return f
}
