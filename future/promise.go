// Package future implements the single-assignment completion primitive
// used by every pending call: whichever goroutine first completes a
// Promise wins, and every registered callback runs exactly once, on the
// goroutine that completes the Promise (or, for a callback registered
// after completion, on the goroutine that registers it).
package future

import (
	"context"
	"sync"

	"github.com/asyncdb/client-go/result"
)

// Promise is a single-assignment, thread-safe completion latch.
// Completion happens at most once. Callbacks registered via OnComplete
// before completion run synchronously, in registration order, on the
// goroutine that calls Complete; the Promise does not hand them to any
// other goroutine.
type Promise struct {
	mu        sync.Mutex
	done      bool
	resp      *result.Response
	err       error
	callbacks []func(*result.Response, error)
	waiters   chan struct{}
}

// New returns an incomplete Promise.
func New() *Promise {
	return &Promise{waiters: make(chan struct{})}
}

// Complete resolves the promise with resp (success path, resp != nil) or
// err (failure path). Only the first call has any effect; it reports
// whether this call was the one that completed it. This is the "whoever
// removes the record from the registry wins" rule made concrete.
func (p *Promise) Complete(resp *result.Response, err error) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.done = true
	p.resp = resp
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	close(p.waiters)
	for _, cb := range callbacks {
		cb(resp, err)
	}
	return true
}

// OnComplete registers fn to run when the promise completes. If the
// promise is already complete, fn runs immediately on the calling
// goroutine — callers invoking this after a known-complete promise are
// responsible for not doing so from the network thread themselves.
func (p *Promise) OnComplete(fn func(*result.Response, error)) {
	p.mu.Lock()
	if p.done {
		resp, err := p.resp, p.err
		p.mu.Unlock()
		fn(resp, err)
		return
	}
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// Wait blocks until the promise completes or ctx is done, whichever
// comes first.
func (p *Promise) Wait(ctx context.Context) (*result.Response, error) {
	select {
	case <-p.waiters:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the promise has already been completed.
func (p *Promise) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}
