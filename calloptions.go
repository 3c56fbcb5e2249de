package dbclient

import (
	"time"

	"github.com/asyncdb/client-go/invocation"
)

// CallOption overrides a single call's priority, partition, or timeout,
// layered on top of the client's defaults.
type CallOption interface {
	apply(*callOptions)
}

type callOptionFunc func(*callOptions)

func (f callOptionFunc) apply(opts *callOptions) { f(opts) }

type callOptions struct {
	priority  int
	partition int32
	timeout   time.Duration
}

// WithPriority overrides the default priority (1 highest, 8 lowest) for
// one call.
func WithPriority(priority int) CallOption {
	return callOptionFunc(func(opts *callOptions) {
		opts.priority = invocation.ClampPriority(priority)
	})
}

// WithPartition routes one call directly to the leader of partition,
// bypassing parameter-based affinity routing.
func WithPartition(partition int32) CallOption {
	return callOptionFunc(func(opts *callOptions) {
		opts.partition = partition
	})
}

// WithTimeout overrides the client-side round-trip budget for one call.
func WithTimeout(d time.Duration) CallOption {
	return callOptionFunc(func(opts *callOptions) {
		opts.timeout = d
	})
}
