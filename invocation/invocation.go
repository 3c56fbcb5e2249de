// Package invocation implements the on-wire stored-procedure call descriptor:
// serialization, deserialization, and the lazy parameter-set view described
// by the wire format in the client-runtime specification.
package invocation

import (
	"errors"
	"sync"
	"time"
)

// DestinationPartitionAny is the sentinel partition id meaning "route by
// parameter" rather than an explicit partition.
const DestinationPartitionAny int32 = -1

// MultiPartition is the sentinel partition id used for procedures that touch
// every partition, or when the router has no affinity information at all.
const MultiPartition int32 = -1

// NoBatchTimeout is the sentinel value meaning "no batch-timeout override."
const NoBatchTimeout int32 = -1

// PriorityHighest is the lowest-numbered (highest urgency) priority and
// PriorityLowest the highest-numbered; valid priorities are 1..8, 1 being
// highest. Out-of-range values clamp to 8.
const (
	PriorityHighest = 1
	PriorityLowest  = 8
)

// ClampPriority enforces the 1..8 range, clamping out-of-range values to the
// lowest priority rather than rejecting them.
func ClampPriority(priority int) int {
	if priority < PriorityHighest || priority > PriorityLowest {
		return PriorityLowest
	}
	return priority
}

// ErrInvalidParameterSetSize is returned by SerializedSize when a non-empty,
// not-yet-serialized parameter set would produce a parameter block under 3
// bytes — which cannot be a valid serialized parameter set.
var ErrInvalidParameterSetSize = errors.New("invocation: invalid parameter set size")

// ParamEncoder serializes a deferred parameter sequence into the opaque,
// server-defined parameter-set byte block. The shape of that block is out of
// scope for this package; callers supply the encoder appropriate to their
// server's parameter wire format.
type ParamEncoder interface {
	// EncodedSize returns the number of bytes Encode will write.
	EncodedSize(params []any) (int, error)
	// Encode writes the parameter set into buf, which is exactly
	// EncodedSize(params) bytes long.
	Encode(buf []byte, params []any) error
}

// ParamDecoder lazily parses a raw parameter-set byte block into a sequence
// of values. Decoding is deferred until first use and memoized thereafter.
type ParamDecoder interface {
	Decode(raw []byte) ([]any, error)
}

// Invocation is an immutable descriptor of one stored-procedure call.
//
// Exactly one of Params or paramBytes is populated at any time. Once a
// serialized parameter form is set it is treated as immutable: callers that
// need their own read cursor duplicate position/limit rather than copying
// the backing bytes.
type Invocation struct {
	ProcedureName        string
	ClientHandle         int64
	DestinationPartition int32 // DestinationPartitionAny if routed by parameter
	Priority             int   // 1..8, 1 highest; clamp via ClampPriority
	BatchTimeoutMillis   int32 // NoBatchTimeout if unset, serialized as the wire extension

	// ClientTimeout is the client-side round-trip budget, enforced entirely
	// by the send pipeline and the timeout scheduler. It is distinct from
	// BatchTimeoutMillis, which the server interprets; ClientTimeout never
	// appears on the wire. Zero means "use the caller's default."
	ClientTimeout time.Duration

	// exactly one of these is non-nil/populated
	params     []any
	paramBytes *paramSlab
}

// paramSlab holds an already-serialized parameter block plus the decoder
// used to lazily and memoizedly parse it into values on first access. Only
// a duplicate view's position/limit vary across callers; the underlying
// bytes are never mutated once set, so sharing the slice is safe.
type paramSlab struct {
	bytes   []byte
	decoder ParamDecoder

	once    sync.Once
	decoded []any
	decErr  error
}

// NewWithParams builds an invocation whose parameters are not yet
// serialized; they will be encoded on the send path.
func NewWithParams(procedure string, handle int64, params []any) *Invocation {
	return &Invocation{
		ProcedureName:        procedure,
		ClientHandle:         handle,
		DestinationPartition: DestinationPartitionAny,
		Priority:             PriorityLowest,
		BatchTimeoutMillis:   NoBatchTimeout,
		params:               params,
	}
}

// NewWithSerializedParams builds an invocation whose parameter set has
// already been serialized to raw bytes (e.g. when replaying a previously
// encoded call). decoder is used only if ParamValues is later called.
func NewWithSerializedParams(procedure string, handle int64, raw []byte, decoder ParamDecoder) *Invocation {
	return &Invocation{
		ProcedureName:        procedure,
		ClientHandle:         handle,
		DestinationPartition: DestinationPartitionAny,
		Priority:             PriorityLowest,
		BatchTimeoutMillis:   NoBatchTimeout,
		paramBytes:           &paramSlab{bytes: raw, decoder: decoder},
	}
}

// HasSerializedParams reports whether the parameter set has already been
// reduced to bytes (as opposed to a deferred Object sequence).
func (inv *Invocation) HasSerializedParams() bool {
	return inv.paramBytes != nil
}

// Params returns the deferred parameter sequence, or nil if the parameter
// set is already serialized.
func (inv *Invocation) Params() []any {
	return inv.params
}

// ParamBytes returns a duplicate view of the serialized parameter block, or
// nil if parameters have not been serialized yet. The returned slice must
// not be mutated; it shares the backing array with every other view.
func (inv *Invocation) ParamBytes() []byte {
	if inv.paramBytes == nil {
		return nil
	}
	dup := inv.paramBytes.bytes
	return dup[:len(dup):len(dup)]
}

// ParamValues lazily parses the serialized parameter block into values,
// memoizing the result. It is a one-shot compute-once operation: concurrent
// callers block on the first decode rather than racing separate parses.
func (inv *Invocation) ParamValues() ([]any, error) {
	if inv.paramBytes == nil {
		return inv.params, nil
	}
	slab := inv.paramBytes
	slab.once.Do(func() {
		slab.decoded, slab.decErr = slab.decoder.Decode(slab.bytes)
	})
	return slab.decoded, slab.decErr
}
