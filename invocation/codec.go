package invocation

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version identifies the on-wire layout of an invocation frame.
type Version byte

const (
	// VersionLegacyNoExtensions is read-only: no extensions are present.
	VersionLegacyNoExtensions Version = 0
	// VersionLegacyOptionalBatchTimeout is read-only: a single leading byte
	// indicates whether a batch-timeout int follows.
	VersionLegacyOptionalBatchTimeout Version = 1
	// VersionCurrent is the only version this client ever writes.
	VersionCurrent Version = 2
)

// Extension type tags (version 2 only).
const (
	extensionBatchTimeout byte = 0
)

const (
	lengthPrefixSize  = 4
	versionSize       = 1
	nameLengthSize    = 4
	handleSize        = 8
	extCountSize      = 1
	extTypeTagSize    = 1
	batchTimeoutExtSize = extTypeTagSize + 4 // tag + int32 millis
)

var (
	// ErrNullProcedureName is returned when a decoded frame declares a null
	// (-1 length) procedure name; this client never expects one.
	ErrNullProcedureName = errors.New("invocation: null procedure name is not supported")
	// ErrUnsupportedVersion is returned by ReadFrom for a version byte this
	// decoder does not recognize.
	ErrUnsupportedVersion = errors.New("invocation: unsupported version byte")
	// ErrTruncatedFrame is returned when a buffer is shorter than the frame
	// it claims to contain.
	ErrTruncatedFrame = errors.New("invocation: truncated frame")
)

// SerializedSize returns the exact number of bytes WriteTo will produce for
// inv, not including the 4-byte length prefix. If the parameter set has not
// been serialized yet and is non-empty, a serialized parameter block must be
// at least 3 bytes, or ErrInvalidParameterSetSize is returned.
func SerializedSize(inv *Invocation, enc ParamEncoder) (int, error) {
	size := versionSize + nameLengthSize + len(inv.ProcedureName) + handleSize + extCountSize
	if inv.BatchTimeoutMillis != NoBatchTimeout {
		size += batchTimeoutExtSize
	}

	paramSize, err := paramBlockSize(inv, enc)
	if err != nil {
		return 0, err
	}
	return size + paramSize, nil
}

func paramBlockSize(inv *Invocation, enc ParamEncoder) (int, error) {
	if inv.HasSerializedParams() {
		return len(inv.ParamBytes()), nil
	}
	if len(inv.params) == 0 {
		return 0, nil
	}
	n, err := enc.EncodedSize(inv.params)
	if err != nil {
		return 0, err
	}
	if n < 3 {
		return 0, ErrInvalidParameterSetSize
	}
	return n, nil
}

// WriteTo writes exactly SerializedSize(inv, enc) bytes of the version-2
// frame body (no length prefix) into buf, which must be at least that long.
// If parameters were pre-serialized, the write takes a duplicate view so
// concurrent readers of the original Invocation remain safe.
func WriteTo(buf []byte, inv *Invocation, enc ParamEncoder) (int, error) {
	size, err := SerializedSize(inv, enc)
	if err != nil {
		return 0, err
	}
	if len(buf) < size {
		return 0, fmt.Errorf("invocation: buffer too small: need %d, have %d", size, len(buf))
	}

	offset := 0
	buf[offset] = byte(VersionCurrent)
	offset += versionSize

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(inv.ProcedureName)))
	offset += nameLengthSize
	offset += copy(buf[offset:], inv.ProcedureName)

	binary.BigEndian.PutUint64(buf[offset:], uint64(inv.ClientHandle))
	offset += handleSize

	if inv.BatchTimeoutMillis != NoBatchTimeout {
		buf[offset] = 1
		offset += extCountSize
		buf[offset] = extensionBatchTimeout
		offset += extTypeTagSize
		binary.BigEndian.PutUint32(buf[offset:], uint32(inv.BatchTimeoutMillis))
		offset += 4
	} else {
		buf[offset] = 0
		offset += extCountSize
	}

	if inv.HasSerializedParams() {
		offset += copy(buf[offset:], inv.ParamBytes())
		return offset, nil
	}
	if len(inv.params) > 0 {
		if err := enc.Encode(buf[offset:size], inv.params); err != nil {
			return 0, err
		}
		offset = size
	}
	return offset, nil
}

// ReadFrom decodes an invocation frame body (length prefix already
// stripped) per the version byte found at buf[0]. Parameter deserialization
// is left lazy: the remaining bytes are sliced and handed to decoder
// without being parsed.
func ReadFrom(buf []byte, decoder ParamDecoder) (*Invocation, error) {
	if len(buf) < versionSize {
		return nil, ErrTruncatedFrame
	}
	version := Version(buf[0])
	switch version {
	case VersionCurrent:
		return readV2(buf, decoder)
	case VersionLegacyOptionalBatchTimeout:
		return readV1(buf, decoder)
	case VersionLegacyNoExtensions:
		return readV0(buf, decoder)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

func readName(buf []byte, offset int) (string, int, error) {
	if len(buf) < offset+nameLengthSize {
		return "", 0, ErrTruncatedFrame
	}
	nameLen := int32(binary.BigEndian.Uint32(buf[offset:]))
	offset += nameLengthSize
	if nameLen < 0 {
		return "", offset, ErrNullProcedureName
	}
	if len(buf) < offset+int(nameLen) {
		return "", 0, ErrTruncatedFrame
	}
	name := string(buf[offset : offset+int(nameLen)])
	offset += int(nameLen)
	return name, offset, nil
}

func readHandle(buf []byte, offset int) (int64, int, error) {
	if len(buf) < offset+handleSize {
		return 0, 0, ErrTruncatedFrame
	}
	handle := int64(binary.BigEndian.Uint64(buf[offset:]))
	return handle, offset + handleSize, nil
}

func readV2(buf []byte, decoder ParamDecoder) (*Invocation, error) {
	offset := versionSize
	name, offset, err := readName(buf, offset)
	if err != nil {
		return nil, err
	}
	handle, offset, err := readHandle(buf, offset)
	if err != nil {
		return nil, err
	}
	if len(buf) < offset+extCountSize {
		return nil, ErrTruncatedFrame
	}
	extCount := int(buf[offset])
	offset += extCountSize

	batchTimeout := NoBatchTimeout
	for i := 0; i < extCount; i++ {
		if len(buf) < offset+extTypeTagSize {
			return nil, ErrTruncatedFrame
		}
		tag := buf[offset]
		offset += extTypeTagSize
		switch tag {
		case extensionBatchTimeout:
			if len(buf) < offset+4 {
				return nil, ErrTruncatedFrame
			}
			batchTimeout = int32(binary.BigEndian.Uint32(buf[offset:]))
			offset += 4
		default:
			// Unknown extensions are not skipped: an extension carries no
			// length of its own, so a tag this decoder does not know
			// leaves nothing to skip past reliably. This client only ever
			// writes the batch-timeout extension; any other tag fails the
			// decode rather than misparsing the remainder of the frame.
			return nil, fmt.Errorf("invocation: unknown extension tag %d", tag)
		}
	}

	inv := NewWithSerializedParams(name, handle, buf[offset:], decoder)
	inv.BatchTimeoutMillis = batchTimeout
	return inv, nil
}

// readV1 decodes the legacy version-1 layout: a single leading byte after
// the handle indicates whether a batch-timeout int32 follows.
//
// NOTE: as written, this preserves a deliberate quirk — the flag byte is
// read and, when true, the batch-timeout int is consumed, but this
// fall-through path then still calls the generic skip-unknown-extension
// logic afterward rather than treating the two as mutually exclusive.
// Since version 1 is read-only (never produced by this client) and the
// quirk is suspicious enough to warrant validation against the
// authoritative server-side encoder before "fixing" it, it is reproduced
// faithfully rather than corrected here.
func readV1(buf []byte, decoder ParamDecoder) (*Invocation, error) {
	offset := versionSize
	name, offset, err := readName(buf, offset)
	if err != nil {
		return nil, err
	}
	handle, offset, err := readHandle(buf, offset)
	if err != nil {
		return nil, err
	}

	batchTimeout := NoBatchTimeout
	if len(buf) < offset+1 {
		return nil, ErrTruncatedFrame
	}
	hasBatchTimeout := buf[offset] != 0
	offset++
	if hasBatchTimeout {
		if len(buf) < offset+4 {
			return nil, ErrTruncatedFrame
		}
		batchTimeout = int32(binary.BigEndian.Uint32(buf[offset:]))
		offset += 4
		offset = skipUnknownExtension(buf, offset)
	}

	inv := NewWithSerializedParams(name, handle, buf[offset:], decoder)
	inv.BatchTimeoutMillis = batchTimeout
	return inv, nil
}

func readV0(buf []byte, decoder ParamDecoder) (*Invocation, error) {
	offset := versionSize
	name, offset, err := readName(buf, offset)
	if err != nil {
		return nil, err
	}
	handle, offset, err := readHandle(buf, offset)
	if err != nil {
		return nil, err
	}
	inv := NewWithSerializedParams(name, handle, buf[offset:], decoder)
	inv.BatchTimeoutMillis = NoBatchTimeout
	return inv, nil
}

// skipUnknownExtension is a no-op placeholder for version 1's
// always-called-after-batch-timeout skip path: version 1 never had more
// than the one optional extension, so there is nothing further to skip.
// The call is kept (rather than removed) to mirror readV1's own quirky
// fallthrough faithfully.
func skipUnknownExtension(_ []byte, offset int) int {
	return offset
}

// WriteLengthPrefixed serializes inv into a fully framed buffer: 4-byte
// big-endian length followed by the body from WriteTo.
func WriteLengthPrefixed(inv *Invocation, enc ParamEncoder) ([]byte, error) {
	bodySize, err := SerializedSize(inv, enc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, lengthPrefixSize+bodySize)
	binary.BigEndian.PutUint32(out, uint32(bodySize))
	if _, err := WriteTo(out[lengthPrefixSize:], inv, enc); err != nil {
		return nil, err
	}
	return out, nil
}
