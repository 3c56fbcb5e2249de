package dbclient

import (
	"encoding/binary"
	"errors"

	"github.com/asyncdb/client-go/result"
)

// The on-wire shape of a ClientResponse is, like the parameter set,
// entirely up to the server side of the protocol. dispatch.ResponseDecoder
// is the injection point a real deployment uses to match its server's
// actual encoding; this default
// decodes a length-prefixed layout built the same way as the invocation
// codec (big-endian fixed fields, stdlib encoding/binary only) so the
// send→dispatch round trip is exercisable end to end without a live
// server.
//
// Layout (body, length prefix already stripped by netconn.ReadLoop):
//
//	8  bytes  client handle (big-endian signed)
//	1  byte   status
//	2  bytes  status-string length + bytes
//	1  byte   app status (signed)
//	2  bytes  app-status-string length + bytes
//	4  bytes  results length + opaque results bytes
var errTruncatedResponse = errors.New("dbclient: truncated response frame")

type binaryResponseDecoder struct{}

func (binaryResponseDecoder) Decode(body []byte) (int64, *result.Response, error) {
	if len(body) < 8+1+2 {
		return 0, nil, errTruncatedResponse
	}
	handle := int64(binary.BigEndian.Uint64(body)) //nolint:gosec
	offset := 8

	status := result.Status(body[offset])
	offset++

	statusStr, offset, err := readShortString(body, offset)
	if err != nil {
		return 0, nil, err
	}

	if len(body) < offset+1+2 {
		return 0, nil, errTruncatedResponse
	}
	appStatus := int8(body[offset]) //nolint:gosec
	offset++

	appStatusStr, offset, err := readShortString(body, offset)
	if err != nil {
		return 0, nil, err
	}

	if len(body) < offset+4 {
		return 0, nil, errTruncatedResponse
	}
	resultsLen := int(binary.BigEndian.Uint32(body[offset:]))
	offset += 4
	if len(body) < offset+resultsLen {
		return 0, nil, errTruncatedResponse
	}
	results := body[offset : offset+resultsLen]

	return handle, &result.Response{
		Status:          status,
		StatusString:    statusStr,
		AppStatus:       appStatus,
		AppStatusString: appStatusStr,
		Results:         results,
	}, nil
}

func readShortString(body []byte, offset int) (string, int, error) {
	if len(body) < offset+2 {
		return "", 0, errTruncatedResponse
	}
	length := int(binary.BigEndian.Uint16(body[offset:]))
	offset += 2
	if len(body) < offset+length {
		return "", 0, errTruncatedResponse
	}
	str := string(body[offset : offset+length])
	return str, offset + length, nil
}
