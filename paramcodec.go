package dbclient

import (
	"bytes"
	"encoding/gob"
)

// The wire framing of a stored-procedure parameter set is an explicit
// out-of-scope collaborator (see invocation.ParamEncoder/ParamDecoder):
// no third-party serialization library appears anywhere in the retrieved
// pack, so this default codec is built on stdlib encoding/gob, the same
// way the invocation frame itself leans on stdlib encoding/binary. A
// deployment that needs to interoperate with a specific server's
// parameter wire format supplies its own encoder/decoder pair instead of
// this one.
func init() {
	for _, v := range []any{
		int64(0), int32(0), float64(0), string(""), []byte(nil), true,
		[]int64(nil), []string(nil),
	} {
		gob.Register(v)
	}
}

type gobParamCodec struct{}

func (gobParamCodec) EncodedSize(params []any) (int, error) {
	buf, err := encodeGobParams(params)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (gobParamCodec) Encode(buf []byte, params []any) error {
	encoded, err := encodeGobParams(params)
	if err != nil {
		return err
	}
	copy(buf, encoded)
	return nil
}

func (gobParamCodec) Decode(raw []byte) ([]any, error) {
	var params []any
	if len(raw) == 0 {
		return nil, nil
	}
	dec := gob.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

func encodeGobParams(params []any) ([]byte, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(params); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
