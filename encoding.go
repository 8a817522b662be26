package revdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Records (backings and states) are framed as:
//
//	version:8 msgpack-data checksum:64
//
// where checksum is the big-endian xxhash64 of version and data.
const (
	recordVersion1 = 1

	recordHeaderSize  = 1
	recordTrailerSize = 8
)

type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(p []byte) (int, error) {
	bb.Buf = append(bb.Buf, p...)
	return len(p), nil
}

func (bb *bytesBuilder) WriteByte(c byte) error {
	bb.Buf = append(bb.Buf, c)
	return nil
}

func (bb *bytesBuilder) WriteString(s string) (int, error) {
	bb.Buf = append(bb.Buf, s...)
	return len(s), nil
}

func appendMsgpack(buf []byte, v any) []byte {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Buf
}

// sortedMap is a string-keyed map that encodes with its keys in increasing
// order. The msgpack encoder sorts only map[string]string and
// map[string]any on its own.
type sortedMap[V any] map[string]V

func (m sortedMap[V]) EncodeMsgpack(enc *msgpack.Encoder) error {
	if m == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeMapLen(len(m)); err != nil {
		return err
	}
	for _, k := range sortedKeys(m) {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := enc.Encode(m[k]); err != nil {
			return err
		}
	}
	return nil
}

func decodeMsgpack(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

func encodeRecord(v any) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, recordVersion1)
	buf = appendMsgpack(buf, v)
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func decodeRecord(data []byte, v any) error {
	n := len(data)
	if n < recordHeaderSize+recordTrailerSize {
		return dataErrf(data, nil, "record too short")
	}
	if data[0] != recordVersion1 {
		return dataErrf(data, nil, "unsupported record version %d", data[0])
	}
	body := data[:n-recordTrailerSize]
	if sum := binary.BigEndian.Uint64(data[n-recordTrailerSize:]); sum != xxhash.Sum64(body) {
		return dataErrf(data, nil, "record checksum mismatch")
	}
	return decodeMsgpack(body[recordHeaderSize:], v)
}

func uint64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

func decodeUint64Key(k []byte) uint64 {
	if len(k) != 8 {
		panic(&storageError{dataErrf(k, nil, "invalid 8-byte key")})
	}
	return binary.BigEndian.Uint64(k)
}

func pairKey(a, b Handle) []byte {
	k := make([]byte, 0, 16)
	k = binary.BigEndian.AppendUint64(k, uint64(a))
	return binary.BigEndian.AppendUint64(k, uint64(b))
}

func decodePairKey(k []byte) (Handle, Handle) {
	if len(k) != 16 {
		panic(&storageError{dataErrf(k, nil, "invalid pair key")})
	}
	return Handle(binary.BigEndian.Uint64(k[:8])), Handle(binary.BigEndian.Uint64(k[8:]))
}
