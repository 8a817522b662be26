package revdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"testing"
	"time"
)

func TestRecord_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &backing{
		Handle:   7,
		Revision: 42,
		Active:   true,
		Created:  ts,
		Modified: ts.Add(time.Hour),
		Props:    map[string]json.RawMessage{"email": json.RawMessage(`"a@x.io"`), "n": json.RawMessage(`1`)},
	}
	data := encodeRecord(b)
	deepEqual(t, data[0], byte(recordVersion1))

	var got backing
	noerr(t, decodeRecord(data, &got))
	deepEqual(t, got.Handle, b.Handle)
	deepEqual(t, got.Revision, b.Revision)
	deepEqual(t, got.Active, true)
	deepEqual(t, got.Created.Equal(b.Created), true)
	deepEqual(t, got.Modified.Equal(b.Modified), true)
	deepEqual(t, got.Props, b.Props)
}

func TestRecord_SortedKeysAreDeterministic(t *testing.T) {
	row := make(map[string]int64)
	props := make(map[string]json.RawMessage)
	for i := range 20 {
		k := fmt.Sprintf("k%02d", i)
		row[k] = int64(i)
		props[k] = json.RawMessage(strconv.Itoa(i))
	}
	wantRow := appendMsgpack(nil, sortedMap[int64](row))
	wantBacking := encodeRecord(&backing{Handle: 1, Revision: 1, Props: props})
	for range 10 {
		deepEqual(t, appendMsgpack(nil, sortedMap[int64](maps.Clone(row))), wantRow)
		deepEqual(t, encodeRecord(&backing{Handle: 1, Revision: 1, Props: maps.Clone(props)}), wantBacking)
	}

	var decoded map[string]int64
	noerr(t, decodeMsgpack(wantRow, &decoded))
	deepEqual(t, decoded, row)
}

func TestRecord_Corruption(t *testing.T) {
	data := encodeRecord(map[string]string{"k": "v"})

	tests := []struct {
		name string
		data []byte
		msg  string
	}{
		{"short", data[:5], "record too short"},
		{"version", append([]byte{9}, data[1:]...), "unsupported record version 9"},
		{"checksum", flipByte(data, 3), "record checksum mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v map[string]string
			err := decodeRecord(tt.data, &v)
			var de *DataError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, wanted *DataError", err)
			}
			deepEqual(t, de.Msg, tt.msg)
		})
	}
}

func flipByte(data []byte, i int) []byte {
	c := append([]byte(nil), data...)
	c[i] ^= 0xFF
	return c
}

func TestUint64Key_Ordering(t *testing.T) {
	a, b := uint64Key(255), uint64Key(256)
	if string(a) >= string(b) {
		t.Errorf("uint64Key(255) = %x sorts after uint64Key(256) = %x", a, b)
	}
	deepEqual(t, decodeUint64Key(b), uint64(256))
}

func TestPairKey(t *testing.T) {
	k := pairKey(3, 1<<40)
	deepEqual(t, len(k), 16)
	from, to := decodePairKey(k)
	deepEqual(t, from, Handle(3))
	deepEqual(t, to, Handle(1<<40))
}

func TestDecodeUint64Key_PanicsWithStorageError(t *testing.T) {
	defer func() {
		p := recover()
		err, ok := p.(error)
		if !ok || !errors.Is(err, ErrStorage) {
			t.Errorf("panic = %v, wanted an error matching ErrStorage", p)
		}
	}()
	decodeUint64Key([]byte{1, 2, 3})
}
