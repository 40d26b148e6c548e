package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version     byte = 1
	kindRecord  byte = 1
	headerBytes      = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("syncstore: corrupt entry")
	magic4     = [...]byte{'S', 'Y', 'N', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry is the decoded frame of one stored record.
// A zero FetchedAt means the entry was never confirmed by the server or was
// explicitly expired.
type Entry struct {
	Gen       uint64
	FetchedAt time.Time
	Payload   []byte
}

// Record: magic(4) | ver(1) | kind(1=record) | gen(u64 be) | fetchedAt(i64 be, unix nanos; 0 = none) | vlen(u32 be) | payload(vlen)
func EncodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(headerBytes + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRecord)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], e.Gen)
	buf.Write(u8[:])

	var nanos int64
	if !e.FetchedAt.IsZero() {
		nanos = e.FetchedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(nanos))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < headerBytes || !hasMagic(b) || b[4] != version || b[5] != kindRecord {
		return Entry{}, ErrCorrupt
	}

	off := 6

	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	nanos := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact length: trailing bytes mean a foreign or truncated write
	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}

	e := Entry{Gen: gen, Payload: b[off : off+vlen]}
	if nanos != 0 {
		e.FetchedAt = time.Unix(0, nanos)
	}
	return e, nil
}
