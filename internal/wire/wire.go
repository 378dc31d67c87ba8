package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 2
	kindEntry byte = 1

	flagPermanent byte = 1 << 0

	headerLen = 4 + 1 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("ethplorer: corrupt cache entry")
	magic4     = [...]byte{'E', 'V', 'X', 'C'}
)

// Entry is one framed cache value.
type Entry struct {
	Gen       uint64
	StoredAt  int64 // unix nanoseconds
	Permanent bool
	Payload   []byte
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames e as:
//
//	magic(4) | ver(1) | kind(1) | flags(1) | gen(u64 be) | storedAt(i64 be) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var flags byte
	if e.Permanent {
		flags |= flagPermanent
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], e.Gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(e.StoredAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode parses a frame produced by Encode. Framing is strict: unknown
// versions, unknown flags and trailing bytes are all rejected.
func Decode(b []byte) (Entry, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}
	flags := b[6]
	if flags&^flagPermanent != 0 {
		return Entry{}, ErrCorrupt
	}

	off := 7
	gen := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	storedAt := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}

	return Entry{
		Gen:       gen,
		StoredAt:  storedAt,
		Permanent: flags&flagPermanent != 0,
		Payload:   b[off : off+vlen],
	}, nil
}
