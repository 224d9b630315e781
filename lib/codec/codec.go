// Package codec implements the compact varint framing used for document
// updates, state vectors and relay envelopes.
//
// An Encoder appends to a byte slice; a Decoder reads from one and keeps the
// first error it hits, so callers can decode a whole structure and check the
// error once at the end:
//
//	d := codec.NewDecoder(b)
//	n := d.Uvarint()
//	s := d.String()
//	if err := d.Finish(); err != nil {
//	    return err
//	}
//
// All decoding errors are syncerr.KindCorruptUpdate.
package codec

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/ValentinKolb/dSync/lib/syncerr"
)

// MaxBytesLen bounds a single length-prefixed field.
const MaxBytesLen = 64 << 20

// --------------------------------------------------------------------------
// Encoder
// --------------------------------------------------------------------------

// Encoder appends encoded values to an internal buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) Uvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) Byte(b byte) {
	e.buf = append(e.buf, b)
}

// Bytes writes a length-prefixed byte slice.
func (e *Encoder) Bytes(b []byte) {
	e.Uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// String writes a length-prefixed string.
func (e *Encoder) String(s string) {
	e.Uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Result returns the encoded bytes. The encoder must not be used afterwards.
func (e *Encoder) Result() []byte {
	return e.buf
}

// --------------------------------------------------------------------------
// Decoder
// --------------------------------------------------------------------------

// Decoder reads values written by an Encoder.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

// NewDecoder creates a decoder over b. b is not copied.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{data: b}
}

// Err returns the first error encountered.
func (d *Decoder) Err() error {
	return d.err
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Finish returns the first error, or an error if bytes are left unread.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.pos != len(d.data) {
		return syncerr.Newf(syncerr.KindCorruptUpdate, "%d trailing bytes", len(d.data)-d.pos)
	}
	return nil
}

func (d *Decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = syncerr.Newf(syncerr.KindCorruptUpdate, format, args...)
	}
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		d.fail("bad varint at byte %d", d.pos)
		return 0
	}
	d.pos += n
	return v
}

func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.data) {
		d.fail("unexpected end of data at byte %d", d.pos)
		return 0
	}
	b := d.data[d.pos]
	d.pos++
	return b
}

// Bytes reads a length-prefixed byte slice. The result aliases the input.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if n > MaxBytesLen || n > uint64(len(d.data)-d.pos) {
		d.fail("field length %d exceeds data at byte %d", n, d.pos)
		return nil
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b
}

// String reads a length-prefixed string and requires it to be valid UTF-8.
func (d *Decoder) String() string {
	b := d.Bytes()
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.fail("invalid utf-8 string")
		return ""
	}
	return string(b)
}

// Count reads a uvarint element count and rejects counts that cannot fit
// into the remaining bytes, assuming at least minSize bytes per element.
func (d *Decoder) Count(minSize int) int {
	n := d.Uvarint()
	if d.err != nil {
		return 0
	}
	if minSize < 1 {
		minSize = 1
	}
	if n > uint64(d.Remaining()/minSize) {
		d.fail("element count %d exceeds data", n)
		return 0
	}
	return int(n)
}
