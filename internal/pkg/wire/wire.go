// Package wire is the length-prefixed binary encoding used for peering payloads
// and ledger messages. Integers are unsigned LEB128; byte strings carry a LEB128
// length prefix.
package wire

import (
	"github.com/filecoin-project/go-leb128"
	"github.com/pkg/errors"
)

// maxVarintLen is the longest LEB128 encoding of a uint64.
const maxVarintLen = 10

// ErrTruncated is returned when the input ends inside a field.
var ErrTruncated = errors.New("wire: truncated input")

// ErrTrailingBytes is returned by Done when unread input remains.
var ErrTrailingBytes = errors.New("wire: trailing bytes")

// ErrOverflow is returned for a varint longer than a uint64.
var ErrOverflow = errors.New("wire: varint overflows uint64")

// Encoder appends fields to a buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Uint appends v.
func (e *Encoder) Uint(v uint64) *Encoder {
	e.buf = append(e.buf, leb128.FromUInt64(v)...)
	return e
}

// Bytes appends b with its length.
func (e *Encoder) Bytes(b []byte) *Encoder {
	e.Uint(uint64(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// String appends s with its length.
func (e *Encoder) String(s string) *Encoder {
	return e.Bytes([]byte(s))
}

// Finish returns the encoded bytes.
func (e *Encoder) Finish() []byte {
	return e.buf
}

// Decoder reads fields in order. The first error sticks; later reads return zero values.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder reads from b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Uint reads a varint.
func (d *Decoder) Uint() uint64 {
	if d.err != nil {
		return 0
	}
	for i := 0; i < len(d.buf); i++ {
		if i >= maxVarintLen {
			d.err = ErrOverflow
			return 0
		}
		if d.buf[i]&0x80 == 0 {
			if i == maxVarintLen-1 && d.buf[i] > 1 {
				d.err = ErrOverflow
				return 0
			}
			v := leb128.ToUInt64(d.buf[:i+1])
			d.buf = d.buf[i+1:]
			return v
		}
	}
	d.err = ErrTruncated
	return 0
}

// Bytes reads a length-prefixed byte string.
func (d *Decoder) Bytes() []byte {
	n := d.Uint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)) {
		d.err = ErrTruncated
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

// String reads a length-prefixed string.
func (d *Decoder) String() string {
	return string(d.Bytes())
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Done returns the first decoding error, or ErrTrailingBytes if input remains.
func (d *Decoder) Done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return ErrTrailingBytes
	}
	return nil
}
