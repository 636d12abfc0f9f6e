// Package varenc reads and writes the unsigned LEB128 framing shared by the
// sync protocol and the replicated document update format.
package varenc

import (
	"encoding/binary"
	"errors"
)

var ErrTruncated = errors.New("varenc: truncated input")

func AppendUint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

func AppendBytes(dst []byte, p []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(p)))
	return append(dst, p...)
}

func AppendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// Decoder consumes a buffer front to back. The first error sticks; later reads
// return zero values so callers can check Err once at the end.
type Decoder struct {
	buf []byte
	err error
}

func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

func (d *Decoder) Uint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrTruncated
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Bytes returns a slice aliasing the underlying buffer.
func (d *Decoder) Bytes() []byte {
	size := d.Uint()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < size {
		d.err = ErrTruncated
		return nil
	}
	out := d.buf[:size:size]
	d.buf = d.buf[size:]
	return out
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

func (d *Decoder) Len() int {
	return len(d.buf)
}

func (d *Decoder) Err() error {
	return d.err
}
