// Package wire implements the deterministic binary codec spec.md §4.F and
// §6 require: a 4-byte big-endian length prefix framing a payload of
// little-endian fixed-width integers and length-prefixed strings/bytes.
//
// No serialization library in the example pack produces this exact
// layout without running codegen tooling (protoc) this project does not
// invoke, and no msgpack/cbor dependency is available either (see
// DESIGN.md). This package is the one place the repository leans on
// encoding/binary directly, mirroring the structural shape of chasquid's
// own internal/protoio (read/write a message, persist atomically)
// without reusing protobuf framing.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrTooLarge is returned by ReadFrame when the declared frame length
// exceeds the caller-supplied cap.
var ErrTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a 4-byte big-endian length prefix and the payload it
// announces. maxSize bounds the accepted length (spec.md §4.N: control
// RPC requests cap at 1 MiB; spool reads are bounded by the file size).
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, ErrTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Encoder builds a payload out of fixed-width little-endian integers and
// length-prefixed strings/bytes.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the encoded payload so far.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

func (e *Encoder) PutUint8(v uint8) { e.buf.WriteByte(v) }

func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) PutInt64(v int64) { e.PutUint64(uint64(v)) }

// PutBool encodes a boolean as a single byte.
func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint8(1)
	} else {
		e.PutUint8(0)
	}
}

// PutBytes writes a uint32-length-prefixed byte slice.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf.Write(b)
}

// PutString writes a uint32-length-prefixed UTF-8 string.
func (e *Encoder) PutString(s string) {
	e.PutBytes([]byte(s))
}

// PutOptionalString encodes presence as a single byte followed by the
// string payload when present, mirroring the original Rust source's
// Option<String> fields (e.g. Envelope.sender, DomainConfig.mx_override).
func (e *Encoder) PutOptionalString(s *string) {
	if s == nil {
		e.PutBool(false)
		return
	}
	e.PutBool(true)
	e.PutString(*s)
}

// Decoder parses a payload produced by Encoder.
type Decoder struct {
	data []byte
	off  int
}

// NewDecoder wraps data for sequential decoding.
func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

// Remaining reports the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

func (d *Decoder) need(n int) error {
	if d.Remaining() < n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *Decoder) Uint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.data[d.off]
	d.off++
	return v, nil
}

func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v, nil
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	return v != 0, err
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.data[d.off:d.off+int(n)])
	d.off += int(n)
	return b, nil
}

func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) OptionalString() (*string, error) {
	present, err := d.Bool()
	if err != nil || !present {
		return nil, err
	}
	s, err := d.String()
	if err != nil {
		return nil, err
	}
	return &s, nil
}
