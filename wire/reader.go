// Package wire decodes the meeting client's collaboration metadata: a
// length-delimited tagged-field format carrying participant details, chat
// messages, and captions inside several levels of nested wrapper messages.
// The reader tolerates unknown fields at every level so upstream protocol
// changes degrade to skipped bytes instead of decode failures.
package wire

import (
	"errors"
	"fmt"
)

// WireType selects how a field's payload is encoded.
type WireType uint8

// Wire types used by the format. Deprecated group markers (3, 4) are treated
// as malformed since they cannot be skipped without schema knowledge.
const (
	TypeVarint  WireType = 0
	TypeFixed64 WireType = 1
	TypeBytes   WireType = 2
	TypeFixed32 WireType = 5
)

// DecodeError wraps any malformed-input condition found while decoding:
// truncated buffers, overlong varints, unskippable wire types, or a failed
// decompression. Callers log it and drop the message; it never aborts the
// ingestion stream.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(op string, err error) *DecodeError {
	return &DecodeError{Op: op, Err: err}
}

var (
	errTruncated     = errors.New("truncated")
	errVarintTooLong = errors.New("varint exceeds 64 bits")
)

// Reader walks a bounded byte slice field by field. Nested messages are
// decoded by constructing a new Reader over the sub-slice returned by Bytes,
// so a corrupt inner length can never escape its enclosing message.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// More reports whether any undecoded bytes remain.
func (r *Reader) More() bool {
	return r.pos < len(r.buf)
}

// Varint reads one base-128 varint.
func (r *Reader) Varint() (uint64, error) {
	var v uint64
	for shift := 0; shift < 64; shift += 7 {
		if r.pos >= len(r.buf) {
			return 0, decodeErr("varint", errTruncated)
		}
		b := r.buf[r.pos]
		r.pos++
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, decodeErr("varint", errVarintTooLong)
}

// FieldHeader reads the next field's number and wire type.
func (r *Reader) FieldHeader() (int, WireType, error) {
	tag, err := r.Varint()
	if err != nil {
		return 0, 0, err
	}
	return int(tag >> 3), WireType(tag & 7), nil
}

// Bytes reads a length-delimited payload and returns the sub-slice.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.pos) {
		return nil, decodeErr("bytes", fmt.Errorf("%w: need %d, have %d", errTruncated, n, len(r.buf)-r.pos))
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

// Skip consumes a field of the given wire type without interpreting it.
func (r *Reader) Skip(typ WireType) error {
	switch typ {
	case TypeVarint:
		_, err := r.Varint()
		return err
	case TypeFixed64:
		return r.skipN(8)
	case TypeBytes:
		_, err := r.Bytes()
		return err
	case TypeFixed32:
		return r.skipN(4)
	default:
		return decodeErr("skip", fmt.Errorf("unskippable wire type %d", typ))
	}
}

func (r *Reader) skipN(n int) error {
	if len(r.buf)-r.pos < n {
		return decodeErr("skip", errTruncated)
	}
	r.pos += n
	return nil
}
