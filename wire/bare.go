package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// bare is a compact schema-driven encoding: discriminated unions are
// tag:uvarint followed by the variant payload, strings and opaque byte fields
// are uvarint length-prefixed, fixed numbers are little-endian.

type bareWriter struct {
	buf bytes.Buffer
}

func (w *bareWriter) uint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func (w *bareWriter) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf.Write(tmp[:])
}

func (w *bareWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *bareWriter) bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *bareWriter) bytes(b []byte) {
	w.uint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *bareWriter) string(s string) { w.bytes([]byte(s)) }

// optional writes a presence byte before the value.
func (w *bareWriter) present(ok bool) { w.bool(ok) }

type bareReader struct {
	data []byte
	off  int
}

func (r *bareReader) uint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, fmt.Errorf("bare: truncated uvarint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *bareReader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("bare: truncated u64 at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *bareReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *bareReader) bool() (bool, error) {
	if r.off >= len(r.data) {
		return false, fmt.Errorf("bare: truncated bool at offset %d", r.off)
	}
	b := r.data[r.off]
	r.off++
	if b > 1 {
		return false, fmt.Errorf("bare: invalid bool byte %#x", b)
	}
	return b == 1, nil
}

func (r *bareReader) bytes() ([]byte, error) {
	n, err := r.uint()
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt32 || r.off+int(n) > len(r.data) {
		return nil, fmt.Errorf("bare: byte field of %d exceeds input", n)
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *bareReader) string() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *bareReader) present() (bool, error) { return r.bool() }

func (r *bareReader) remaining() int { return len(r.data) - r.off }
