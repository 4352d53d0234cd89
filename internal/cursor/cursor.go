// Package cursor implements a checkpointable binary reader used by every
// wire decoder.
package cursor

import (
	"encoding/binary"
	"fmt"
	"io"

	"firestige.xyz/pktt/internal/core"
)

// Token identifies a checkpoint pushed by Save.
type Token int

type checkpoint struct {
	buf []byte
	off int
	err error
}

// Cursor reads from an in-memory buffer. Reads past the end are clamped and
// never panic; typed readers return zero values and record io.ErrUnexpectedEOF
// in Err.
type Cursor struct {
	buf   []byte
	off   int
	order binary.ByteOrder
	err   error
	saved []checkpoint
}

// New creates a cursor over b in network byte order. b is not copied.
func New(b []byte) *Cursor {
	return &Cursor{buf: b, order: binary.BigEndian}
}

// SetOrder changes the byte order used by the typed readers.
func (c *Cursor) SetOrder(order binary.ByteOrder) { c.order = order }

// Order returns the byte order in use.
func (c *Cursor) Order() binary.ByteOrder { return c.order }

// Err returns the first short read since the cursor was created or last restored.
func (c *Cursor) Err() error { return c.err }

// Tell returns the read offset.
func (c *Cursor) Tell() int { return c.off }

// Size returns the total buffer length.
func (c *Cursor) Size() int { return len(c.buf) }

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return len(c.buf) - c.off }

// Bytes returns the unread bytes without advancing.
func (c *Cursor) Bytes() []byte { return c.buf[c.off:] }

// Seek sets the read offset, clamped to [0, Size()].
func (c *Cursor) Seek(off int) {
	c.off = min(max(off, 0), len(c.buf))
}

// Skip advances by n bytes, clamped at the end.
func (c *Cursor) Skip(n int) { c.Seek(c.off + n) }

// Read returns up to n bytes and advances past them.
func (c *Cursor) Read(n int) []byte {
	b := c.Peek(n)
	c.off += len(b)
	return b
}

// Peek returns up to n bytes without advancing.
func (c *Cursor) Peek(n int) []byte {
	if n <= 0 {
		return nil
	}
	end := min(c.off+n, len(c.buf))
	return c.buf[c.off:end:end]
}

// Trim drops everything beyond the next n unread bytes, used to cut off link
// padding and trailing checksums.
func (c *Cursor) Trim(n int) {
	if n < 0 {
		n = 0
	}
	if c.off+n < len(c.buf) {
		c.buf = c.buf[:c.off+n]
	}
}

// Append adds bytes after the end of the buffer.
func (c *Cursor) Append(b []byte) {
	c.buf = append(c.buf[:len(c.buf):len(c.buf)], b...)
}

// Insert places b in front of the unread bytes and rebases the offset to 0.
// When nothing is left unread b becomes the buffer without copying.
func (c *Cursor) Insert(b []byte) {
	rest := c.buf[c.off:]
	if len(rest) == 0 {
		c.buf = b
	} else {
		nb := make([]byte, 0, len(b)+len(rest))
		nb = append(nb, b...)
		c.buf = append(nb, rest...)
	}
	c.off = 0
}

// Save pushes a checkpoint and returns its token.
func (c *Cursor) Save() Token {
	// Only the slice header is kept; Insert and Append never write into a
	// region a checkpoint can see.
	c.saved = append(c.saved, checkpoint{buf: c.buf, off: c.off, err: c.err})
	return Token(len(c.saved) - 1)
}

// Restore rolls the cursor back to the checkpoint identified by tok and
// discards it together with every later checkpoint.
func (c *Cursor) Restore(tok Token) {
	if int(tok) < 0 || int(tok) >= len(c.saved) {
		return
	}
	cp := c.saved[tok]
	c.buf, c.off, c.err = cp.buf, cp.off, cp.err
	c.saved = c.saved[:tok]
}

// Commit discards the checkpoint identified by tok, and every later one,
// keeping the current position.
func (c *Cursor) Commit(tok Token) {
	if int(tok) < 0 || int(tok) >= len(c.saved) {
		return
	}
	c.saved = c.saved[:tok]
}

func (c *Cursor) fixed(n int) []byte {
	b := c.Read(n)
	if len(b) < n {
		if c.err == nil {
			c.err = io.ErrUnexpectedEOF
		}
		return nil
	}
	return b
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() uint8 {
	b := c.fixed(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads two bytes.
func (c *Cursor) Uint16() uint16 {
	b := c.fixed(2)
	if b == nil {
		return 0
	}
	return c.order.Uint16(b)
}

// Uint24 reads a three byte big-endian quantity, as used by InfiniBand headers.
func (c *Cursor) Uint24() uint32 {
	b := c.fixed(3)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Uint32 reads four bytes.
func (c *Cursor) Uint32() uint32 {
	b := c.fixed(4)
	if b == nil {
		return 0
	}
	return c.order.Uint32(b)
}

// Uint64 reads eight bytes.
func (c *Cursor) Uint64() uint64 {
	b := c.fixed(8)
	if b == nil {
		return 0
	}
	return c.order.Uint64(b)
}

func (c *Cursor) Int8() int8   { return int8(c.Uint8()) }
func (c *Cursor) Int16() int16 { return int16(c.Uint16()) }
func (c *Cursor) Int32() int32 { return int32(c.Uint32()) }
func (c *Cursor) Int64() int64 { return int64(c.Uint64()) }

// Bool reads an XDR boolean.
func (c *Cursor) Bool() bool { return c.Uint32() != 0 }

// Pad skips the bytes needed to bring n up to a multiple of 4.
func (c *Cursor) Pad(n int) {
	if r := n % 4; r != 0 {
		c.Skip(4 - r)
	}
}

// FixedOpaque reads n bytes followed by XDR padding.
func (c *Cursor) FixedOpaque(n int) []byte {
	b := c.fixed(n)
	c.Pad(n)
	return b
}

// LengthFunc decodes a length prefix.
type LengthFunc func(c *Cursor) int

// XDRLength reads a 4-byte unsigned length.
func XDRLength(c *Cursor) int { return int(c.Uint32()) }

// Chunk reads a length with lenFn followed by that many bytes. A length
// greater than limit fails with core.ErrMalformedField and leaves the cursor
// where it was. pad selects 4-byte XDR padding.
func (c *Cursor) Chunk(lenFn LengthFunc, limit int, pad bool) ([]byte, error) {
	start, prevErr := c.off, c.err
	n := lenFn(c)
	if n < 0 || n > limit {
		c.off, c.err = start, prevErr
		return nil, fmt.Errorf("length %d, max %d: %w", n, limit, core.ErrMalformedField)
	}
	b := c.fixed(n)
	if pad {
		c.Pad(n)
	}
	return b, nil
}

// Opaque reads variable-length XDR opaque data.
func (c *Cursor) Opaque(limit int) ([]byte, error) {
	return c.Chunk(XDRLength, limit, true)
}

// ReadString reads a variable-length XDR string.
func (c *Cursor) ReadString(limit int) (string, error) {
	b, err := c.Chunk(XDRLength, limit, true)
	return string(b), err
}

// Bitmap reads an XDR bitmap (a counted array of 32-bit words) and returns
// the numbers of the set bits in ascending order.
func (c *Cursor) Bitmap(maxWords int) ([]int, error) {
	words, err := Array(c, maxWords, func(c *Cursor) (uint32, error) {
		return c.Uint32(), nil
	})
	if err != nil {
		return nil, err
	}
	var bits []int
	for i, w := range words {
		for b := 0; b < 32; b++ {
			if w&(1<<b) != 0 {
				bits = append(bits, i*32+b)
			}
		}
	}
	return bits, nil
}

// Array reads an XDR counted array, each element decoded by fn.
func Array[T any](c *Cursor, limit int, fn func(*Cursor) (T, error)) ([]T, error) {
	return ArrayWith(c, XDRLength, limit, fn)
}

// ArrayWith reads an array whose element count is decoded by lenFn. A count
// greater than limit fails with core.ErrMalformedField and leaves the cursor
// where it was.
func ArrayWith[T any](c *Cursor, lenFn LengthFunc, limit int, fn func(*Cursor) (T, error)) ([]T, error) {
	start, prevErr := c.off, c.err
	n := lenFn(c)
	if n < 0 || n > limit {
		c.off, c.err = start, prevErr
		return nil, fmt.Errorf("array count %d, max %d: %w", n, limit, core.ErrMalformedField)
	}
	return FixedArray(c, n, fn)
}

// FixedArray reads exactly n elements. It stops early when the buffer runs out.
func FixedArray[T any](c *Cursor, n int, fn func(*Cursor) (T, error)) ([]T, error) {
	out := make([]T, 0, min(n, c.Len()))
	for i := 0; i < n; i++ {
		v, err := fn(c)
		if err != nil {
			return out, err
		}
		if c.err != nil {
			return out, nil
		}
		out = append(out, v)
	}
	return out, nil
}

// List reads an XDR optional-data list: each element is preceded by a
// boolean that is false after the last one.
func List[T any](c *Cursor, limit int, fn func(*Cursor) (T, error)) ([]T, error) {
	var out []T
	for c.Bool() {
		if len(out) == limit {
			return out, fmt.Errorf("list longer than %d: %w", limit, core.ErrMalformedField)
		}
		v, err := fn(c)
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Conditional reads an XDR optional value: a boolean, then the value when
// the boolean is true. It returns nil when the value is absent.
func Conditional[T any](c *Cursor, fn func(*Cursor) (T, error)) (*T, error) {
	if !c.Bool() {
		return nil, nil
	}
	v, err := fn(c)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
