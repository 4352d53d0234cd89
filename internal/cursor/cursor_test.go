package cursor

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"firestige.xyz/pktt/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_Read_Clamped(t *testing.T) {
	c := New([]byte{1, 2, 3})

	assert.Equal(t, []byte{1, 2}, c.Read(2))
	assert.Equal(t, []byte{3}, c.Read(5))
	assert.Empty(t, c.Read(1))
	assert.Equal(t, 3, c.Tell())
	assert.NoError(t, c.Err())
}

func TestCursor_Seek_Clamped(t *testing.T) {
	c := New([]byte{1, 2, 3})

	c.Seek(10)
	assert.Equal(t, 3, c.Tell())
	c.Seek(-1)
	assert.Equal(t, 0, c.Tell())
	assert.Equal(t, []byte{1}, c.Peek(1))
	assert.Equal(t, 0, c.Tell())
}

func TestCursor_SaveRestore(t *testing.T) {
	data := []byte{0, 0, 0, 7, 0, 0, 0, 9, 1, 2}
	for n := 0; n <= len(data)+2; n++ {
		c := New(data)
		c.Read(2)
		before := c.Tell()
		expect := append([]byte(nil), c.Peek(len(data))...)

		tok := c.Save()
		c.Read(n)
		c.Uint64()
		c.Restore(tok)

		assert.Equal(t, before, c.Tell(), "n=%d", n)
		assert.Equal(t, expect, c.Read(len(data)), "n=%d", n)
		assert.NoError(t, c.Err(), "n=%d", n)
	}
}

func TestCursor_Restore_Nested(t *testing.T) {
	c := New([]byte{1, 2, 3, 4, 5})
	outer := c.Save()
	c.Read(1)
	inner := c.Save()
	c.Read(2)
	c.Restore(inner)
	assert.Equal(t, 1, c.Tell())

	c.Read(3)
	c.Restore(outer)
	assert.Equal(t, 0, c.Tell())

	// Both checkpoints are gone now.
	c.Read(2)
	c.Restore(inner)
	assert.Equal(t, 2, c.Tell())
}

func TestCursor_Restore_UndoesInsert(t *testing.T) {
	c := New([]byte{5, 6})
	c.Read(1)
	tok := c.Save()

	c.Insert([]byte{1, 2, 3})
	assert.Equal(t, 0, c.Tell())
	assert.Equal(t, []byte{1, 2, 3, 6}, c.Bytes())

	c.Restore(tok)
	assert.Equal(t, 1, c.Tell())
	assert.Equal(t, []byte{6}, c.Bytes())
}

func TestCursor_Insert_ZeroCopyWhenDrained(t *testing.T) {
	c := New([]byte{1, 2})
	c.Read(2)

	stream := []byte{9, 8, 7}
	c.Insert(stream)
	got := c.Bytes()
	require.Len(t, got, 3)
	assert.Same(t, &stream[0], &got[0])
}

func TestCursor_Append(t *testing.T) {
	c := New([]byte{1})
	tok := c.Save()
	c.Append([]byte{2, 3})
	assert.Equal(t, []byte{1, 2, 3}, c.Read(3))
	c.Restore(tok)
	assert.Equal(t, []byte{1}, c.Bytes())
}

func TestCursor_Trim(t *testing.T) {
	c := New([]byte{1, 2, 3, 4, 5, 6})
	c.Read(1)
	c.Trim(3)
	assert.Equal(t, []byte{2, 3, 4}, c.Bytes())
	c.Trim(10)
	assert.Equal(t, 3, c.Len())
}

func TestCursor_TypedRoundTrip(t *testing.T) {
	type byteOrder interface {
		binary.ByteOrder
		binary.AppendByteOrder
	}
	for _, order := range []byteOrder{binary.BigEndian, binary.LittleEndian} {
		var buf []byte
		buf = append(buf, 0xfe)
		buf = order.AppendUint16(buf, 0xbeef)
		buf = order.AppendUint32(buf, 0xdeadbeef)
		buf = order.AppendUint64(buf, 0x0123456789abcdef)
		buf = order.AppendUint32(buf, uint32(0xffffffff))
		buf = order.AppendUint64(buf, uint64(1<<63))

		c := New(buf)
		c.SetOrder(order)
		assert.Equal(t, uint8(0xfe), c.Uint8())
		assert.Equal(t, uint16(0xbeef), c.Uint16())
		assert.Equal(t, uint32(0xdeadbeef), c.Uint32())
		assert.Equal(t, uint64(0x0123456789abcdef), c.Uint64())
		assert.Equal(t, int32(-1), c.Int32())
		assert.Equal(t, int64(-1<<63), c.Int64())
		assert.NoError(t, c.Err())
		assert.Equal(t, 0, c.Len())
	}
}

func TestCursor_ShortTypedRead(t *testing.T) {
	c := New([]byte{1, 2})
	assert.Equal(t, uint32(0), c.Uint32())
	assert.True(t, errors.Is(c.Err(), io.ErrUnexpectedEOF))
	assert.Equal(t, 2, c.Tell())
}

func TestCursor_Opaque(t *testing.T) {
	c := New([]byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o', 0, 0, 0, 0xaa})
	b, err := c.Opaque(16)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
	assert.Equal(t, uint8(0xaa), c.Uint8())
}

func TestCursor_Opaque_TooLong(t *testing.T) {
	c := New([]byte{0, 0, 1, 0, 'x'})
	_, err := c.Opaque(16)
	assert.ErrorIs(t, err, core.ErrMalformedField)
	assert.Equal(t, 0, c.Tell())
}

func TestCursor_ReadString(t *testing.T) {
	c := New([]byte{0, 0, 0, 3, 'a', 'b', 'c', 0})
	s, err := c.ReadString(8)
	require.NoError(t, err)
	assert.Equal(t, "abc", s)
	assert.Equal(t, 8, c.Tell())
}

func TestCursor_Chunk_CustomLength(t *testing.T) {
	oneByte := func(c *Cursor) int { return int(c.Uint8()) }
	c := New([]byte{2, 'o', 'k', '!'})
	b, err := c.Chunk(oneByte, 4, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), b)
	assert.Equal(t, []byte("!"), c.Bytes())
}

func TestCursor_Array(t *testing.T) {
	c := New([]byte{0, 0, 0, 2, 0, 0, 0, 10, 0, 0, 0, 20})
	vals, err := Array(c, 4, func(c *Cursor) (uint32, error) { return c.Uint32(), nil })
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 20}, vals)

	c = New([]byte{0, 0, 0, 9})
	_, err = Array(c, 4, func(c *Cursor) (uint32, error) { return c.Uint32(), nil })
	assert.ErrorIs(t, err, core.ErrMalformedField)
}

func TestCursor_ArrayWith(t *testing.T) {
	byteCount := func(c *Cursor) int { return int(c.Uint8()) }
	read := func(c *Cursor) (uint16, error) { return c.Uint16(), nil }

	c := New([]byte{3, 0, 1, 0, 2, 0, 3, 0xff})
	vals, err := ArrayWith(c, byteCount, 4, read)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, vals)
	assert.Equal(t, 7, c.Tell())

	c = New([]byte{5, 0, 1})
	_, err = ArrayWith(c, byteCount, 4, read)
	assert.ErrorIs(t, err, core.ErrMalformedField)
	assert.Equal(t, 0, c.Tell(), "count restored on failure")
}

func TestCursor_List(t *testing.T) {
	c := New([]byte{
		0, 0, 0, 1, 0, 0, 0, 3,
		0, 0, 0, 1, 0, 0, 0, 4,
		0, 0, 0, 0,
	})
	vals, err := List(c, 8, func(c *Cursor) (uint32, error) { return c.Uint32(), nil })
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 4}, vals)
	assert.Equal(t, 0, c.Len())
}

func TestCursor_Conditional(t *testing.T) {
	c := New([]byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 42})
	read := func(c *Cursor) (uint32, error) { return c.Uint32(), nil }

	v, err := Conditional(c, read)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Conditional(c, read)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, uint32(42), *v)
}

func TestCursor_Bitmap(t *testing.T) {
	c := New([]byte{0, 0, 0, 2, 0, 0, 0, 0x09, 0x40, 0, 0, 0})
	bits, err := c.Bitmap(4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 62}, bits)
}
