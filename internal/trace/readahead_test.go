package trace

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
)

func TestReadAhead_ReadAcrossChunks(t *testing.T) {
	data := make([]byte, 3*readSize+17)
	for i := range data {
		data[i] = byte(i)
	}
	r := newReadAhead(iotest.HalfReader(bytes.NewReader(data)))

	var got []byte
	for {
		b := r.Read(1000)
		if len(b) == 0 {
			break
		}
		got = append(got, b...)
	}
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), r.Offset())
	assert.NoError(t, r.Err())
}

func TestReadAhead_SeekBack(t *testing.T) {
	data := make([]byte, 4*readSize)
	for i := range data {
		data[i] = byte(i / 7)
	}
	r := newReadAhead(bytes.NewReader(data))

	r.Read(3 * readSize)
	start := r.Offset()
	first := bytes.Clone(r.Read(100))

	assert.True(t, r.Seek(start))
	assert.Equal(t, first, r.Read(100))

	r.Read(readSize)
	assert.True(t, r.Seek(start), "one chunk behind stays buffered")
	assert.False(t, r.Seek(0))
	assert.False(t, r.Seek(int64(len(data))+1))
}

func TestReadAhead_ShortAndRetry(t *testing.T) {
	var src bytes.Buffer
	src.WriteString("abc")
	r := newReadAhead(&src)

	assert.Equal(t, []byte("abc"), r.Read(5))
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Read(1))

	src.WriteString("def")
	assert.Empty(t, r.Read(1), "end of input sticks until Retry")
	r.Retry()
	assert.Equal(t, []byte("def"), r.Read(3))
}

func TestReadAhead_Error(t *testing.T) {
	boom := errors.New("boom")
	r := newReadAhead(io.MultiReader(bytes.NewReader([]byte("xy")), iotest.ErrReader(boom)))

	assert.Equal(t, []byte("xy"), r.Read(4))
	assert.ErrorIs(t, r.Err(), boom)
}
