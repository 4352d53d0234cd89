package reassembly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSNDistance(t *testing.T) {
	assert.Equal(t, 0, psnDistance(10, 10))
	assert.Equal(t, 5, psnDistance(10, 15))
	assert.Equal(t, -1, psnDistance(10, 9))
	assert.Equal(t, 2, psnDistance(0xFFFFFF, 1), "24-bit wrap")
}

func TestRDMA_ReadResponsesAnyOrder(t *testing.T) {
	payload := testPayload(30)
	frags := [][]byte{payload[:10], payload[10:20], payload[20:]}

	for _, perm := range permutations(len(frags)) {
		r := NewRDMA()
		r.DeclareSegment(0xabc, 30, 0)
		r.AddSubSegment(0xabc, 100, 30)

		var last *Segment
		for i, p := range perm {
			last = r.AddFragment(0, false, 100+uint32(p), frags[p])
			require.NotNil(t, last)
			if i < len(perm)-1 {
				require.False(t, last.Complete(), "perm %v", perm)
			}
		}
		require.True(t, last.Complete(), "perm %v", perm)
		assert.Equal(t, payload, last.Data(), "perm %v", perm)
	}
}

func TestRDMA_InferClosestIncomplete(t *testing.T) {
	r := NewRDMA()
	r.AddSubSegment(1, 100, 8)
	r.AddSubSegment(2, 200, 8)

	s := r.AddFragment(0, false, 201, []byte{5, 6, 7, 8})
	require.NotNil(t, s)
	assert.Equal(t, uint32(2), s.Handle)

	s = r.AddFragment(0, false, 100, []byte{1, 2, 3, 4})
	assert.Equal(t, uint32(1), s.Handle)
	s = r.AddFragment(0, false, 101, []byte{1, 2, 3, 4})
	assert.Equal(t, uint32(1), s.Handle)
	assert.True(t, s.Complete())

	// Sub-segment 1 is complete, so 200 goes to the incomplete one.
	s = r.AddFragment(0, false, 200, []byte{1, 2, 3, 4})
	assert.Equal(t, uint32(2), s.Handle)
	assert.True(t, s.Complete())

	assert.Nil(t, r.AddFragment(0, false, 50, []byte{0}), "no sub-segment precedes psn 50")
}

func TestRDMA_WriteWithHandle(t *testing.T) {
	r := NewRDMA()
	r.DeclareSegment(7, 6, 0)
	r.AddSubSegment(7, 10, 6)

	s := r.AddFragment(7, true, 10, []byte{1, 2, 3})
	require.NotNil(t, s)
	assert.False(t, s.Complete())
	s = r.AddFragment(0, false, 11, []byte{4, 5, 6})
	assert.True(t, s.Complete())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, s.Data())

	assert.Nil(t, r.AddFragment(99, true, 10, []byte{1}), "unknown handle")
}

func TestRDMA_SegmentNeedsDeclaredLength(t *testing.T) {
	r := NewRDMA()
	r.DeclareSegment(1, 8, 0)
	r.AddSubSegment(1, 0, 4)
	s := r.AddFragment(1, true, 0, []byte{1, 2, 3, 4})
	assert.False(t, s.Complete(), "first sub-segment done, segment still short")

	r.AddSubSegment(1, 1, 4)
	s = r.AddFragment(1, true, 1, []byte{5, 6, 7, 8})
	assert.True(t, s.Complete())
	assert.Len(t, s.SubSegments(), 2)
}

func TestRDMA_ChunkData(t *testing.T) {
	r := NewRDMA()
	r.AddSubSegment(1, 0, 2)
	r.AddSubSegment(2, 5, 2)
	r.AddFragment(1, true, 0, []byte{1, 2})

	_, ok := r.ChunkData([]uint32{1, 2})
	assert.False(t, ok)

	r.AddFragment(2, true, 5, []byte{3, 4})
	data, ok := r.ChunkData([]uint32{2, 1})
	require.True(t, ok)
	assert.Equal(t, []byte{3, 4, 1, 2}, data)
}

func TestRDMA_ReadChunkMessage(t *testing.T) {
	r := NewRDMA()
	r.DeclareSegment(1, 5, 8)
	r.AddSubSegment(1, 0, 5)
	r.DeclareSegment(2, 4, 20)
	r.AddSubSegment(2, 10, 4)

	reduced := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0xaa, 0xaa, 0xaa, 0xaa, 0xbb, 0xbb, 0xbb, 0xbb}
	chunks := []ReadChunk{{Position: 20, Handle: 2}, {Position: 8, Handle: 1}}

	_, ok := r.ReadChunkMessage(reduced, chunks)
	assert.False(t, ok)

	r.AddFragment(1, true, 0, []byte{1, 2, 3, 4, 5})
	r.AddFragment(2, true, 10, []byte{6, 7, 8, 9})

	msg, ok := r.ReadChunkMessage(reduced, chunks)
	require.True(t, ok)
	want := []byte{
		0, 0, 0, 1, 0, 0, 0, 2,
		1, 2, 3, 4, 5, 0, 0, 0, // chunk at 8, padded
		0xaa, 0xaa, 0xaa, 0xaa,
		6, 7, 8, 9, // chunk at 20
		0xbb, 0xbb, 0xbb, 0xbb,
	}
	assert.Equal(t, want, msg)
}

func TestRDMA_ReadChunkMessageSharedPosition(t *testing.T) {
	r := NewRDMA()
	r.AddSubSegment(1, 0, 2)
	r.AddSubSegment(2, 4, 2)
	r.AddFragment(1, true, 0, []byte{1, 2})
	r.AddFragment(2, true, 4, []byte{3, 4})

	msg, ok := r.ReadChunkMessage([]byte{9, 9, 9, 9}, []ReadChunk{{4, 1}, {4, 2}})
	require.True(t, ok)
	assert.Equal(t, []byte{9, 9, 9, 9, 1, 2, 3, 4}, msg)
}

func TestRDMA_RemoveReset(t *testing.T) {
	r := NewRDMA()
	r.DeclareSegment(1, 4, 0)
	r.DeclareSegment(2, 4, 0)
	r.Remove(1)
	assert.Nil(t, r.Segment(1))
	assert.Equal(t, 1, r.Len())

	r.Reset()
	assert.Equal(t, 0, r.Len())
}
