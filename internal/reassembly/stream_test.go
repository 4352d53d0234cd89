package reassembly

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type segment struct {
	off  int
	data []byte
}

// splitStream cuts payload at the given offsets.
func splitStream(payload []byte, cuts ...int) []segment {
	var segs []segment
	prev := 0
	for _, c := range append(cuts, len(payload)) {
		segs = append(segs, segment{off: prev, data: payload[prev:c]})
		prev = c
	}
	return segs
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func TestStream_InOrder(t *testing.T) {
	var s Stream
	s.Syn(1000)

	payload := testPayload(60)
	for _, seg := range splitStream(payload, 20, 40) {
		res := s.Add(uint32(1001+seg.off), seg.data)
		assert.False(t, res.Gap)
		assert.False(t, res.Retransmission)
	}
	assert.Equal(t, payload, s.Contiguous())
	assert.Empty(t, s.Gaps())
	assert.Equal(t, uint64(60), s.Next())
}

func TestStream_AnyPermutation(t *testing.T) {
	payload := testPayload(100)
	segs := splitStream(payload, 10, 35, 36, 70)

	for _, perm := range permutations(len(segs)) {
		var s Stream
		s.Syn(0xfffffff0) // wraps inside the payload
		for _, i := range perm {
			s.Add(0xfffffff1+uint32(segs[i].off), segs[i].data)
		}
		require.Empty(t, s.Gaps(), "perm %v", perm)
		require.True(t, bytes.Equal(payload, s.Bytes()), "perm %v", perm)
	}
}

func TestStream_GapThenFill(t *testing.T) {
	var s Stream
	s.Syn(0)
	payload := testPayload(70)

	s.Add(1, payload[:20])
	res := s.Add(51, payload[50:])
	assert.True(t, res.Gap)
	assert.Equal(t, []Gap{{Start: 20, End: 50}}, s.Gaps())
	assert.Equal(t, payload[:20], s.Contiguous())

	res = s.Add(21, payload[20:50])
	assert.True(t, res.OutOfOrder)
	assert.Empty(t, s.Gaps())
	assert.Equal(t, payload, s.Contiguous())
}

func TestStream_GapSplitAndShrink(t *testing.T) {
	var s Stream
	s.Syn(0)
	payload := testPayload(100)

	s.Add(1, payload[:10])
	s.Add(91, payload[90:])
	require.Equal(t, []Gap{{Start: 10, End: 90}}, s.Gaps())

	s.Add(41, payload[40:50]) // split
	assert.Equal(t, []Gap{{Start: 10, End: 40}, {Start: 50, End: 90}}, s.Gaps())

	s.Add(11, payload[10:20]) // shrink from the front
	s.Add(81, payload[80:90]) // shrink from the back
	assert.Equal(t, []Gap{{Start: 20, End: 40}, {Start: 50, End: 80}}, s.Gaps())

	// One segment covering both gaps and the data between them.
	s.Add(21, payload[20:80])
	assert.Empty(t, s.Gaps())
	assert.Equal(t, payload, s.Bytes())
}

func TestStream_Retransmission(t *testing.T) {
	var s Stream
	s.Syn(500)
	payload := testPayload(40)

	s.Add(501, payload[:20])
	s.Add(521, payload[20:])

	dup := bytes.Repeat([]byte{0xff}, 20)
	res := s.Add(501, dup)
	assert.True(t, res.Retransmission)
	assert.Equal(t, payload, s.Bytes())
}

func TestStream_RetransmissionWithNewTail(t *testing.T) {
	var s Stream
	s.Syn(0)
	payload := testPayload(30)

	s.Add(1, payload[:20])
	res := s.Add(11, payload[10:])
	assert.False(t, res.Retransmission)
	assert.Equal(t, payload, s.Bytes())
}

func TestStream_SynResets(t *testing.T) {
	var s Stream
	s.Syn(100)
	s.Add(101, []byte{1, 2, 3})

	s.Syn(9000)
	assert.Equal(t, 0, s.Len())
	s.Add(9001, []byte{4})
	assert.Equal(t, []byte{4}, s.Bytes())
	assert.Equal(t, uint64(0), s.Start())
}

func TestStream_NoSynAnchorsOnFirstSegment(t *testing.T) {
	var s Stream
	res := s.Add(123456, []byte{1, 2})
	assert.Equal(t, uint64(0), res.Seq)
	s.Add(123458, []byte{3})
	assert.Equal(t, []byte{1, 2, 3}, s.Bytes())
}

func TestStream_ConsumeAndDrop(t *testing.T) {
	var s Stream
	s.Syn(0)
	payload := testPayload(30)
	s.Add(1, payload)

	msg := s.Contiguous()[:10]
	s.Consume(10)
	assert.Equal(t, uint64(10), s.Start())
	assert.Equal(t, payload[10:], s.Bytes())
	assert.Equal(t, payload[:10], msg)

	s.Consume(20)
	assert.Equal(t, 0, s.Len())
	s.Add(31, []byte{9})
	assert.Equal(t, payload[:10], msg, "consumed bytes stay valid")

	s.Drop()
	assert.Equal(t, 0, s.Len())
	res := s.Add(61, []byte{7, 7})
	assert.False(t, res.Gap, "after a drop the next segment starts afresh")
	assert.Equal(t, []byte{7, 7}, s.Bytes())
}

func TestStream_FarAheadSegmentRestarts(t *testing.T) {
	var s Stream
	s.Syn(0)
	s.Add(1, []byte{1, 2, 3, 4})

	res := s.Add(1+1<<30, []byte{5})
	assert.True(t, res.Resync)
	assert.False(t, res.Gap)
	assert.Empty(t, s.Gaps())
	assert.Equal(t, []byte{5}, s.Bytes())
	assert.Equal(t, uint64(1<<30), s.Start())

	res = s.Add(2+1<<30, []byte{6})
	assert.False(t, res.Resync)
	assert.Equal(t, []byte{5, 6}, s.Contiguous())

	// A gap right at the limit is still zero filled.
	var w Stream
	w.Syn(0)
	w.Add(1, []byte{1})
	res = w.Add(2+MaxGap, []byte{2})
	assert.True(t, res.Gap)
	assert.Equal(t, []Gap{{Start: 1, End: 1 + MaxGap}}, w.Gaps())
}

func TestStream_ConsumeAcrossGap(t *testing.T) {
	var s Stream
	s.Syn(0)
	payload := testPayload(60)
	s.Add(1, payload[:10])
	s.Add(31, payload[30:])
	require.Equal(t, []Gap{{Start: 10, End: 30}}, s.Gaps())

	s.Consume(20)
	assert.Equal(t, []Gap{{Start: 20, End: 30}}, s.Gaps(), "gap clipped to the new start")
	assert.Empty(t, s.Contiguous())

	s.Consume(10)
	assert.Empty(t, s.Gaps())
	assert.Equal(t, payload[30:], s.Contiguous())

	res := s.Add(11, payload[10:30])
	assert.True(t, res.Retransmission, "a late fill of a dropped gap is not reassembled")
	assert.Equal(t, payload[30:], s.Bytes())
}

func TestStreams_Table(t *testing.T) {
	tbl := NewStreams()
	key := StreamKey{
		Src: netip.MustParseAddr("10.0.0.1"), SrcPort: 800,
		Dst: netip.MustParseAddr("10.0.0.2"), DstPort: 2049,
	}
	s := tbl.Get(key)
	assert.Same(t, s, tbl.Get(key))
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, "10.0.0.1:800 -> 10.0.0.2:2049", key.String())

	tbl.Reset()
	_, ok := tbl.Lookup(key)
	assert.False(t, ok)
}
