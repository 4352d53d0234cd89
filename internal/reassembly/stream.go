// Package reassembly rebuilds transport payloads that arrive split across
// several packets: TCP byte streams, IPv4 fragments and RPC-over-RDMA
// segments.
package reassembly

import (
	"fmt"
	"net/netip"

	"firestige.xyz/pktt/internal/metrics"
)

// StreamKey identifies one direction of a TCP connection.
type StreamKey struct {
	Src     netip.Addr
	SrcPort uint16
	Dst     netip.Addr
	DstPort uint16
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s -> %s",
		netip.AddrPortFrom(k.Src, k.SrcPort), netip.AddrPortFrom(k.Dst, k.DstPort))
}

// MaxGap bounds the zero fill for a segment beyond the next expected byte.
// A segment further ahead restarts the stream at itself.
const MaxGap = 1 << 24

// Gap is a missing [Start, End) range of relative sequence numbers.
type Gap struct {
	Start uint64
	End   uint64
}

// AddResult describes what Stream.Add did with a segment.
type AddResult struct {
	Seq            uint64 // Relative sequence number of the segment
	Retransmission bool   // Segment only repeated bytes already assembled
	OutOfOrder     bool   // Segment filled (part of) a gap
	Gap            bool   // Segment opened a new gap
	Resync         bool   // Segment lay beyond MaxGap; the buffer restarted at it
}

// Stream is the reassembly state of one connection direction.
//
// The buffer holds bytes [start, next) of the relative sequence space. Bytes
// covered by gaps are zero until a segment fills them.
type Stream struct {
	base     uint32
	based    bool // base is known
	anchored bool // next is meaningful; out-of-order data opens gaps

	last  uint64 // Relative sequence of the last accepted segment
	next  uint64 // Next expected relative sequence
	start uint64 // Relative sequence of buf[0]
	buf   []byte
	gaps  []Gap

	// Pending is set when the buffer already holds another complete message
	// after the one just delivered.
	Pending bool
}

// Syn anchors the stream on a SYN: the SYN occupies seq, data starts at seq+1.
func (s *Stream) Syn(seq uint32) {
	*s = Stream{base: seq + 1, based: true, anchored: true}
}

// Rel converts an absolute sequence number into the stream's relative
// sequence space. Sequence numbers are compared with serial arithmetic
// against the next expected byte, so 32-bit wraparound is transparent in
// both directions. The first segment of a stream without SYN sets the base.
func (s *Stream) Rel(seq uint32) uint64 {
	if !s.based {
		s.base = seq
		s.based = true
	}
	d := int64(int32(seq - (s.base + uint32(s.next))))
	r := int64(s.next) + d
	if r < 0 {
		// Before the stream start; treat as a retransmission of byte 0.
		return 0
	}
	return uint64(r)
}

// Add absorbs a segment.
func (s *Stream) Add(seq uint32, data []byte) AddResult {
	r := s.Rel(seq)
	res := AddResult{Seq: r}
	if len(data) == 0 {
		return res
	}
	end := r + uint64(len(data))

	switch {
	case !s.anchored && r >= s.next:
		// First data seen, or first data after the buffer was dropped.
		s.start = r
		s.buf = append([]byte(nil), data...)
		s.next = end
		s.anchored = true
	case r == s.next:
		s.buf = append(s.buf, data...)
		s.next = end
	case r > s.next && r-s.next > MaxGap:
		s.start = r
		s.buf = append([]byte(nil), data...)
		s.gaps = nil
		s.next = end
		s.Pending = false
		res.Resync = true
		metrics.StreamDesyncsTotal.Inc()
	case r > s.next:
		s.gaps = append(s.gaps, Gap{Start: s.next, End: r})
		s.buf = append(s.buf, make([]byte, r-s.next)...)
		s.buf = append(s.buf, data...)
		s.next = end
		res.Gap = true
		metrics.StreamGapsTotal.Inc()
	default:
		if !s.overlapsGap(r, end) {
			if end <= s.next {
				res.Retransmission = true
				metrics.StreamRetransmissionsTotal.Inc()
				return res
			}
			// Overlapping retransmission that carries new bytes at its tail.
			data = data[s.next-r:]
			s.buf = append(s.buf, data...)
			s.next = end
			break
		}
		s.fill(r, data)
		res.OutOfOrder = true
	}
	s.last = max(s.last, r)
	return res
}

func (s *Stream) overlapsGap(start, end uint64) bool {
	for _, g := range s.gaps {
		if start < g.End && end > g.Start {
			return true
		}
	}
	return false
}

// fill splices data at r, which lies before next, and shrinks, splits or
// removes the gaps it covers. Bytes past next are appended.
func (s *Stream) fill(r uint64, data []byte) {
	end := r + uint64(len(data))
	if r < s.start {
		if end <= s.start {
			return
		}
		data = data[s.start-r:]
		r = s.start
	}
	inside := min(end, s.next)
	copy(s.buf[r-s.start:], data[:inside-r])
	if end > s.next {
		s.buf = append(s.buf, data[inside-r:]...)
		s.next = end
	}

	gaps := s.gaps[:0]
	for _, g := range s.gaps {
		switch {
		case end <= g.Start || r >= g.End:
			gaps = append(gaps, g)
		case r <= g.Start && end >= g.End:
			// fully covered
		case r <= g.Start:
			gaps = append(gaps, Gap{Start: end, End: g.End})
		case end >= g.End:
			gaps = append(gaps, Gap{Start: g.Start, End: r})
		default:
			gaps = append(gaps, Gap{Start: g.Start, End: r}, Gap{Start: end, End: g.End})
		}
	}
	s.gaps = gaps
}

// Bytes returns the whole buffer, gaps included.
func (s *Stream) Bytes() []byte { return s.buf }

// Contiguous returns the buffered bytes before the first gap.
func (s *Stream) Contiguous() []byte {
	n := uint64(len(s.buf))
	for _, g := range s.gaps {
		n = min(n, g.Start-s.start)
	}
	return s.buf[:n]
}

// Gaps returns the missing ranges.
func (s *Stream) Gaps() []Gap { return s.gaps }

// Len returns the number of buffered bytes.
func (s *Stream) Len() int { return len(s.buf) }

// Start returns the relative sequence number of the first buffered byte.
func (s *Stream) Start() uint64 { return s.start }

// Next returns the next expected relative sequence number.
func (s *Stream) Next() uint64 { return s.next }

// Last returns the relative sequence number of the last accepted segment.
func (s *Stream) Last() uint64 { return s.last }

// Consume drops n bytes from the front of the buffer, along with the gaps
// among them. Slices previously returned by Contiguous stay valid.
func (s *Stream) Consume(n int) {
	n = min(n, len(s.buf))
	s.start += uint64(n)
	gaps := s.gaps[:0]
	for _, g := range s.gaps {
		if g.End <= s.start {
			continue
		}
		g.Start = max(g.Start, s.start)
		gaps = append(gaps, g)
	}
	s.gaps = gaps
	if n == len(s.buf) {
		s.buf = nil
		return
	}
	s.buf = s.buf[n:]
}

// Drop discards the buffer and all gaps. The next segment at or beyond
// Next starts afresh.
func (s *Stream) Drop() {
	s.buf = nil
	s.gaps = nil
	s.start = s.next
	s.anchored = false
	s.Pending = false
}

// Streams holds the stream state of every connection direction in a trace.
type Streams struct {
	m map[StreamKey]*Stream
}

// NewStreams creates an empty stream table.
func NewStreams() *Streams {
	return &Streams{m: make(map[StreamKey]*Stream)}
}

// Get returns the stream for key, creating it on first use.
func (t *Streams) Get(key StreamKey) *Stream {
	s, ok := t.m[key]
	if !ok {
		s = &Stream{}
		t.m[key] = s
		metrics.StreamsActive.Inc()
	}
	return s
}

// Lookup returns the stream for key without creating it.
func (t *Streams) Lookup(key StreamKey) (*Stream, bool) {
	s, ok := t.m[key]
	return s, ok
}

// Len returns the number of known streams.
func (t *Streams) Len() int { return len(t.m) }

// Reset forgets every stream.
func (t *Streams) Reset() {
	metrics.StreamsActive.Sub(float64(len(t.m)))
	t.m = make(map[StreamKey]*Stream)
}
