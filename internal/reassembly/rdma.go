package reassembly

import (
	"sort"

	"firestige.xyz/pktt/internal/metrics"
)

const psnMask = 0xFFFFFF

// psnDistance returns how far psn lies after start in the 24-bit PSN space,
// or -1 when it lies before it.
func psnDistance(start, psn uint32) int {
	d := (psn - start) & psnMask
	if d >= 1<<23 {
		return -1
	}
	return int(d)
}

// SubSegment is the part of a segment moved by one RDMA operation. Fragment
// i is the payload of the packet with PSN start+i.
type SubSegment struct {
	PSN    uint32
	Length uint32
	frags  [][]byte
}

// Size returns the number of bytes received so far.
func (ss *SubSegment) Size() int {
	n := 0
	for _, f := range ss.frags {
		n += len(f)
	}
	return n
}

// Data concatenates the fragments in PSN order.
func (ss *SubSegment) Data() []byte {
	out := make([]byte, 0, ss.Size())
	for _, f := range ss.frags {
		out = append(out, f...)
	}
	return out
}

// Complete reports whether the declared length has arrived.
func (ss *SubSegment) Complete() bool {
	return ss.Size() >= int(ss.Length)
}

func (ss *SubSegment) add(psn uint32, data []byte) {
	i := psnDistance(ss.PSN, psn)
	for len(ss.frags) <= i {
		ss.frags = append(ss.frags, nil)
	}
	ss.frags[i] = append([]byte(nil), data...)
}

// Segment is a remote memory region identified by its handle (R_Key).
type Segment struct {
	Handle   uint32
	Length   uint32
	Position uint32 // XDR position for read chunks
	subs     []*SubSegment
}

// SubSegments returns the sub-segments in arrival order.
func (s *Segment) SubSegments() []*SubSegment { return s.subs }

// Size returns the number of bytes received across all sub-segments.
func (s *Segment) Size() int {
	n := 0
	for _, ss := range s.subs {
		n += ss.Size()
	}
	return n
}

// Data concatenates the sub-segments.
func (s *Segment) Data() []byte {
	out := make([]byte, 0, s.Size())
	for _, ss := range s.subs {
		out = append(out, ss.Data()...)
	}
	return out
}

// Complete reports whether every sub-segment is complete and the declared
// length has been received.
func (s *Segment) Complete() bool {
	if len(s.subs) == 0 {
		return false
	}
	for _, ss := range s.subs {
		if !ss.Complete() {
			return false
		}
	}
	return s.Size() >= int(s.Length)
}

// RDMA reassembles segments transferred by RDMA READ and WRITE operations.
type RDMA struct {
	segments map[uint32]*Segment
	order    []uint32
}

// NewRDMA creates an empty reassembler.
func NewRDMA() *RDMA {
	return &RDMA{segments: make(map[uint32]*Segment)}
}

// DeclareSegment creates the segment for handle, or updates its declared
// length and position when it already exists.
func (r *RDMA) DeclareSegment(handle, length, position uint32) *Segment {
	s, ok := r.segments[handle]
	if !ok {
		s = &Segment{Handle: handle}
		r.segments[handle] = s
		r.order = append(r.order, handle)
	}
	s.Length = length
	s.Position = position
	return s
}

// Segment returns the segment for handle, nil when unknown.
func (r *RDMA) Segment(handle uint32) *Segment {
	return r.segments[handle]
}

// AddSubSegment records an RDMA operation starting at psn that moves length
// bytes of the segment. Undeclared segments are created with an unknown
// length.
func (r *RDMA) AddSubSegment(handle, psn, length uint32) *SubSegment {
	s, ok := r.segments[handle]
	if !ok {
		s = r.DeclareSegment(handle, 0, 0)
	}
	for _, ss := range s.subs {
		if ss.PSN == psn {
			ss.Length = length
			return ss
		}
	}
	ss := &SubSegment{PSN: psn, Length: length}
	s.subs = append(s.subs, ss)
	return ss
}

// AddFragment stores the payload of the packet with the given PSN. Without
// a handle the owning sub-segment is inferred: the closest preceding
// incomplete sub-segment of any segment. It returns the segment the fragment
// went to, or nil when no sub-segment could own it.
func (r *RDMA) AddFragment(handle uint32, hasHandle bool, psn uint32, data []byte) *Segment {
	var (
		owner *Segment
		sub   *SubSegment
		best  = -1
	)
	consider := func(s *Segment, incompleteOnly bool) {
		for _, ss := range s.subs {
			if incompleteOnly && ss.Complete() {
				continue
			}
			d := psnDistance(ss.PSN, psn)
			if d < 0 || (best >= 0 && d >= best) {
				continue
			}
			owner, sub, best = s, ss, d
		}
	}
	if hasHandle {
		if s, ok := r.segments[handle]; ok {
			consider(s, false)
		}
	} else {
		for _, incompleteOnly := range []bool{true, false} {
			for _, h := range r.order {
				consider(r.segments[h], incompleteOnly)
			}
			if sub != nil {
				break
			}
		}
	}
	if sub == nil {
		return nil
	}
	was := owner.Complete()
	sub.add(psn, data)
	if !was && owner.Complete() {
		metrics.RDMASegmentsCompleted.Inc()
	}
	return owner
}

// ChunkData concatenates the data of the given segments in the order given.
// It reports false when any of them is unknown or incomplete.
func (r *RDMA) ChunkData(handles []uint32) ([]byte, bool) {
	var out []byte
	for _, h := range handles {
		s := r.segments[h]
		if s == nil || !s.Complete() {
			return nil, false
		}
		out = append(out, s.Data()...)
	}
	return out, true
}

// ReadChunk places a segment at an XDR position of a message.
type ReadChunk struct {
	Position uint32
	Handle   uint32
}

// ReadChunkMessage rebuilds a full RPC message from the reduced message and
// the read chunks that were removed from it. Segments sharing a position
// form one chunk; each chunk is padded to a 4-byte boundary. It reports
// false until every segment is complete.
func (r *RDMA) ReadChunkMessage(reduced []byte, chunks []ReadChunk) ([]byte, bool) {
	sorted := append([]ReadChunk(nil), chunks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	out := make([]byte, 0, len(reduced))
	rd := 0
	for i := 0; i < len(sorted); {
		pos := int(sorted[i].Position)
		var chunk []byte
		for ; i < len(sorted) && int(sorted[i].Position) == pos; i++ {
			s := r.segments[sorted[i].Handle]
			if s == nil || !s.Complete() {
				return nil, false
			}
			chunk = append(chunk, s.Data()...)
		}
		if need := pos - len(out); need > 0 {
			n := min(need, len(reduced)-rd)
			out = append(out, reduced[rd:rd+n]...)
			rd += n
		}
		out = append(out, chunk...)
		if pad := len(chunk) % 4; pad != 0 {
			out = append(out, make([]byte, 4-pad)...)
		}
	}
	return append(out, reduced[rd:]...), true
}

// Remove forgets a segment.
func (r *RDMA) Remove(handle uint32) {
	if _, ok := r.segments[handle]; !ok {
		return
	}
	delete(r.segments, handle)
	for i, h := range r.order {
		if h == handle {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of known segments.
func (r *RDMA) Len() int { return len(r.segments) }

// Reset forgets every segment.
func (r *RDMA) Reset() {
	r.segments = make(map[uint32]*Segment)
	r.order = nil
}
