package reassembly

import (
	"container/list"
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/pktt/internal/metrics"
)

// Limits on IPv4 fragment reassembly (RFC 791).
const (
	ipv4MaxSize       = 65535
	ipv4MaxFragOffset = 8183 // In 8-byte units
	maxFragsPerFlow   = 8192
	fragmentTimeout   = 60 * time.Second
)

// FragmentKey identifies one fragmented IPv4 datagram.
type FragmentKey struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	ID       uint16
}

type fragment struct {
	offset  uint16
	payload []byte
}

func (f *fragment) end() uint16 { return f.offset + uint16(len(f.payload)) }

// fragmentList keeps fragments ordered by offset. On overlap the data that
// arrived first wins (BSD-Right).
type fragmentList struct {
	list          list.List
	highest       uint16
	current       uint16
	finalReceived bool
	lastSeen      time.Time
}

// Fragments reassembles IPv4 datagrams. Expiry runs on capture time, so a
// trace replays the same way however fast it is read.
type Fragments struct {
	flows map[FragmentKey]*fragmentList
}

// NewFragments creates an empty fragment table.
func NewFragments() *Fragments {
	return &Fragments{flows: make(map[FragmentKey]*fragmentList)}
}

// Add stores one fragment. offset is in bytes. It returns the whole payload
// once the last missing piece arrives.
func (f *Fragments) Add(key FragmentKey, offset uint16, more bool, payload []byte, ts time.Time) ([]byte, bool, error) {
	if len(payload) == 0 {
		return nil, false, fmt.Errorf("empty fragment")
	}
	if offset/8 > ipv4MaxFragOffset {
		return nil, false, fmt.Errorf("fragment offset too large: %d", offset)
	}
	if int(offset)+len(payload) > ipv4MaxSize {
		return nil, false, fmt.Errorf("fragment would exceed max IP size: offset=%d size=%d", offset, len(payload))
	}
	f.expire(ts)

	fl, ok := f.flows[key]
	if !ok {
		fl = &fragmentList{}
		f.flows[key] = fl
		metrics.ReassemblyActiveFragments.Inc()
	}
	if fl.list.Len() >= maxFragsPerFlow {
		f.evict(key)
		return nil, false, fmt.Errorf("fragment list exceeded max size %d", maxFragsPerFlow)
	}
	fl.lastSeen = ts

	frag := &fragment{offset: offset, payload: append([]byte(nil), payload...)}
	if !more {
		fl.finalReceived = true
		fl.highest = frag.end()
	} else if frag.end() > fl.highest && !fl.finalReceived {
		fl.highest = frag.end()
	}
	fl.insert(frag)

	if fl.finalReceived && fl.current >= fl.highest {
		out := make([]byte, fl.highest)
		for e := fl.list.Front(); e != nil; e = e.Next() {
			fr := e.Value.(*fragment)
			copy(out[fr.offset:], fr.payload)
		}
		f.evict(key)
		return out, true, nil
	}
	return nil, false, nil
}

// insert adds the parts of frag not already covered by earlier fragments.
func (fl *fragmentList) insert(frag *fragment) {
	pos, end := frag.offset, frag.end()
	e := fl.list.Front()
	for pos < end {
		for e != nil && e.Value.(*fragment).end() <= pos {
			e = e.Next()
		}
		holeEnd := end
		if e != nil {
			cur := e.Value.(*fragment)
			if cur.offset <= pos {
				pos = cur.end()
				e = e.Next()
				continue
			}
			holeEnd = min(end, cur.offset)
		}
		piece := &fragment{offset: pos, payload: frag.payload[pos-frag.offset : holeEnd-frag.offset]}
		if e != nil {
			fl.list.InsertBefore(piece, e)
		} else {
			fl.list.PushBack(piece)
		}
		fl.current += holeEnd - pos
		pos = holeEnd
	}
}

func (f *Fragments) evict(key FragmentKey) {
	if _, ok := f.flows[key]; ok {
		delete(f.flows, key)
		metrics.ReassemblyActiveFragments.Dec()
	}
}

func (f *Fragments) expire(now time.Time) {
	for key, fl := range f.flows {
		if now.Sub(fl.lastSeen) > fragmentTimeout {
			f.evict(key)
		}
	}
}

// Len returns the number of datagrams waiting for fragments.
func (f *Fragments) Len() int { return len(f.flows) }

// Reset forgets every pending datagram.
func (f *Fragments) Reset() {
	metrics.ReassemblyActiveFragments.Sub(float64(len(f.flows)))
	f.flows = make(map[FragmentKey]*fragmentList)
}
