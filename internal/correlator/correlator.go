// Package correlator pairs RPC replies with the calls they answer.
package correlator

import (
	"sort"
	"time"
)

// Call is what a reply needs to know about its call. It refers to the call
// packet by index only.
type Call struct {
	Index     int
	Frame     int
	File      string
	Timestamp time.Time
	Program   uint32
	Version   uint32
	Procedure uint32
	Flavor    uint32
}

// Pending is a call still waiting for its reply.
type Pending struct {
	XID uint32
	Call
}

// Correlator maps transaction ids to outstanding calls.
type Correlator struct {
	calls map[uint32]Call
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{calls: make(map[uint32]Call)}
}

// Register stores a call. A retransmitted call replaces the earlier entry.
func (c *Correlator) Register(xid uint32, call Call) {
	c.calls[xid] = call
}

// Resolve returns and removes the call for xid.
func (c *Correlator) Resolve(xid uint32) (Call, bool) {
	call, ok := c.calls[xid]
	if ok {
		delete(c.calls, xid)
	}
	return call, ok
}

// Lookup returns the call for xid without removing it.
func (c *Correlator) Lookup(xid uint32) (Call, bool) {
	call, ok := c.calls[xid]
	return call, ok
}

// Pending lists unanswered calls ordered by packet index.
func (c *Correlator) Pending() []Pending {
	out := make([]Pending, 0, len(c.calls))
	for xid, call := range c.calls {
		out = append(out, Pending{XID: xid, Call: call})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Len returns the number of unanswered calls.
func (c *Correlator) Len() int { return len(c.calls) }

// Reset forgets every call.
func (c *Correlator) Reset() {
	c.calls = make(map[uint32]Call)
}
