// Package match finds packets in a trace by boolean expressions over their
// decoded fields.
package match

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/log"
	"firestige.xyz/pktt/internal/metrics"
)

// Source is the packet stream a Matcher scans.
type Source interface {
	Next() (*core.Packet, error)
	Rewind(index int) error
	Index() int
}

// Option adjusts a single Match call.
type Option func(*options)

type options struct {
	maxIndex int
	rewind   bool
	reply    bool
	peek     bool
}

// WithMaxIndex stops the scan before the packet with the given index.
func WithMaxIndex(index int) Option {
	return func(o *options) { o.maxIndex = index }
}

// WithoutRewind leaves the position at the end of the scan when nothing
// matched.
func WithoutRewind() Option {
	return func(o *options) { o.rewind = false }
}

// WithReply makes the matcher remember the xid of every RPC call it
// matches, and match any later reply to one of them.
func WithReply() Option {
	return func(o *options) { o.reply = true }
}

// WithPeek leaves the matched packet unconsumed, so the next Match or Next
// returns it again.
func WithPeek() Option {
	return func(o *options) { o.peek = true }
}

// Matcher scans a packet stream, or a buffered list of packets taken from
// it, for packets satisfying a predicate.
type Matcher struct {
	src    Source
	logger log.Logger

	pending *core.Packet // Packet read from src but not consumed

	buffered bool
	list     []*core.Packet
	pindex   int // Index of the next packet in buffered mode

	xids         map[uint32]struct{}
	replyMatched bool
}

// New creates a matcher over src.
func New(src Source, logger log.Logger) *Matcher {
	return &Matcher{
		src:    src,
		logger: log.Must(logger),
		xids:   make(map[uint32]struct{}),
	}
}

// Index returns the index of the packet Next returns next.
func (m *Matcher) Index() int {
	switch {
	case m.buffered:
		return m.pindex
	case m.pending != nil:
		return m.pending.Index
	}
	return m.src.Index()
}

// Next returns the next packet: from the buffered list when one is set,
// from the stream otherwise.
func (m *Matcher) Next() (*core.Packet, error) {
	if m.buffered {
		i := sort.Search(len(m.list), func(i int) bool { return m.list[i].Index >= m.pindex })
		if i == len(m.list) {
			return nil, io.EOF
		}
		pkt := m.list[i]
		m.pindex = pkt.Index + 1
		return pkt, nil
	}
	if pkt := m.pending; pkt != nil {
		m.pending = nil
		return pkt, nil
	}
	return m.src.Next()
}

// unread puts pkt back so it is returned next.
func (m *Matcher) unread(pkt *core.Packet) {
	if m.buffered {
		m.pindex = pkt.Index
		return
	}
	m.pending = pkt
}

// Rewind repositions the matcher so the next packet is the one with the
// given index. In buffered mode this only moves within the list.
func (m *Matcher) Rewind(index int) error {
	if m.buffered {
		m.pindex = index
		return nil
	}
	if m.pending != nil {
		if m.pending.Index == index {
			return nil
		}
		m.pending = nil
	}
	return m.src.Rewind(index)
}

// SetPacketList switches to buffered matching over pkts, which must be in
// index order. A nil list switches back to the stream.
func (m *Matcher) SetPacketList(pkts []*core.Packet) {
	m.buffered = pkts != nil
	m.list = pkts
	m.pindex = 0
}

// ClearReplies forgets the calls remembered by WithReply.
func (m *Matcher) ClearReplies() {
	m.xids = make(map[uint32]struct{})
}

// ReplyMatched reports whether the last Match succeeded because the packet
// was a reply to a remembered call.
func (m *Matcher) ReplyMatched() bool { return m.replyMatched }

// Match returns the next packet satisfying p and consumes it. When no
// packet matches it returns nil and, unless WithoutRewind is given, the
// position is back where the scan started.
func (m *Matcher) Match(p *Predicate, opts ...Option) (*core.Packet, error) {
	o := options{maxIndex: -1, rewind: true}
	for _, opt := range opts {
		opt(&o)
	}
	start := m.Index()
	m.replyMatched = false
	logger := m.logger.WithField("expr", p.String())

	for {
		pkt, err := m.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", p, err)
		}
		if o.maxIndex >= 0 && pkt.Index >= o.maxIndex {
			m.unread(pkt)
			break
		}
		metrics.MatchPacketsScannedTotal.Inc()

		rpc := pkt.RPC()
		if o.reply && rpc != nil && rpc.Type == core.RPCReply {
			if _, ok := m.xids[rpc.XID]; ok {
				delete(m.xids, rpc.XID)
				m.replyMatched = true
				logger.WithField("index", pkt.Index).Debug("matched reply to remembered call")
				return m.matched(pkt, o), nil
			}
		}
		if p.Eval(pkt) {
			if o.reply && rpc != nil && rpc.Type == core.RPCCall {
				m.xids[rpc.XID] = struct{}{}
			}
			logger.WithField("index", pkt.Index).Debug("matched")
			return m.matched(pkt, o), nil
		}
	}

	logger.WithField("start", start).Debug("no match")
	if o.rewind {
		if err := m.Rewind(start); err != nil {
			return nil, fmt.Errorf("match %q: %w", p, err)
		}
	}
	return nil, nil
}

func (m *Matcher) matched(pkt *core.Packet, o options) *core.Packet {
	if o.peek {
		m.unread(pkt)
	}
	return pkt
}
