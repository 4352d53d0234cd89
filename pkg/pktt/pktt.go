// Package pktt opens network traces and walks or searches their decoded
// packets.
//
//	tr, err := pktt.Open(pktt.Options{}, "trace.pcap")
//	if err != nil {
//		return err
//	}
//	defer tr.Close()
//	call, err := tr.Match("RPC.program == 100003 and RPC.procedure == 6")
//	...
//	reply, err := tr.Match(fmt.Sprintf("RPC.type == 1 and RPC.xid == %d", call.RPC().XID))
package pktt

import (
	"time"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/correlator"
	"firestige.xyz/pktt/internal/log"
	"firestige.xyz/pktt/internal/match"
	"firestige.xyz/pktt/internal/trace"
)

type (
	// Packet is one decoded packet.
	Packet = core.Packet
	// Predicate is a compiled match expression.
	Predicate = match.Predicate
	// MatchOption adjusts a single Match call.
	MatchOption = match.Option
	// PendingCall is a call still waiting for its reply.
	PendingCall = correlator.Pending
)

// Match options.
var (
	WithMaxIndex  = match.WithMaxIndex
	WithoutRewind = match.WithoutRewind
	WithReply     = match.WithReply
	WithPeek      = match.WithPeek
)

// Compile parses a match expression.
func Compile(expr string) (*Predicate, error) { return match.Compile(expr) }

// Options configure Open.
type Options struct {
	// Live follows a capture that is still being written.
	Live         bool
	LiveTimeout  time.Duration
	PollInterval time.Duration

	// Filter is a BPF program as printed by `tcpdump -ddd`. Records it
	// rejects are skipped before decoding.
	Filter string

	Logger log.Logger
}

// Trace is an open trace: one capture file, a live capture, or several
// files merged by timestamp.
type Trace struct {
	reader  trace.Reader
	matcher *match.Matcher
	pkt     *Packet
}

// Open opens the capture files at paths.
func Open(opts Options, paths ...string) (*Trace, error) {
	topts := trace.Options{
		Live:         opts.Live,
		LiveTimeout:  opts.LiveTimeout,
		PollInterval: opts.PollInterval,
		Logger:       opts.Logger,
	}
	if opts.Filter != "" {
		f, err := trace.ParseFilter(opts.Filter)
		if err != nil {
			return nil, err
		}
		topts.Filter = f
	}
	r, err := trace.OpenFiles(paths, topts)
	if err != nil {
		return nil, err
	}
	return &Trace{reader: r, matcher: match.New(r, opts.Logger)}, nil
}

// Next returns the next packet, or io.EOF at the end of the trace.
func (t *Trace) Next() (*Packet, error) {
	pkt, err := t.matcher.Next()
	if err != nil {
		return nil, err
	}
	t.pkt = pkt
	return pkt, nil
}

// Packet returns the packet last returned by Next or Match.
func (t *Trace) Packet() *Packet { return t.pkt }

// Index returns the index of the packet Next returns next.
func (t *Trace) Index() int { return t.matcher.Index() }

// Rewind repositions the trace so the next packet is the one with the
// given index. Outside buffered mode this replays the trace from its start.
func (t *Trace) Rewind(index int) error { return t.matcher.Rewind(index) }

// Match compiles expr and returns the next packet satisfying it, or nil.
func (t *Trace) Match(expr string, opts ...MatchOption) (*Packet, error) {
	p, err := match.Compile(expr)
	if err != nil {
		return nil, err
	}
	return t.MatchPredicate(p, opts...)
}

// MatchPredicate is Match with a compiled expression.
func (t *Trace) MatchPredicate(p *Predicate, opts ...MatchOption) (*Packet, error) {
	pkt, err := t.matcher.Match(p, opts...)
	if err != nil {
		return nil, err
	}
	t.pkt = pkt
	return pkt, nil
}

// SetPacketList restricts Match and Next to pkts until called with nil.
func (t *Trace) SetPacketList(pkts []*Packet) { t.matcher.SetPacketList(pkts) }

// ReplyMatched reports whether the last Match returned a reply to a call
// remembered with WithReply.
func (t *Trace) ReplyMatched() bool { return t.matcher.ReplyMatched() }

// ClearReplies forgets the calls remembered with WithReply.
func (t *Trace) ClearReplies() { t.matcher.ClearReplies() }

// PendingCalls lists the calls decoded so far that have no reply yet.
func (t *Trace) PendingCalls() []PendingCall {
	if r, ok := t.reader.(interface{ PendingCalls() []PendingCall }); ok {
		return r.PendingCalls()
	}
	return nil
}

// Truncated reports whether a capture file ended in the middle of a record.
func (t *Trace) Truncated() bool {
	switch r := t.reader.(type) {
	case *trace.Source:
		return r.Truncated()
	case *trace.Multi:
		for _, s := range r.Sources() {
			if s.Truncated() {
				return true
			}
		}
	}
	return false
}

// Close closes the capture files.
func (t *Trace) Close() error { return t.reader.Close() }
