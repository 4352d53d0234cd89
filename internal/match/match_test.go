package match

import (
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktt/internal/core"
)

type testSeq struct {
	SequenceID uint32 `yaml:"sequenceid"`
	SlotID     uint32 `yaml:"slotid"`
}

type testOp struct {
	Op       uint32   `yaml:"op"`
	Status   uint32   `yaml:"status"`
	Sequence *testSeq `yaml:"sequence"`
}

// testCompound stands in for an application layer with nested operations.
type testCompound struct {
	Tag        string   `yaml:"tag"`
	Attributes []uint32 `yaml:"attributes"`
	AttrMask   uint64   `yaml:"attr_mask"`
	Ops        []testOp `yaml:"ops"`
}

func (*testCompound) LayerName() string { return "nfs" }

func samplePacket() *core.Packet {
	pkt := &core.Packet{Record: core.Record{Index: 7, Frame: 3}}
	pkt.Add(&core.IP{Version: 4, Src: netip.MustParseAddr("192.168.1.5"), Dst: netip.MustParseAddr("192.168.1.9"), Protocol: 6})
	pkt.Add(&core.TCP{SrcPort: 871, DstPort: 2049, Flags: core.TCPFlags{SYN: true, ACK: true}})
	pkt.Add(&core.RPC{XID: 0x10, Type: core.RPCCall, Program: 100003, Version: 4, Procedure: 1, CallIndex: -1})
	pkt.Add(&testCompound{
		Tag:        "NFSv4_tag",
		Attributes: []uint32{1, 62},
		AttrMask:   0x4000000000000000,
		Ops: []testOp{
			{Op: 53, Sequence: &testSeq{SequenceID: 25}},
			{Op: 22},
		},
	})
	return pkt
}

func TestPredicate_Eval(t *testing.T) {
	pkt := samplePacket()
	tests := []struct {
		expr string
		want bool
	}{
		{"TCP.flags.SYN == 1", true},
		{"tcp.flags.syn == True", true},
		{"TCP.flags.FIN == 1", false},
		{"TCP.flags.ACK == 1 and TCP.flags.SYN == 1", true},
		{"TCP.flags.FIN == 1 or RPC.xid == 0x10", true},
		{"TCP.flags.FIN == 1 || RPC.xid == 16", true},
		{"not TCP.flags.FIN", true},
		{"TCP.dst_port in [111, 2049]", true},
		{"TCP.dst_port not in [111, 2049]", false},
		{"TCP.dst_port in []", false},
		{"TCP.RelSeq == 0", true},
		{"IP.src == '192.168.1.5'", true},
		{`IP.src == re('^192\.168\.1\.')`, true},
		{`IP.src != re('^10\.')`, true},
		{`IP.src == re(r'\d+\.\d+\.1\.5$')`, true},
		{"UDP.src_port == 1", false},
		{"UDP", false},
		{"RPC", true},
		{"rpc", true},
		{"RPC.nosuchfield == 1", false},
		{"RPC.nosuchfield != 1", false},
		{"RPC.procedure < 2 and RPC.procedure >= 1", true},
		{"RPC.procedure > 1 or RPC.procedure <= 0", false},
		{"RPC.program != 100003", false},
		{"RPC.call_index == -1", true},
		{"RPC.xid == -1", false},
		{"IP.src == 5", false},
		{"62 in NFS.attributes", true},
		{"63 in NFS.attributes", false},
		{"63 not in NFS.attributes", true},
		{"'v4' in NFS.tag", true},
		{"NFS.op == 22", true},
		{"NFS.op != 22", false},
		{"NFS.op != 30", true},
		{"NFS.sequenceid == 25", true},
		{"NFS.ops.sequence.sequenceid == 25", true},
		{"NFS.status", false},
		{"NFS.attr_mask & 0x4000000000000000L != 0", true},
		{"NFS.attr_mask & 0x1 == 0", true},
		{"record.index == 7", true},
		{"Record.frame > 2", true},
		{"(TCP.flags.SYN == 1 or UDP) and not RPC.type == 1", true},
		{"not (RPC or UDP)", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Eval(pkt))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"TCP.",
		"TCP.flags ==",
		"(IP.src == 1",
		"IP.src == re('(')",
		"IP.src < re('a')",
		"1 == 2",
		"IP.src == 'x",
		"TCP.port @ 1",
		"TCP.port in [1 2]",
		"TCP.port & 'x' == 1",
		"RPC.xid == 0xZZ",
		"RPC.xid == 1 RPC.xid == 2",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			assert.ErrorIs(t, err, core.ErrParse)
		})
	}
	assert.Panics(t, func() { MustCompile("and") })
}

// sliceSource replays a fixed packet list.
type sliceSource struct {
	pkts    []*core.Packet
	i       int
	failAt  int
	rewinds int
}

func (s *sliceSource) Next() (*core.Packet, error) {
	if s.failAt > 0 && s.i == s.failAt {
		return nil, errors.New("read failed")
	}
	if s.i >= len(s.pkts) {
		return nil, io.EOF
	}
	p := s.pkts[s.i]
	s.i++
	return p, nil
}

func (s *sliceSource) Rewind(index int) error {
	if index < 0 || index > s.i {
		return core.ErrRewind
	}
	s.rewinds++
	s.i = index
	return nil
}

func (s *sliceSource) Index() int { return s.i }

func rpcPacket(index int, xid uint32, typ, proc uint32) *core.Packet {
	pkt := &core.Packet{Record: core.Record{Index: index, Frame: index + 1}}
	pkt.Add(&core.RPC{XID: xid, Type: typ, Program: 100003, Procedure: proc})
	return pkt
}

func newSource(n int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < n; i++ {
		s.pkts = append(s.pkts, rpcPacket(i, uint32(i), core.RPCCall, 0))
	}
	return s
}

func TestMatcher_ConsumesMatch(t *testing.T) {
	m := New(newSource(5), nil)

	pkt, err := m.Match(MustCompile("RPC.xid == 2"))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, 2, pkt.Index)
	assert.Equal(t, 3, m.Index())

	pkt, err = m.Match(MustCompile("RPC.xid == 2"))
	require.NoError(t, err)
	assert.Nil(t, pkt, "already consumed")
	assert.Equal(t, 3, m.Index())
}

func TestMatcher_FailedMatchRestoresPosition(t *testing.T) {
	src := newSource(5)
	m := New(src, nil)
	_, err := m.Next()
	require.NoError(t, err)

	pkt, err := m.Match(MustCompile("RPC.xid == 99"))
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, 1, m.Index())
	assert.Equal(t, 1, src.rewinds)

	pkt, err = m.Match(MustCompile("RPC.xid == 99"), WithoutRewind())
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, 5, m.Index())
}

func TestMatcher_PeekReturnsSamePacket(t *testing.T) {
	src := newSource(5)
	m := New(src, nil)
	p := MustCompile("RPC.xid in [3, 4]")

	first, err := m.Match(p, WithPeek())
	require.NoError(t, err)
	second, err := m.Match(p, WithPeek())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.Equal(t, 3, m.Index())

	next, err := m.Next()
	require.NoError(t, err)
	assert.Same(t, first, next)
	assert.Zero(t, src.rewinds, "peeking does not replay the trace")

	require.NoError(t, m.Rewind(4))
	assert.Equal(t, 4, m.Index())
}

func TestMatcher_MaxIndex(t *testing.T) {
	m := New(newSource(6), nil)
	p := MustCompile("RPC.xid == 4")

	pkt, err := m.Match(p, WithMaxIndex(3))
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, 0, m.Index())

	pkt, err = m.Match(p, WithMaxIndex(5))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, 4, pkt.Index)
}

func TestMatcher_Reply(t *testing.T) {
	src := &sliceSource{pkts: []*core.Packet{
		rpcPacket(0, 1, core.RPCCall, 6),
		rpcPacket(1, 2, core.RPCCall, 7),
		rpcPacket(2, 2, core.RPCReply, 7),
		rpcPacket(3, 1, core.RPCReply, 6),
	}}
	m := New(src, nil)

	call, err := m.Match(MustCompile("RPC.procedure == 6 and RPC.type == 0"), WithReply())
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.False(t, m.ReplyMatched())

	reply, err := m.Match(MustCompile("RPC.procedure == 99"), WithReply())
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, 3, reply.Index)
	assert.True(t, m.ReplyMatched())

	require.NoError(t, m.Rewind(0))
	m.ClearReplies()
	_, err = m.Match(MustCompile("RPC.procedure == 6 and RPC.type == 0"), WithReply())
	require.NoError(t, err)
	m.ClearReplies()
	reply, err = m.Match(MustCompile("RPC.procedure == 99"), WithReply())
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestMatcher_Buffered(t *testing.T) {
	src := newSource(6)
	m := New(src, nil)
	m.SetPacketList([]*core.Packet{src.pkts[1], src.pkts[3], src.pkts[4]})
	p := MustCompile("RPC")

	var got []int
	for {
		pkt, err := m.Match(p)
		require.NoError(t, err)
		if pkt == nil {
			break
		}
		got = append(got, pkt.Index)
	}
	assert.Equal(t, []int{1, 3, 4}, got)
	assert.Equal(t, 5, m.Index(), "failed match keeps the list position")

	require.NoError(t, m.Rewind(2))
	pkt, err := m.Match(MustCompile("RPC.xid == 4"))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, 4, pkt.Index)

	pkt, err = m.Match(MustCompile("RPC.xid == 1"))
	require.NoError(t, err)
	assert.Nil(t, pkt)
	assert.Equal(t, 5, m.Index())

	m.SetPacketList(nil)
	assert.Zero(t, src.i, "buffered matching never touches the stream")
	pkt, err = m.Match(MustCompile("RPC.xid == 2"))
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, 2, pkt.Index)
}

func TestMatcher_SourceError(t *testing.T) {
	src := newSource(5)
	src.failAt = 2
	m := New(src, nil)

	_, err := m.Match(MustCompile("RPC.xid == 4"))
	assert.ErrorContains(t, err, "read failed")
}
