package decoder

import (
	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/correlator"
	"firestige.xyz/pktt/internal/reassembly"
)

// State is the decode-order dependent state of one trace: stream buffers,
// IPv4 fragments, RDMA segments and outstanding RPC calls. It is only valid
// for forward, in-order decoding and must be reset when a trace rewinds.
type State struct {
	Streams   *reassembly.Streams
	Fragments *reassembly.Fragments
	RDMA      *reassembly.RDMA
	Calls     *correlator.Correlator

	sends    map[uint32][]byte    // Partial multi-packet SENDs by destination QP
	held     map[uint32]*heldCall // RDMA_MSG calls waiting for their read chunks
	datagram []byte               // Last reassembled IPv4 datagram
	reread   bool
}

// heldCall is an RPC call whose inline part arrived before the data of its
// read chunks.
type heldCall struct {
	reduced []byte
	chunks  []reassembly.ReadChunk
}

// NewState creates empty decoding state.
func NewState() *State {
	return &State{
		Streams:   reassembly.NewStreams(),
		Fragments: reassembly.NewFragments(),
		RDMA:      reassembly.NewRDMA(),
		Calls:     correlator.New(),
		sends:     make(map[uint32][]byte),
		held:      make(map[uint32]*heldCall),
	}
}

// Reset forgets everything.
func (s *State) Reset() {
	s.Streams.Reset()
	s.Fragments.Reset()
	s.RDMA.Reset()
	s.Calls.Reset()
	s.sends = make(map[uint32][]byte)
	s.held = make(map[uint32]*heldCall)
	s.datagram = nil
	s.reread = false
}

// TakeReread reports, and clears, whether the record just decoded must be
// decoded again because its TCP segment completed more than one RPC message.
func (s *State) TakeReread() bool {
	r := s.reread
	s.reread = false
	return r
}

// PendingCalls lists the calls still waiting for a reply.
func (s *State) PendingCalls() []correlator.Pending {
	return s.Calls.Pending()
}

func (s *State) register(rpc *core.RPC, pkt *core.Packet) {
	s.Calls.Register(rpc.XID, correlator.Call{
		Index:     pkt.Index,
		Frame:     pkt.Frame,
		File:      pkt.File,
		Timestamp: pkt.Timestamp,
		Program:   rpc.Program,
		Version:   rpc.Version,
		Procedure: rpc.Procedure,
		Flavor:    rpc.Credential.Flavor,
	})
}
