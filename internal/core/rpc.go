package core

import "fmt"

// RPC message types.
const (
	RPCCall  uint32 = 0
	RPCReply uint32 = 1
)

// Reply status values.
const (
	MsgAccepted uint32 = 0
	MsgDenied   uint32 = 1
)

// Accept status values.
const (
	AcceptSuccess      uint32 = 0
	AcceptProgUnavail  uint32 = 1
	AcceptProgMismatch uint32 = 2
	AcceptProcUnavail  uint32 = 3
	AcceptGarbageArgs  uint32 = 4
	AcceptSystemErr    uint32 = 5
)

// Reject status values.
const (
	RejectRPCMismatch uint32 = 0
	RejectAuthError   uint32 = 1
)

// Auth is an opaque_auth: flavor plus body.
type Auth struct {
	Flavor uint32 `yaml:"flavor"`
	Body   []byte `yaml:"body"`
}

// RPC is an ONC RPC call or reply header. Replies carry the program,
// version and procedure of their call when it was seen.
type RPC struct {
	FragmentHeader uint32 `yaml:"fragment_header"` // Record mark, zero over datagram transports
	LastFragment   bool   `yaml:"last_fragment"`
	FragmentSize   uint32 `yaml:"fragment_size"`
	Fragments      int    `yaml:"fragments"` // Record fragments joined into this message

	XID  uint32 `yaml:"xid"`
	Type uint32 `yaml:"type"`

	// Call fields. Program, Version and Procedure are copied from the
	// call onto its reply.
	RPCVersion uint32 `yaml:"rpc_version"`
	Program    uint32 `yaml:"program"`
	Version    uint32 `yaml:"version"`
	Procedure  uint32 `yaml:"procedure"`
	Credential Auth   `yaml:"credential"`
	Verifier   Auth   `yaml:"verifier"`

	// Reply fields
	ReplyStat  uint32 `yaml:"reply_stat"`
	AcceptStat uint32 `yaml:"accept_stat"`
	RejectStat uint32 `yaml:"reject_stat"`
	AuthStat   uint32 `yaml:"auth_stat"`
	Low        uint32 `yaml:"low"`  // Mismatch range
	High       uint32 `yaml:"high"` // Mismatch range

	CallIndex int    `yaml:"call_index"` // Index of the call packet, -1 when unknown
	CallFile  string `yaml:"call_file"`  // Capture file of the call packet
	Orphan    bool   `yaml:"orphan"`     // Reply whose call was never seen
}

func (*RPC) LayerName() string { return "rpc" }

func (r *RPC) String() string {
	if r.Type == RPCCall {
		return fmt.Sprintf("RPC call xid=0x%08x prog=%d vers=%d proc=%d", r.XID, r.Program, r.Version, r.Procedure)
	}
	return fmt.Sprintf("RPC reply xid=0x%08x prog=%d vers=%d proc=%d stat=%d", r.XID, r.Program, r.Version, r.Procedure, r.AcceptStat)
}

// Payload is the application layer of an RPC message. Name is the layer
// name the payload is attached under (nfs, mount, nlm, portmap).
type Payload struct {
	Name      string `yaml:"name"`
	Program   uint32 `yaml:"program"`
	Version   uint32 `yaml:"version"`
	Procedure uint32 `yaml:"procedure"`
	Callback  bool   `yaml:"callback"` // NFSv4 callback program
	Call      bool   `yaml:"call"`
	Status    uint32 `yaml:"status"` // First word of a reply body
	Data      []byte `yaml:"data"`
}

func (p *Payload) LayerName() string { return p.Name }

func (p *Payload) String() string {
	kind := "reply"
	if p.Call {
		kind = "call"
	}
	return fmt.Sprintf("%s %s proc=%d len=%d", p.Name, kind, p.Procedure, len(p.Data))
}

// RPC-over-RDMA procedures.
const (
	RDMAMsg   uint32 = 0
	RDMANoMsg uint32 = 1
	RDMAMsgp  uint32 = 2
	RDMADone  uint32 = 3
	RDMAError uint32 = 4
)

// RDMASegment is a remote memory region: handle, length and offset.
type RDMASegment struct {
	Handle uint32 `yaml:"handle"`
	Length uint32 `yaml:"length"`
	Offset uint64 `yaml:"offset"`
}

// ReadChunk is one read list entry.
type ReadChunk struct {
	Position uint32      `yaml:"position"`
	Segment  RDMASegment `yaml:"segment"`
}

// RPCoRDMA is the RPC-over-RDMA version 1 transport header.
type RPCoRDMA struct {
	XID     uint32 `yaml:"xid"`
	Version uint32 `yaml:"version"`
	Credits uint32 `yaml:"credits"`
	Proc    uint32 `yaml:"proc"`

	Align  uint32 `yaml:"align"`  // RDMA_MSGP only
	Thresh uint32 `yaml:"thresh"` // RDMA_MSGP only

	Reads  []ReadChunk     `yaml:"reads"`
	Writes [][]RDMASegment `yaml:"writes"`
	Reply  []RDMASegment   `yaml:"reply"`

	ErrCode uint32 `yaml:"err_code"` // RDMA_ERROR only
	Low     uint32 `yaml:"low"`
	High    uint32 `yaml:"high"`

	// WriteData holds the reassembled data of the first write chunk
	// attached to a reply. Further write chunks are not attached.
	WriteData []byte `yaml:"write_data"`
}

func (*RPCoRDMA) LayerName() string { return "rpcordma" }

func (r *RPCoRDMA) String() string {
	return fmt.Sprintf("RPCoRDMA xid=0x%08x proc=%d reads=%d writes=%d reply=%d",
		r.XID, r.Proc, len(r.Reads), len(r.Writes), len(r.Reply))
}
