package core

import "fmt"

// LRH is the InfiniBand local route header.
type LRH struct {
	VL     uint8  `yaml:"vl"`
	LVer   uint8  `yaml:"lver"`
	SL     uint8  `yaml:"sl"`
	LNH    uint8  `yaml:"lnh"` // 2=BTH follows, 3=GRH follows
	DLID   uint16 `yaml:"dlid"`
	PktLen uint16 `yaml:"pkt_len"` // In 4-byte words
	SLID   uint16 `yaml:"slid"`
}

// GRH is the global route header, also the RoCEv1 network header.
type GRH struct {
	IPVer     uint8  `yaml:"ipver"`
	TClass    uint8  `yaml:"tclass"`
	FlowLabel uint32 `yaml:"flow_label"`
	PayLen    uint16 `yaml:"pay_len"`
	NxtHdr    uint8  `yaml:"nxt_hdr"`
	HopLmt    uint8  `yaml:"hop_lmt"`
	SGID      string `yaml:"sgid"`
	DGID      string `yaml:"dgid"`
}

// BTH is the base transport header.
type BTH struct {
	Opcode   uint8  `yaml:"opcode"`
	SE       bool   `yaml:"se"`
	MigReq   bool   `yaml:"migreq"`
	PadCount uint8  `yaml:"pad_count"`
	TVer     uint8  `yaml:"tver"`
	PKey     uint16 `yaml:"pkey"`
	DestQP   uint32 `yaml:"dest_qp"`
	AckReq   bool   `yaml:"ack_req"`
	PSN      uint32 `yaml:"psn"`
}

// RETH is the RDMA extended transport header.
type RETH struct {
	VA     uint64 `yaml:"va"`
	RKey   uint32 `yaml:"r_key"`
	DMALen uint32 `yaml:"dma_len"`
}

// AETH is the ACK extended transport header.
type AETH struct {
	Syndrome uint8  `yaml:"syndrome"`
	MSN      uint32 `yaml:"msn"`
}

// DETH is the datagram extended transport header.
type DETH struct {
	QKey  uint32 `yaml:"q_key"`
	SrcQP uint32 `yaml:"src_qp"`
}

// AtomicETH is the atomic extended transport header.
type AtomicETH struct {
	VA     uint64 `yaml:"va"`
	RKey   uint32 `yaml:"r_key"`
	SwapDt uint64 `yaml:"swap_dt"`
	CmpDt  uint64 `yaml:"cmp_dt"`
}

// IB is an InfiniBand packet, native or RoCE encapsulated. Optional headers
// are nil when the opcode does not carry them.
type IB struct {
	LRH          *LRH       `yaml:"lrh"`
	GRH          *GRH       `yaml:"grh"`
	BTH          BTH        `yaml:"bth"`
	RDETH        *uint32    `yaml:"rdeth"` // EE context
	DETH         *DETH      `yaml:"deth"`
	XRCETH       *uint32    `yaml:"xrceth"` // XRC SRQ
	RETH         *RETH      `yaml:"reth"`
	AtomicETH    *AtomicETH `yaml:"atomiceth"`
	AETH         *AETH      `yaml:"aeth"`
	AtomicAckETH *uint64    `yaml:"atomicacketh"`
	ImmDt        *uint32    `yaml:"immdt"`
	IETH         *uint32    `yaml:"ieth"` // Invalidated R_Key
	ICRC         uint32     `yaml:"icrc"`
	VCRC         uint16     `yaml:"vcrc"`
	PayloadLen   int        `yaml:"payload_len"`
}

func (*IB) LayerName() string { return "ib" }

func (ib *IB) String() string {
	return fmt.Sprintf("IB %s qp=0x%06x psn=%d len=%d", OpcodeName(ib.BTH.Opcode), ib.BTH.DestQP, ib.BTH.PSN, ib.PayloadLen)
}

// Operation codes within a transport class; the class is the upper 3 bits.
const (
	OpSendFirst          uint8 = 0x00
	OpSendMiddle         uint8 = 0x01
	OpSendLast           uint8 = 0x02
	OpSendLastImm        uint8 = 0x03
	OpSendOnly           uint8 = 0x04
	OpSendOnlyImm        uint8 = 0x05
	OpWriteFirst         uint8 = 0x06
	OpWriteMiddle        uint8 = 0x07
	OpWriteLast          uint8 = 0x08
	OpWriteLastImm       uint8 = 0x09
	OpWriteOnly          uint8 = 0x0A
	OpWriteOnlyImm       uint8 = 0x0B
	OpReadRequest        uint8 = 0x0C
	OpReadResponseFirst  uint8 = 0x0D
	OpReadResponseMiddle uint8 = 0x0E
	OpReadResponseLast   uint8 = 0x0F
	OpReadResponseOnly   uint8 = 0x10
	OpAcknowledge        uint8 = 0x11
	OpAtomicAcknowledge  uint8 = 0x12
	OpCompareSwap        uint8 = 0x13
	OpFetchAdd           uint8 = 0x14
	OpResync             uint8 = 0x15 // RD only
	OpSendLastInvalidate uint8 = 0x16
	OpSendOnlyInvalidate uint8 = 0x17
)

// Transport classes.
const (
	TransportRC  uint8 = 0x00
	TransportUC  uint8 = 0x20
	TransportRD  uint8 = 0x40
	TransportUD  uint8 = 0x60
	TransportCNP uint8 = 0x80
	TransportXRC uint8 = 0xA0
)

var opNames = map[uint8]string{
	OpSendFirst:          "SEND_First",
	OpSendMiddle:         "SEND_Middle",
	OpSendLast:           "SEND_Last",
	OpSendLastImm:        "SEND_Last_Immediate",
	OpSendOnly:           "SEND_Only",
	OpSendOnlyImm:        "SEND_Only_Immediate",
	OpWriteFirst:         "RDMA_WRITE_First",
	OpWriteMiddle:        "RDMA_WRITE_Middle",
	OpWriteLast:          "RDMA_WRITE_Last",
	OpWriteLastImm:       "RDMA_WRITE_Last_Immediate",
	OpWriteOnly:          "RDMA_WRITE_Only",
	OpWriteOnlyImm:       "RDMA_WRITE_Only_Immediate",
	OpReadRequest:        "RDMA_READ_Request",
	OpReadResponseFirst:  "RDMA_READ_Response_First",
	OpReadResponseMiddle: "RDMA_READ_Response_Middle",
	OpReadResponseLast:   "RDMA_READ_Response_Last",
	OpReadResponseOnly:   "RDMA_READ_Response_Only",
	OpAcknowledge:        "Acknowledge",
	OpAtomicAcknowledge:  "ATOMIC_Acknowledge",
	OpCompareSwap:        "CmpSwap",
	OpFetchAdd:           "FetchAdd",
	OpResync:             "RESYNC",
	OpSendLastInvalidate: "SEND_Last_Invalidate",
	OpSendOnlyInvalidate: "SEND_Only_Invalidate",
}

var transportNames = map[uint8]string{
	TransportRC:  "RC",
	TransportUC:  "UC",
	TransportRD:  "RD",
	TransportUD:  "UD",
	TransportCNP: "CNP",
	TransportXRC: "XRC",
}

// OpcodeName renders a BTH opcode, e.g. "RC_SEND_Only".
func OpcodeName(opcode uint8) string {
	tr, ok := transportNames[opcode&0xE0]
	if !ok {
		return fmt.Sprintf("0x%02x", opcode)
	}
	op, ok := opNames[opcode&0x1F]
	if !ok {
		return fmt.Sprintf("%s_0x%02x", tr, opcode&0x1F)
	}
	return tr + "_" + op
}
