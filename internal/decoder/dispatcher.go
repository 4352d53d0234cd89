// Package decoder turns capture records into packets of decoded layers.
//
// Decoding is table driven: every layer looks up the decoder for the next
// one by a discriminator (link type, Ethertype, IP protocol, port or RPC
// program). Each decoder runs behind a boundary that rolls the cursor back
// and drops the layer when it fails, so one bad layer never costs the
// packet the layers already decoded.
package decoder

import (
	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/cursor"
	"firestige.xyz/pktt/internal/log"
	"firestige.xyz/pktt/internal/metrics"
)

// Table selects a dispatch table.
type Table int

const (
	TableLink Table = iota
	TableEtherType
	TableIPProto
	TableTCPPort
	TableUDPPort
	TableProgram

	numTables
)

var tableNames = [numTables]string{"link", "ethertype", "ipproto", "tcpport", "udpport", "program"}

func (t Table) String() string {
	if t < 0 || t >= numTables {
		return "unknown"
	}
	return tableNames[t]
}

// Link types understood by the built-in link decoders.
const (
	LinkTypeEthernet   uint32 = 1
	LinkTypeInfiniBand uint32 = 247
)

// DecodeFunc decodes one layer at the cursor position. Returning (nil, nil)
// means the bytes do not belong to this decoder. A decoder that chains to
// inner layers attaches its own layer first so the inner decoders can see
// it.
type DecodeFunc func(ctx *Context) (core.Layer, error)

// Dispatcher holds the dispatch tables. It is configured once and then
// shared by every trace source built on it; decoding state lives in State.
type Dispatcher struct {
	tables [numTables]map[uint32]DecodeFunc
	logger log.Logger
}

// New creates a dispatcher with the built-in decoders registered.
func New(logger log.Logger) *Dispatcher {
	d := &Dispatcher{logger: log.Must(logger)}
	for i := range d.tables {
		d.tables[i] = make(map[uint32]DecodeFunc)
	}

	d.Register(TableLink, LinkTypeEthernet, decodeEthernet)
	d.Register(TableLink, LinkTypeInfiniBand, decodeInfiniBand)

	d.Register(TableEtherType, etherTypeIPv4, decodeIPv4)
	d.Register(TableEtherType, etherTypeIPv6, decodeIPv6)
	d.Register(TableEtherType, etherTypeARP, decodeARP)
	d.Register(TableEtherType, etherTypeVLAN, decodeVLAN)
	d.Register(TableEtherType, etherTypeQinQ, decodeVLAN)
	d.Register(TableEtherType, etherTypeRoCE, decodeRoCEv1)

	d.Register(TableIPProto, ipProtoTCP, decodeTCP)
	d.Register(TableIPProto, ipProtoUDP, decodeUDP)

	d.Register(TableUDPPort, PortRoCEv2, decodeRoCEv2)

	d.RegisterProgram(ProgramPortmap, PayloadDecoder("portmap"))
	d.RegisterProgram(ProgramNFS, PayloadDecoder("nfs"))
	d.RegisterProgram(ProgramMount, PayloadDecoder("mount"))
	d.RegisterProgram(ProgramNLM, PayloadDecoder("nlm"))
	d.RegisterProgram(ProgramCallback, PayloadDecoder("nfs"))
	return d
}

// Register installs fn for key in table t, replacing any previous decoder.
func (d *Dispatcher) Register(t Table, key uint32, fn DecodeFunc) {
	d.tables[t][key] = fn
}

// RegisterProgram installs the payload decoder of an RPC program. Programs
// in the NFS callback range are looked up under ProgramCallback.
func (d *Dispatcher) RegisterProgram(program uint32, fn DecodeFunc) {
	d.Register(TableProgram, program, fn)
}

// Lookup returns the decoder for key in table t, nil when none.
func (d *Dispatcher) Lookup(t Table, key uint32) DecodeFunc {
	return d.tables[t][key]
}

// Decode builds the packet for one capture record. reread is set when the
// record is presented again because its TCP segment carried more than one
// RPC message; stream reassembly then skips absorbing the segment twice.
func (d *Dispatcher) Decode(rec core.Record, data []byte, linkType uint32, st *State, reread bool) *core.Packet {
	pkt := &core.Packet{Record: rec}
	ctx := &Context{
		Cursor: cursor.New(data),
		Packet: pkt,
		State:  st,
		Reread: reread,
		d:      d,
	}
	if !ctx.Decode(TableLink, linkType) {
		ctx.AttachData()
	}
	metrics.PacketsDecodedTotal.Inc()
	return pkt
}
