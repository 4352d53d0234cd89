package decoder

import (
	"fmt"
	"net/netip"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/cursor"
)

const (
	lrhLen  = 8
	grhLen  = 40
	bthLen  = 12
	icrcLen = 4
	vcrcLen = 2

	lnhIBA     = 2 // BTH follows the LRH
	lnhGRH     = 3 // GRH follows the LRH
	grhNextBTH = 0x1B
)

type eth int

const (
	ethRDETH eth = iota
	ethDETH
	ethXRCETH
	ethRETH
	ethAtomicETH
	ethAETH
	ethAtomicAckETH
	ethImmDt
	ethIETH
)

// extHeaders lists, in wire order, the extended transport headers carried
// after the BTH by each opcode.
var extHeaders = func() map[uint8][]eth {
	m := make(map[uint8][]eth)
	set := func(class uint8, hdrs []eth, ops ...uint8) {
		for _, op := range ops {
			m[class|op] = hdrs
		}
	}
	const (
		rc  = core.TransportRC
		uc  = core.TransportUC
		rd  = core.TransportRD
		ud  = core.TransportUD
		xrc = core.TransportXRC
	)

	set(rc, []eth{ethImmDt}, core.OpSendLastImm, core.OpSendOnlyImm, core.OpWriteLastImm)
	set(rc, []eth{ethRETH}, core.OpWriteFirst, core.OpWriteOnly, core.OpReadRequest)
	set(rc, []eth{ethRETH, ethImmDt}, core.OpWriteOnlyImm)
	set(rc, []eth{ethAETH}, core.OpReadResponseFirst, core.OpReadResponseLast, core.OpReadResponseOnly, core.OpAcknowledge)
	set(rc, []eth{ethAETH, ethAtomicAckETH}, core.OpAtomicAcknowledge)
	set(rc, []eth{ethAtomicETH}, core.OpCompareSwap, core.OpFetchAdd)
	set(rc, []eth{ethIETH}, core.OpSendLastInvalidate, core.OpSendOnlyInvalidate)

	set(uc, []eth{ethImmDt}, core.OpSendLastImm, core.OpSendOnlyImm, core.OpWriteLastImm)
	set(uc, []eth{ethRETH}, core.OpWriteFirst, core.OpWriteOnly)
	set(uc, []eth{ethRETH, ethImmDt}, core.OpWriteOnlyImm)

	set(rd, []eth{ethRDETH, ethDETH}, core.OpSendFirst, core.OpSendMiddle, core.OpSendLast, core.OpSendOnly,
		core.OpWriteMiddle, core.OpWriteLast, core.OpResync)
	set(rd, []eth{ethRDETH, ethDETH, ethImmDt}, core.OpSendLastImm, core.OpSendOnlyImm, core.OpWriteLastImm)
	set(rd, []eth{ethRDETH, ethDETH, ethRETH}, core.OpWriteFirst, core.OpWriteOnly, core.OpReadRequest)
	set(rd, []eth{ethRDETH, ethDETH, ethRETH, ethImmDt}, core.OpWriteOnlyImm)
	set(rd, []eth{ethRDETH, ethAETH}, core.OpReadResponseFirst, core.OpReadResponseLast, core.OpReadResponseOnly, core.OpAcknowledge)
	set(rd, []eth{ethRDETH}, core.OpReadResponseMiddle)
	set(rd, []eth{ethRDETH, ethAETH, ethAtomicAckETH}, core.OpAtomicAcknowledge)
	set(rd, []eth{ethRDETH, ethDETH, ethAtomicETH}, core.OpCompareSwap, core.OpFetchAdd)

	set(ud, []eth{ethDETH}, core.OpSendOnly)
	set(ud, []eth{ethDETH, ethImmDt}, core.OpSendOnlyImm)

	set(xrc, []eth{ethXRCETH}, core.OpSendFirst, core.OpSendMiddle, core.OpSendLast, core.OpSendOnly,
		core.OpWriteMiddle, core.OpWriteLast)
	set(xrc, []eth{ethXRCETH, ethImmDt}, core.OpSendLastImm, core.OpSendOnlyImm, core.OpWriteLastImm)
	set(xrc, []eth{ethXRCETH, ethRETH}, core.OpWriteFirst, core.OpWriteOnly, core.OpReadRequest)
	set(xrc, []eth{ethXRCETH, ethRETH, ethImmDt}, core.OpWriteOnlyImm)
	set(xrc, []eth{ethAETH}, core.OpReadResponseFirst, core.OpReadResponseLast, core.OpReadResponseOnly, core.OpAcknowledge)
	set(xrc, []eth{ethAETH, ethAtomicAckETH}, core.OpAtomicAcknowledge)
	set(xrc, []eth{ethXRCETH, ethAtomicETH}, core.OpCompareSwap, core.OpFetchAdd)
	set(xrc, []eth{ethXRCETH, ethIETH}, core.OpSendLastInvalidate, core.OpSendOnlyInvalidate)
	return m
}()

type ibFraming int

const (
	framingNative ibFraming = iota // LRH, optional GRH
	framingRoCEv1                  // GRH
	framingRoCEv2                  // BTH inside UDP
)

func decodeInfiniBand(ctx *Context) (core.Layer, error) { return decodeIB(ctx, framingNative) }
func decodeRoCEv1(ctx *Context) (core.Layer, error) { return decodeIB(ctx, framingRoCEv1) }
func decodeRoCEv2(ctx *Context) (core.Layer, error) { return decodeIB(ctx, framingRoCEv2) }

// decodeIB decodes the InfiniBand headers and strips the trailing CRCs and
// pad bytes before handing the payload on. CRCs are left in place when the
// record was snapped, since the tail is then missing.
func decodeIB(ctx *Context, framing ibFraming) (core.Layer, error) {
	c := ctx.Cursor
	ib := &core.IB{}
	whole := ctx.Packet.OrigLen <= ctx.Packet.CaptureLen
	vcrc := false

	switch framing {
	case framingNative:
		if c.Len() < lrhLen {
			return nil, nil
		}
		ib.LRH = readLRH(c)
		if ib.LRH.LNH != lnhIBA && ib.LRH.LNH != lnhGRH {
			// Raw packets carry no BTH
			return nil, nil
		}
		if whole {
			// PktLen covers LRH to ICRC, VCRC follows
			c.Trim(int(ib.LRH.PktLen)*4 - lrhLen + vcrcLen)
			vcrc = true
		}
		if ib.LRH.LNH == lnhGRH {
			if c.Len() < grhLen {
				return nil, fmt.Errorf("grh: %w", core.ErrTruncated)
			}
			ib.GRH = readGRH(c)
		}
	case framingRoCEv1:
		if c.Len() < grhLen {
			return nil, nil
		}
		ib.GRH = readGRH(c)
		if whole {
			c.Trim(int(ib.GRH.PayLen))
		}
	}
	if ib.GRH != nil && ib.GRH.NxtHdr != grhNextBTH {
		return nil, nil
	}
	if c.Len() < bthLen {
		return nil, fmt.Errorf("bth: %w", core.ErrTruncated)
	}
	ib.BTH = readBTH(c)
	for _, h := range extHeaders[ib.BTH.Opcode] {
		readExtHeader(c, ib, h)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("ib extended headers: %w", err)
	}

	if whole {
		crc := icrcLen
		if vcrc {
			crc += vcrcLen
		}
		tail := c.Len() - crc
		if tail < 0 {
			return nil, fmt.Errorf("ib crc: %w", core.ErrTruncated)
		}
		t := cursor.New(c.Bytes()[tail:])
		ib.ICRC = t.Uint32()
		if vcrc {
			ib.VCRC = t.Uint16()
		}
		c.Trim(max(tail-int(ib.BTH.PadCount), 0))
	}
	ib.PayloadLen = c.Len()
	ctx.Attach(ib)

	ctx.decodeIBPayload(ib)
	return ib, nil
}

func readLRH(c *cursor.Cursor) *core.LRH {
	b0, b1 := c.Uint8(), c.Uint8()
	return &core.LRH{
		VL:     b0 >> 4,
		LVer:   b0 & 0x0F,
		SL:     b1 >> 4,
		LNH:    b1 & 0x03,
		DLID:   c.Uint16(),
		PktLen: c.Uint16() & 0x07FF,
		SLID:   c.Uint16(),
	}
}

func readGRH(c *cursor.Cursor) *core.GRH {
	w := c.Uint32()
	return &core.GRH{
		IPVer:     uint8(w >> 28),
		TClass:    uint8(w >> 20),
		FlowLabel: w & 0xFFFFF,
		PayLen:    c.Uint16(),
		NxtHdr:    c.Uint8(),
		HopLmt:    c.Uint8(),
		SGID:      gid(c.Read(16)),
		DGID:      gid(c.Read(16)),
	}
}

func gid(b []byte) string {
	if a, ok := netip.AddrFromSlice(b); ok {
		return a.String()
	}
	return ""
}

func readBTH(c *cursor.Cursor) core.BTH {
	op := c.Uint8()
	b := c.Uint8()
	bth := core.BTH{
		Opcode:   op,
		SE:       b&0x80 != 0,
		MigReq:   b&0x40 != 0,
		PadCount: (b >> 4) & 0x03,
		TVer:     b & 0x0F,
		PKey:     c.Uint16(),
	}
	c.Skip(1) // FECN, BECN, reserved
	bth.DestQP = c.Uint24()
	bth.AckReq = c.Uint8()&0x80 != 0
	bth.PSN = c.Uint24()
	return bth
}

func readExtHeader(c *cursor.Cursor, ib *core.IB, h eth) {
	switch h {
	case ethRDETH:
		v := c.Uint32() & 0xFFFFFF
		ib.RDETH = &v
	case ethDETH:
		ib.DETH = &core.DETH{QKey: c.Uint32(), SrcQP: c.Uint32() & 0xFFFFFF}
	case ethXRCETH:
		v := c.Uint32() & 0xFFFFFF
		ib.XRCETH = &v
	case ethRETH:
		ib.RETH = &core.RETH{VA: c.Uint64(), RKey: c.Uint32(), DMALen: c.Uint32()}
	case ethAtomicETH:
		ib.AtomicETH = &core.AtomicETH{VA: c.Uint64(), RKey: c.Uint32(), SwapDt: c.Uint64(), CmpDt: c.Uint64()}
	case ethAETH:
		w := c.Uint32()
		ib.AETH = &core.AETH{Syndrome: uint8(w >> 24), MSN: w & 0xFFFFFF}
	case ethAtomicAckETH:
		v := c.Uint64()
		ib.AtomicAckETH = &v
	case ethImmDt:
		v := c.Uint32()
		ib.ImmDt = &v
	case ethIETH:
		v := c.Uint32()
		ib.IETH = &v
	}
}
