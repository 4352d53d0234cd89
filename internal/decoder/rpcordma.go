package decoder

import (
	"bytes"
	"fmt"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/cursor"
	"firestige.xyz/pktt/internal/reassembly"
)

const (
	rpcRDMAVersion = 1
	rdmaErrVers    = 1 // ERR_VERS carries the supported version range

	maxChunks   = 256
	maxSegments = 256
)

// decodeIBPayload follows the RDMA operation carried by an IB packet: SENDs
// carry RPC-over-RDMA messages, READ and WRITE traffic fills the segments
// those messages declare.
func (c *Context) decodeIBPayload(ib *core.IB) {
	st := c.State
	op := ib.BTH.Opcode & 0x1F
	qp := ib.BTH.DestQP
	psn := ib.BTH.PSN

	switch op {
	case core.OpSendOnly, core.OpSendOnlyImm, core.OpSendOnlyInvalidate:
		c.decodeSend()

	case core.OpSendFirst, core.OpSendMiddle:
		if op == core.OpSendFirst {
			delete(st.sends, qp)
		}
		st.sends[qp] = append(st.sends[qp], c.Cursor.Bytes()...)
		c.AttachData()

	case core.OpSendLast, core.OpSendLastImm, core.OpSendLastInvalidate:
		head, ok := st.sends[qp]
		delete(st.sends, qp)
		if !ok {
			c.AttachData()
			return
		}
		msg := append(head, c.Cursor.Read(c.Cursor.Len())...)
		c.Cursor.Insert(msg)
		c.decodeSend()

	case core.OpReadRequest:
		if ib.RETH != nil {
			st.RDMA.AddSubSegment(ib.RETH.RKey, psn, ib.RETH.DMALen)
		}

	case core.OpReadResponseFirst, core.OpReadResponseMiddle, core.OpReadResponseLast, core.OpReadResponseOnly:
		seg := st.RDMA.AddFragment(0, false, psn, c.Cursor.Bytes())
		if seg != nil && seg.Complete() && c.completeRead(seg.Handle) {
			return
		}
		c.AttachData()

	case core.OpWriteFirst, core.OpWriteOnly, core.OpWriteOnlyImm:
		if ib.RETH != nil {
			st.RDMA.AddSubSegment(ib.RETH.RKey, psn, ib.RETH.DMALen)
			st.RDMA.AddFragment(ib.RETH.RKey, true, psn, c.Cursor.Bytes())
		}
		c.AttachData()

	case core.OpWriteMiddle, core.OpWriteLast, core.OpWriteLastImm:
		st.RDMA.AddFragment(0, false, psn, c.Cursor.Bytes())
		c.AttachData()

	default:
		c.AttachData()
	}
}

func (c *Context) decodeSend() {
	if !c.Run("rpcordma", decodeRPCoRDMA) {
		c.AttachData()
	}
}

// completeRead decodes the call held for the read chunks once the last of
// its segments, handle among them, is complete.
func (c *Context) completeRead(handle uint32) bool {
	st := c.State
	for xid, h := range st.held {
		if !holdsHandle(h, handle) {
			continue
		}
		msg, ok := st.RDMA.ReadChunkMessage(h.reduced, h.chunks)
		if !ok {
			return false
		}
		delete(st.held, xid)
		for _, ch := range h.chunks {
			st.RDMA.Remove(ch.Handle)
		}
		c.Cursor.Skip(c.Cursor.Len())
		c.Cursor.Insert(msg)
		if !c.Run("rpc", decodeRPCDatagram) {
			c.AttachData()
		}
		return true
	}
	return false
}

func holdsHandle(h *heldCall, handle uint32) bool {
	for _, ch := range h.chunks {
		if ch.Handle == handle {
			return true
		}
	}
	return false
}

func readSegment(c *cursor.Cursor) (core.RDMASegment, error) {
	return core.RDMASegment{Handle: c.Uint32(), Length: c.Uint32(), Offset: c.Uint64()}, nil
}

func readReadChunk(c *cursor.Cursor) (core.ReadChunk, error) {
	pos := c.Uint32()
	seg, err := readSegment(c)
	return core.ReadChunk{Position: pos, Segment: seg}, err
}

func readWriteChunk(c *cursor.Cursor) ([]core.RDMASegment, error) {
	return cursor.Array(c, maxSegments, readSegment)
}

func readChunkLists(c *cursor.Cursor, h *core.RPCoRDMA) error {
	var err error
	if h.Reads, err = cursor.List(c, maxChunks, readReadChunk); err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	if h.Writes, err = cursor.List(c, maxChunks, readWriteChunk); err != nil {
		return fmt.Errorf("write list: %w", err)
	}
	reply, err := cursor.Conditional(c, readWriteChunk)
	if err != nil {
		return fmt.Errorf("reply chunk: %w", err)
	}
	if reply != nil {
		h.Reply = *reply
	}
	return nil
}

// decodeRPCoRDMA decodes the RPC-over-RDMA header of a SEND, declares the
// chunks it carries and decodes or holds the RPC message.
func decodeRPCoRDMA(ctx *Context) (core.Layer, error) {
	c := ctx.Cursor
	h := &core.RPCoRDMA{
		XID:     c.Uint32(),
		Version: c.Uint32(),
		Credits: c.Uint32(),
		Proc:    c.Uint32(),
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	if h.Version != rpcRDMAVersion || h.Proc > core.RDMAError {
		return nil, nil
	}

	switch h.Proc {
	case core.RDMAMsgp:
		h.Align = c.Uint32()
		h.Thresh = c.Uint32()
		fallthrough
	case core.RDMAMsg, core.RDMANoMsg:
		if err := readChunkLists(c, h); err != nil {
			return nil, err
		}
	case core.RDMAError:
		h.ErrCode = c.Uint32()
		if h.ErrCode == rdmaErrVers {
			h.Low = c.Uint32()
			h.High = c.Uint32()
		}
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("rpc-over-rdma header: %w", err)
	}
	ctx.Attach(h)

	rdma := ctx.State.RDMA
	for _, rc := range h.Reads {
		rdma.DeclareSegment(rc.Segment.Handle, rc.Segment.Length, rc.Position)
	}
	for _, wc := range h.Writes {
		for _, s := range wc {
			rdma.DeclareSegment(s.Handle, s.Length, 0)
		}
	}
	for _, s := range h.Reply {
		rdma.DeclareSegment(s.Handle, s.Length, 0)
	}

	switch h.Proc {
	case core.RDMADone, core.RDMAError:
		return h, nil

	case core.RDMANoMsg:
		if len(h.Reply) > 0 {
			handles := segmentHandles(h.Reply)
			if data, ok := rdma.ChunkData(handles); ok {
				for _, hd := range handles {
					rdma.Remove(hd)
				}
				c.Skip(c.Len())
				c.Insert(data)
				if !ctx.Run("rpc", decodeRPCDatagram) {
					ctx.AttachData()
				}
			}
			return h, nil
		}
		// The whole message travels in position-zero read chunks.
		if chunks := readChunks(h.Reads, true); len(chunks) > 0 {
			ctx.hold(h.XID, nil, chunks)
		}
		return h, nil
	}

	// RDMA_MSG and RDMA_MSGP; MSGP padding is not honored.
	if len(h.Reads) > 0 {
		ctx.hold(h.XID, bytes.Clone(c.Bytes()), readChunks(h.Reads, false))
		ctx.AttachData()
		return h, nil
	}
	if len(h.Writes) > 0 {
		if data, ok := rdma.ChunkData(segmentHandles(h.Writes[0])); ok {
			h.WriteData = data
		}
		for _, wc := range h.Writes {
			for _, s := range wc {
				rdma.Remove(s.Handle)
			}
		}
	}
	if !ctx.Run("rpc", decodeRPCDatagram) {
		ctx.AttachData()
	}
	return h, nil
}

// hold parks a call until the data of its read chunks has been read.
func (c *Context) hold(xid uint32, reduced []byte, chunks []reassembly.ReadChunk) {
	c.State.held[xid] = &heldCall{reduced: reduced, chunks: chunks}
}

func readChunks(reads []core.ReadChunk, positionZero bool) []reassembly.ReadChunk {
	var out []reassembly.ReadChunk
	for _, rc := range reads {
		if positionZero && rc.Position != 0 {
			continue
		}
		out = append(out, reassembly.ReadChunk{Position: rc.Position, Handle: rc.Segment.Handle})
	}
	return out
}

func segmentHandles(segs []core.RDMASegment) []uint32 {
	out := make([]uint32, len(segs))
	for i, s := range segs {
		out[i] = s.Handle
	}
	return out
}
