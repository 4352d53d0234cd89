package decoder

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/cursor"
	"firestige.xyz/pktt/internal/metrics"
)

// RPC programs with built-in payload decoders.
const (
	ProgramPortmap uint32 = 100000
	ProgramNFS     uint32 = 100003
	ProgramMount   uint32 = 100005
	ProgramNLM     uint32 = 100021

	// ProgramCallback is the table key for the NFSv4 callback programs,
	// which are assigned from the transient range.
	ProgramCallback uint32 = 0x40000000
	callbackEnd     uint32 = 0x60000000
)

const (
	rpcVersion      = 2
	maxAuthBody     = 400     // RFC 5531 opaque_auth limit
	maxRecordLen    = 1 << 26 // Sanity bound on one record fragment
	lastFragmentBit = 0x80000000

	// Highest valid status values
	maxAcceptStat = core.AcceptSystemErr
	maxAuthStat   = 14 // RPCSEC_GSS_CTXPROBLEM
)

// IsCallback reports whether program lies in the NFSv4 callback range.
func IsCallback(program uint32) bool {
	return program >= ProgramCallback && program < callbackEnd
}

// RecordLength walks the record marks at the front of b and returns the
// length, marks included, of the first complete record and the number of
// fragments it spans. n is 0 while b holds only part of the record. A mark
// declaring an empty or oversized fragment is an error.
func RecordLength(b []byte) (n, frags int, err error) {
	off := 0
	for {
		if len(b)-off < 4 {
			return 0, 0, nil
		}
		mark := binary.BigEndian.Uint32(b[off:])
		size := int(mark &^ lastFragmentBit)
		if size == 0 || size > maxRecordLen {
			return 0, 0, fmt.Errorf("record fragment size %d: %w", size, core.ErrMalformedField)
		}
		off += 4 + size
		frags++
		if off > len(b) {
			return 0, 0, nil
		}
		if mark&lastFragmentBit != 0 {
			return off, frags, nil
		}
	}
}

// joinRecord merges the fragments of a complete multi-fragment record into
// a single fragment.
func joinRecord(rec []byte) []byte {
	out := make([]byte, 4, len(rec))
	for off := 0; off < len(rec); {
		size := int(binary.BigEndian.Uint32(rec[off:]) &^ lastFragmentBit)
		out = append(out, rec[off+4:off+4+size]...)
		off += 4 + size
	}
	binary.BigEndian.PutUint32(out, uint32(len(out)-4)|lastFragmentBit)
	return out
}

func readAuth(c *cursor.Cursor) (core.Auth, error) {
	flavor := c.Uint32()
	body, err := c.Opaque(maxAuthBody)
	return core.Auth{Flavor: flavor, Body: body}, err
}

func notRPC(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrNotDecoded, fmt.Sprintf(format, args...))
}

// readRPC decodes a call or reply header. marked selects record marking,
// used over stream transports.
func readRPC(c *cursor.Cursor, marked bool) (*core.RPC, error) {
	rpc := &core.RPC{CallIndex: -1}
	if marked {
		rpc.FragmentHeader = c.Uint32()
		rpc.LastFragment = rpc.FragmentHeader&lastFragmentBit != 0
		rpc.FragmentSize = rpc.FragmentHeader &^ lastFragmentBit
		rpc.Fragments = 1
	}
	rpc.XID = c.Uint32()
	rpc.Type = c.Uint32()

	var err error
	switch rpc.Type {
	case core.RPCCall:
		rpc.RPCVersion = c.Uint32()
		if rpc.RPCVersion != rpcVersion {
			return nil, notRPC("rpc version %d", rpc.RPCVersion)
		}
		rpc.Program = c.Uint32()
		rpc.Version = c.Uint32()
		rpc.Procedure = c.Uint32()
		if rpc.Credential, err = readAuth(c); err != nil {
			return nil, err
		}
		if rpc.Verifier, err = readAuth(c); err != nil {
			return nil, err
		}
	case core.RPCReply:
		rpc.ReplyStat = c.Uint32()
		switch rpc.ReplyStat {
		case core.MsgAccepted:
			if rpc.Verifier, err = readAuth(c); err != nil {
				return nil, err
			}
			rpc.AcceptStat = c.Uint32()
			if rpc.AcceptStat == core.AcceptProgMismatch {
				rpc.Low = c.Uint32()
				rpc.High = c.Uint32()
			} else if rpc.AcceptStat > maxAcceptStat {
				return nil, notRPC("accept status %d", rpc.AcceptStat)
			}
		case core.MsgDenied:
			rpc.RejectStat = c.Uint32()
			switch rpc.RejectStat {
			case core.RejectRPCMismatch:
				rpc.Low = c.Uint32()
				rpc.High = c.Uint32()
			case core.RejectAuthError:
				rpc.AuthStat = c.Uint32()
				if rpc.AuthStat > maxAuthStat {
					return nil, notRPC("auth status %d", rpc.AuthStat)
				}
			default:
				return nil, notRPC("reject status %d", rpc.RejectStat)
			}
		default:
			return nil, notRPC("reply status %d", rpc.ReplyStat)
		}
	default:
		return nil, notRPC("message type %d", rpc.Type)
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("rpc header: %w", err)
	}
	return rpc, nil
}

// validHeader reports whether b starts with a plausible record-marked RPC
// header. It has no side effects.
func validHeader(b []byte) bool {
	if _, _, err := RecordLength(b); err != nil {
		return false
	}
	_, err := readRPC(cursor.New(b), true)
	return err == nil
}

// plausibleFront reports whether the start of a stream buffer could still
// become an RPC record. It rejects early so non-RPC streams are not
// buffered forever.
func plausibleFront(b []byte) bool {
	if _, _, err := RecordLength(b); err != nil {
		return false
	}
	if len(b) >= 12 {
		typ := binary.BigEndian.Uint32(b[8:])
		if typ != core.RPCCall && typ != core.RPCReply {
			return false
		}
		if typ == core.RPCCall && len(b) >= 16 && binary.BigEndian.Uint32(b[12:]) != rpcVersion {
			return false
		}
	}
	return true
}

// decodeRPCRecord decodes a record-marked message that fills the cursor.
func decodeRPCRecord(ctx *Context) (core.Layer, error) {
	rpc, err := readRPC(ctx.Cursor, true)
	if err != nil {
		return nil, err
	}
	return ctx.finishRPC(rpc), nil
}

// decodeRPCDatagram decodes an unmarked message, as carried by UDP and
// RPC-over-RDMA. Bytes that do not parse as an RPC header are declined.
func decodeRPCDatagram(ctx *Context) (core.Layer, error) {
	rpc, err := readRPC(ctx.Cursor, false)
	if err != nil {
		return nil, nil
	}
	return ctx.finishRPC(rpc), nil
}

// finishRPC correlates and attaches the header, then dispatches the body
// to the program decoder.
func (c *Context) finishRPC(rpc *core.RPC) *core.RPC {
	c.correlate(rpc)
	c.Attach(rpc)

	key := rpc.Program
	if IsCallback(key) {
		key = ProgramCallback
	}
	c.DecodeOrData(TableProgram, key)
	return rpc
}

// correlate registers calls and attributes replies to their calls.
func (c *Context) correlate(rpc *core.RPC) {
	if rpc.Type == core.RPCCall {
		c.State.register(rpc, c.Packet)
		return
	}
	call, ok := c.State.Calls.Resolve(rpc.XID)
	if !ok {
		rpc.Orphan = true
		metrics.RPCOrphansTotal.WithLabelValues(metrics.OrphanReply).Inc()
		c.Logger().WithError(core.ErrOrphanReply).WithFields(map[string]interface{}{
			"xid":   fmt.Sprintf("0x%08x", rpc.XID),
			"index": c.Packet.Index,
		}).Warn("rpc reply not correlated")
		return
	}
	rpc.Program = call.Program
	rpc.Version = call.Version
	rpc.Procedure = call.Procedure
	rpc.CallIndex = call.Index
	rpc.CallFile = call.File
}

// PayloadDecoder returns the default program decoder: it attaches the RPC
// body as a Payload layer named name. Harness decoders for specific
// protocol versions replace it with RegisterProgram.
func PayloadDecoder(name string) DecodeFunc {
	return func(ctx *Context) (core.Layer, error) {
		rpc := ctx.Packet.RPC()
		if rpc == nil {
			return nil, nil
		}
		p := &core.Payload{
			Name:      name,
			Program:   rpc.Program,
			Version:   rpc.Version,
			Procedure: rpc.Procedure,
			Callback:  IsCallback(rpc.Program),
			Call:      rpc.Type == core.RPCCall,
		}
		if !p.Call {
			if b := ctx.Cursor.Peek(4); len(b) == 4 {
				p.Status = binary.BigEndian.Uint32(b)
			}
		}
		p.Data = ctx.Cursor.Read(ctx.Cursor.Len())
		return p, nil
	}
}
