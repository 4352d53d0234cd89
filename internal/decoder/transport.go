package decoder

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/metrics"
	"firestige.xyz/pktt/internal/reassembly"
)

const (
	udpHeaderLen = 8

	// PortRoCEv2 is the UDP port of routable RoCE.
	PortRoCEv2 uint32 = 4791
)

// decodeTCP decodes the TCP header, feeds the segment to the stream
// reassembler and decodes whatever complete message the stream now holds.
func decodeTCP(ctx *Context) (core.Layer, error) {
	ip, ok := ctx.Packet.Layer("ip").(*core.IP)
	if !ok {
		return nil, nil
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	hdrLen := int(tcp.DataOffset) * 4
	l := &core.TCP{
		SrcPort:   uint16(tcp.SrcPort),
		DstPort:   uint16(tcp.DstPort),
		Seq:       tcp.Seq,
		Ack:       tcp.Ack,
		HeaderLen: uint8(hdrLen),
		Flags:     tcpFlags(&tcp),
		Window:    tcp.Window,
		Checksum:  tcp.Checksum,
		Urgent:    tcp.Urgent,
	}
	ctx.Cursor.Skip(hdrLen)
	seg := ctx.Cursor.Bytes()
	l.DataLen = len(seg)

	key := reassembly.StreamKey{Src: ip.Src, SrcPort: l.SrcPort, Dst: ip.Dst, DstPort: l.DstPort}
	st := ctx.State.Streams.Get(key)

	// Data on a SYN starts after the SYN's own sequence number.
	seq := tcp.Seq
	if tcp.SYN {
		seq++
	}
	var res reassembly.AddResult
	if ctx.Reread {
		res.Seq = st.Rel(seq)
	} else {
		if tcp.SYN {
			st.Syn(tcp.Seq)
		}
		// A snapped record still occupies its full length in sequence space.
		if wire := ip.PayloadLen - hdrLen; wire > len(seg) && ctx.Packet.OrigLen > ctx.Packet.CaptureLen {
			seg = append(append(make([]byte, 0, wire), seg...), make([]byte, wire-len(seg))...)
		}
		res = st.Add(seq, seg)
	}
	l.RelSeq = res.Seq
	l.Retransmission = res.Retransmission
	ctx.Attach(l)

	if res.Retransmission {
		ctx.AttachData()
		return l, nil
	}
	if ctx.Decode(TableTCPPort, uint32(tcp.DstPort)) || ctx.Decode(TableTCPPort, uint32(tcp.SrcPort)) {
		st.Drop()
		return l, nil
	}
	ctx.decodeStream(st, seg, res, tcp.FIN || tcp.RST)
	return l, nil
}

// decodeStream decodes the next complete RPC record at the front of the
// stream, if there is one.
func (c *Context) decodeStream(st *reassembly.Stream, seg []byte, res reassembly.AddResult, closing bool) {
	if c.Reread {
		if !st.Pending {
			return
		}
		st.Pending = false
	} else {
		st.Pending = false
		c.resync(st, seg, res, closing)
	}

	buf := st.Contiguous()
	if len(buf) == 0 {
		return
	}
	n, frags, err := RecordLength(buf)
	if err != nil || !plausibleFront(buf) {
		// Not RPC, or we joined in the middle of a record.
		st.Drop()
		c.AttachData()
		return
	}
	if n == 0 {
		// Partial record stays buffered.
		c.AttachData()
		return
	}

	record := buf[:n]
	if frags > 1 {
		record = joinRecord(record)
	}
	c.Cursor.Skip(c.Cursor.Len())
	c.Cursor.Insert(record)
	if !c.Run("rpc", decodeRPCRecord) {
		st.Drop()
		metrics.StreamDesyncsTotal.Inc()
		c.Logger().WithError(core.ErrDesyncDetected).WithFields(map[string]interface{}{
			"stream": c.streamKey(),
			"frame":  c.Packet.Frame,
		}).Warn("dropping stream buffer")
		c.AttachData()
		return
	}
	if rpc := c.Packet.RPC(); rpc != nil {
		rpc.Fragments = frags
	}
	st.Consume(n)

	// More complete records already buffered: present the frame again.
	if next, _, err := RecordLength(st.Contiguous()); err == nil && next > 0 {
		st.Pending = true
		c.State.reread = true
	}
}

// resync restarts the stream on a segment that begins a new RPC record
// while the buffer still holds bytes in front of it: the tail of a record
// whose remaining segments were lost, or a gap that never closed. Those
// bytes are dropped, and a late fill of the gap is then treated as a
// retransmission. A partial buffer is also dropped when the connection
// closes.
func (c *Context) resync(st *reassembly.Stream, seg []byte, res reassembly.AddResult, closing bool) {
	if res.Resync {
		c.desync(st, "segment far beyond the expected sequence", 0)
		return
	}
	if len(seg) == 0 {
		if closing && st.Len() > 0 && len(st.Gaps()) == 0 {
			st.Drop()
		}
		return
	}
	if res.OutOfOrder || res.Seq <= st.Start() || !validHeader(seg) {
		return
	}
	stale := int(res.Seq - st.Start())
	metrics.StreamDesyncsTotal.Inc()
	c.desync(st, "resynchronized on new record", stale)
	st.Consume(stale)
}

func (c *Context) desync(st *reassembly.Stream, msg string, dropped int) {
	c.Logger().WithError(core.ErrDesyncDetected).WithFields(map[string]interface{}{
		"stream":  c.streamKey(),
		"frame":   c.Packet.Frame,
		"dropped": dropped,
		"gaps":    len(st.Gaps()),
	}).Debug(msg)
}

func (c *Context) streamKey() string {
	ip, _ := c.Packet.Layer("ip").(*core.IP)
	tcp := c.Packet.TCP()
	if ip == nil || tcp == nil {
		return ""
	}
	return reassembly.StreamKey{Src: ip.Src, SrcPort: tcp.SrcPort, Dst: ip.Dst, DstPort: tcp.DstPort}.String()
}

func tcpFlags(t *layers.TCP) core.TCPFlags {
	f := core.TCPFlags{
		FIN: t.FIN, SYN: t.SYN, RST: t.RST, PSH: t.PSH,
		ACK: t.ACK, URG: t.URG, ECE: t.ECE, CWR: t.CWR, NS: t.NS,
	}
	for i, set := range []bool{f.FIN, f.SYN, f.RST, f.PSH, f.ACK, f.URG, f.ECE, f.CWR, f.NS} {
		if set {
			f.Raw |= 1 << i
		}
	}
	return f
}

// decodeUDP decodes the UDP header. Registered ports are tried first, then
// the payload is tried as an RPC message.
func decodeUDP(ctx *Context) (core.Layer, error) {
	var udp layers.UDP
	if err := udp.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	l := &core.UDP{
		SrcPort:  uint16(udp.SrcPort),
		DstPort:  uint16(udp.DstPort),
		Length:   udp.Length,
		Checksum: udp.Checksum,
	}
	ctx.Cursor.Skip(udpHeaderLen)
	ctx.Cursor.Trim(len(udp.Payload))
	ctx.Attach(l)

	if ctx.Decode(TableUDPPort, uint32(udp.DstPort)) || ctx.Decode(TableUDPPort, uint32(udp.SrcPort)) {
		return l, nil
	}
	if !ctx.Run("rpc", decodeRPCDatagram) {
		ctx.AttachData()
	}
	return l, nil
}
