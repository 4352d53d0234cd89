package decoder

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/reassembly"
)

const (
	ipv6HeaderLen = 40

	ipProtoTCP = uint32(layers.IPProtocolTCP)
	ipProtoUDP = uint32(layers.IPProtocolUDP)
)

func addrFrom(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// decodeIPv4 decodes the IPv4 header. Fragments are collected until the
// datagram is whole; the transport layer is decoded on the fragment that
// completes it.
func decodeIPv4(ctx *Context) (core.Layer, error) {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	l := &core.IP{
		Version:    4,
		Src:        addrFrom(ip4.SrcIP),
		Dst:        addrFrom(ip4.DstIP),
		Protocol:   uint8(ip4.Protocol),
		TTL:        ip4.TTL,
		Length:     ip4.Length,
		ID:         ip4.Id,
		Flags:      uint8(ip4.Flags),
		FragOffset: ip4.FragOffset,
		PayloadLen: int(ip4.Length) - int(ip4.IHL)*4,
	}
	ctx.Cursor.Skip(int(ip4.IHL) * 4)
	ctx.Cursor.Trim(len(ip4.Payload))
	ctx.Attach(l)

	if ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0 {
		whole, ok := ctx.reassemble(ip4, l)
		if !ok {
			ctx.AttachData()
			return l, nil
		}
		l.Reassembled = true
		l.PayloadLen = len(whole)
		ctx.Cursor.Skip(ctx.Cursor.Len())
		ctx.Cursor.Insert(whole)
	}

	ctx.DecodeOrData(TableIPProto, uint32(ip4.Protocol))
	return l, nil
}

func (c *Context) reassemble(ip4 layers.IPv4, l *core.IP) ([]byte, bool) {
	if c.Reread {
		return c.State.datagram, c.State.datagram != nil
	}
	key := reassembly.FragmentKey{Src: l.Src, Dst: l.Dst, Protocol: l.Protocol, ID: l.ID}
	more := ip4.Flags&layers.IPv4MoreFragments != 0
	whole, done, err := c.State.Fragments.Add(key, ip4.FragOffset*8, more, ip4.Payload, c.Packet.Timestamp)
	if err != nil {
		c.Logger().WithError(err).WithField("frame", c.Packet.Frame).Debug("fragment dropped")
		return nil, false
	}
	if done {
		c.State.datagram = whole
	}
	return whole, done
}

// decodeIPv6 decodes the fixed IPv6 header and walks the extension headers
// to find the upper-layer protocol.
func decodeIPv6(ctx *Context) (core.Layer, error) {
	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	next := ctx.Cursor.Bytes()[6]
	l := &core.IP{
		Version:   6,
		Src:       addrFrom(ip6.SrcIP),
		Dst:       addrFrom(ip6.DstIP),
		TTL:       ip6.HopLimit,
		Length:    ip6.Length,
		FlowLabel: ip6.FlowLabel,
	}
	ctx.Cursor.Skip(ipv6HeaderLen)
	if ip6.Length > 0 {
		ctx.Cursor.Trim(int(ip6.Length))
	}

	extLen := 0
	for isIPv6Extension(next) && ctx.Cursor.Len() >= 8 {
		var ext layers.IPv6ExtensionSkipper
		if err := ext.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
			return nil, err
		}
		l.Extensions = append(l.Extensions, next)
		ctx.Cursor.Skip(len(ext.Contents))
		extLen += len(ext.Contents)
		next = uint8(ext.NextHeader)
	}
	l.Protocol = next
	l.PayloadLen = ctx.Cursor.Len()
	if ip6.Length > 0 {
		l.PayloadLen = int(ip6.Length) - extLen
	}
	ctx.Attach(l)

	ctx.DecodeOrData(TableIPProto, uint32(next))
	return l, nil
}

func isIPv6Extension(proto uint8) bool {
	switch layers.IPProtocol(proto) {
	case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing,
		layers.IPProtocolIPv6Fragment, layers.IPProtocolIPv6Destination:
		return true
	}
	return false
}
