package decoder

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pktt/internal/core"
)

const (
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// EtherType values
	etherTypeIPv4 = uint32(layers.EthernetTypeIPv4)
	etherTypeIPv6 = uint32(layers.EthernetTypeIPv6)
	etherTypeARP  = uint32(layers.EthernetTypeARP)
	etherTypeVLAN = uint32(layers.EthernetTypeDot1Q)
	etherTypeQinQ = 0x88A8
	etherTypeRoCE = 0x8915
)

// decodeEthernet decodes the Ethernet II (or 802.3) header and dispatches on
// the EtherType.
func decodeEthernet(ctx *Context) (core.Layer, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	l := &core.Ethernet{
		Src:  eth.SrcMAC.String(),
		Dst:  eth.DstMAC.String(),
		Type: uint16(eth.EthernetType),
	}
	ctx.Cursor.Skip(ethernetHeaderLen)
	// 802.3 frames carry a length instead of a type
	ctx.Cursor.Trim(len(eth.Payload))
	ctx.Attach(l)

	ctx.DecodeOrData(TableEtherType, uint32(eth.EthernetType))
	return l, nil
}

// decodeVLAN decodes one 802.1Q (or 802.1ad) tag.
func decodeVLAN(ctx *Context) (core.Layer, error) {
	var tag layers.Dot1Q
	if err := tag.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	l := &core.VLAN{
		Priority: tag.Priority,
		DropElig: tag.DropEligible,
		ID:       tag.VLANIdentifier,
		Type:     uint16(tag.Type),
	}
	ctx.Cursor.Skip(vlanHeaderLen)
	ctx.Attach(l)

	ctx.DecodeOrData(TableEtherType, uint32(tag.Type))
	return l, nil
}

func decodeARP(ctx *Context) (core.Layer, error) {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(ctx.Cursor.Bytes(), gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	ctx.Cursor.Skip(8 + 2*int(arp.HwAddressSize) + 2*int(arp.ProtAddressSize))
	return &core.ARP{
		Op:        arp.Operation,
		SenderMAC: net.HardwareAddr(arp.SourceHwAddress).String(),
		SenderIP:  protoAddr(arp.SourceProtAddress),
		TargetMAC: net.HardwareAddr(arp.DstHwAddress).String(),
		TargetIP:  protoAddr(arp.DstProtAddress),
	}, nil
}

func protoAddr(b []byte) string {
	if a, ok := netip.AddrFromSlice(b); ok {
		return a.String()
	}
	return net.HardwareAddr(b).String()
}
