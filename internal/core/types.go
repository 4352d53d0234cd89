// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Ethernet represents the L2 Ethernet frame header.
type Ethernet struct {
	Src  string `yaml:"src"`
	Dst  string `yaml:"dst"`
	Type uint16 `yaml:"type"` // 0x0800=IPv4, 0x86DD=IPv6, 0x8100=VLAN, 0x8915=RoCE
}

func (*Ethernet) LayerName() string { return "ethernet" }

func (e *Ethernet) String() string { return fmt.Sprintf("ETHERNET %s -> %s", e.Src, e.Dst) }

// VLAN is an 802.1Q tag.
type VLAN struct {
	Priority uint8  `yaml:"priority"`
	DropElig bool   `yaml:"drop_elig"`
	ID       uint16 `yaml:"id"`
	Type     uint16 `yaml:"type"`
}

func (*VLAN) LayerName() string { return "vlan" }

// ARP request or reply.
type ARP struct {
	Op        uint16 `yaml:"op"` // 1=request, 2=reply
	SenderMAC string `yaml:"sender_mac"`
	SenderIP  string `yaml:"sender_ip"`
	TargetMAC string `yaml:"target_mac"`
	TargetIP  string `yaml:"target_ip"`
}

func (*ARP) LayerName() string { return "arp" }

func (a *ARP) String() string {
	if a.Op == 2 {
		return fmt.Sprintf("ARP %s is-at %s", a.SenderIP, a.SenderMAC)
	}
	return fmt.Sprintf("ARP who-has %s tell %s", a.TargetIP, a.SenderIP)
}

// IP represents the L3 header, IPv4 or IPv6.
type IP struct {
	Version     uint8      `yaml:"version"`
	Src         netip.Addr `yaml:"src"`
	Dst         netip.Addr `yaml:"dst"`
	Protocol    uint8      `yaml:"protocol"` // TCP=6, UDP=17
	TTL         uint8      `yaml:"ttl"`      // Hop limit for IPv6
	Length      uint16     `yaml:"length"`   // IPv4 total length, IPv6 payload length
	ID          uint16     `yaml:"id"`
	Flags       uint8      `yaml:"flags"` // IPv4 DF=0x2, MF=0x1
	FragOffset  uint16     `yaml:"frag_offset"`
	FlowLabel   uint32     `yaml:"flow_label"`
	Extensions  []uint8    `yaml:"extensions"`  // IPv6 extension header types in order
	Reassembled bool       `yaml:"reassembled"` // Rebuilt from IPv4 fragments
	PayloadLen  int        `yaml:"payload_len"` // Upper-layer bytes on the wire
}

func (*IP) LayerName() string { return "ip" }

func (ip *IP) String() string { return fmt.Sprintf("IPv%d %s -> %s", ip.Version, ip.Src, ip.Dst) }

// TCPFlags holds the decoded TCP control bits.
type TCPFlags struct {
	Raw uint16 `yaml:"raw"`
	FIN bool   `yaml:"fin"`
	SYN bool   `yaml:"syn"`
	RST bool   `yaml:"rst"`
	PSH bool   `yaml:"psh"`
	ACK bool   `yaml:"ack"`
	URG bool   `yaml:"urg"`
	ECE bool   `yaml:"ece"`
	CWR bool   `yaml:"cwr"`
	NS  bool   `yaml:"ns"`
}

// TCP represents the transport header plus the reassembler's view of the segment.
type TCP struct {
	SrcPort   uint16   `yaml:"src_port"`
	DstPort   uint16   `yaml:"dst_port"`
	Seq       uint32   `yaml:"seq"`
	Ack       uint32   `yaml:"ack"`
	HeaderLen uint8    `yaml:"header_len"`
	Flags     TCPFlags `yaml:"flags"`
	Window    uint16   `yaml:"window"`
	Checksum  uint16   `yaml:"checksum"`
	Urgent    uint16   `yaml:"urgent"`
	DataLen   int      `yaml:"data_len"`

	RelSeq         uint64 `yaml:"rel_seq"`        // Sequence relative to the stream base, wrap adjusted
	Retransmission bool   `yaml:"retransmission"` // Duplicate of bytes already assembled
}

func (*TCP) LayerName() string { return "tcp" }

func (t *TCP) String() string {
	return fmt.Sprintf("TCP %d -> %d seq=%d len=%d", t.SrcPort, t.DstPort, t.RelSeq, t.DataLen)
}

// UDP represents the transport header.
type UDP struct {
	SrcPort  uint16 `yaml:"src_port"`
	DstPort  uint16 `yaml:"dst_port"`
	Length   uint16 `yaml:"length"`
	Checksum uint16 `yaml:"checksum"`
}

func (*UDP) LayerName() string { return "udp" }

func (u *UDP) String() string { return fmt.Sprintf("UDP %d -> %d len=%d", u.SrcPort, u.DstPort, u.Length) }

// Data is a remainder no decoder claimed.
type Data struct {
	Bytes []byte `yaml:"bytes"`
}

func (*Data) LayerName() string { return "data" }

func (d *Data) String() string { return fmt.Sprintf("DATA len=%d", len(d.Bytes)) }
