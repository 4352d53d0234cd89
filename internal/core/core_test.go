package core

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"
)

func testPacket() *Packet {
	p := &Packet{Record: Record{Index: 4, Frame: 2, Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)}}
	p.Add(&Ethernet{Src: "02:00:00:00:00:01", Dst: "02:00:00:00:00:02", Type: 0x0800})
	p.Add(&IP{Version: 4, Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"), Protocol: 6})
	p.Add(&TCP{SrcPort: 700, DstPort: 2049})
	p.Add(&RPC{XID: 0x2a, Type: RPCCall, Program: 100003, Version: 3, Procedure: 1})
	return p
}

func TestPacket_Layer(t *testing.T) {
	p := testPacket()

	if got := p.Layer("RPC"); got == nil || got.LayerName() != "rpc" {
		t.Fatalf("Layer(RPC) = %v", got)
	}
	if p.Layer("udp") != nil {
		t.Error("expected no udp layer")
	}
	if !p.Has("tcp") || p.Has("nfs") {
		t.Errorf("Has mismatch: tcp=%v nfs=%v", p.Has("tcp"), p.Has("nfs"))
	}
	if want := []string{"ethernet", "ip", "tcp", "rpc"}; fmt.Sprint(p.Names()) != fmt.Sprint(want) {
		t.Errorf("Names() = %v, want %v", p.Names(), want)
	}
	if p.RPC() == nil || p.RPC().XID != 0x2a {
		t.Errorf("RPC() = %v", p.RPC())
	}
	if p.TCP() == nil || p.TCP().DstPort != 2049 {
		t.Errorf("TCP() = %v", p.TCP())
	}
}

func TestPacket_LayerInnermost(t *testing.T) {
	p := testPacket()
	inner := &IP{Version: 6, Src: netip.MustParseAddr("fe80::1"), Dst: netip.MustParseAddr("fe80::2")}
	p.Add(inner)

	if got := p.Layer("ip"); got != inner {
		t.Errorf("Layer(ip) = %v, want the innermost header", got)
	}
}

func TestPacket_String(t *testing.T) {
	s := testPacket().String()
	if !strings.HasPrefix(s, "4 03:04:05.000006 ") {
		t.Errorf("unexpected prefix: %q", s)
	}
	for _, want := range []string{"IPv4 10.0.0.1 -> 10.0.0.2", "TCP 700 -> 2049", "RPC call xid=0x0000002a"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}

	empty := &Packet{}
	if got := empty.RPC(); got != nil {
		t.Errorf("RPC() on empty packet = %v", got)
	}
}

func TestRecord_LayerName(t *testing.T) {
	var r Record
	if r.LayerName() != "record" {
		t.Errorf("LayerName() = %q", r.LayerName())
	}
}

func TestOpcodeName(t *testing.T) {
	tests := []struct {
		opcode uint8
		want   string
	}{
		{TransportRC | OpSendOnly, "RC_SEND_Only"},
		{TransportRC | OpReadRequest, "RC_RDMA_READ_Request"},
		{TransportUD | OpSendOnlyImm, "UD_SEND_Only_Immediate"},
		{TransportRC | 0x1F, "RC_0x1f"},
		{0xE0, "0xe0"},
	}
	for _, tt := range tests {
		if got := OpcodeName(tt.opcode); got != tt.want {
			t.Errorf("OpcodeName(0x%02x) = %q, want %q", tt.opcode, got, tt.want)
		}
	}
}

func TestErrorsWrap(t *testing.T) {
	err := fmt.Errorf("frame 12: %w", ErrTruncated)
	if !errors.Is(err, ErrTruncated) {
		t.Error("wrapped error lost its sentinel")
	}
	if errors.Is(err, ErrRewind) {
		t.Error("unexpected match with ErrRewind")
	}
}
