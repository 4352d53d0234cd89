package trace

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func words(ws ...uint32) []byte {
	b := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}
	return b
}

// udpCall is an NFS NULL call from the client.
func udpCall(t *testing.T, xid uint32) []byte {
	return udpFrame(t, false, words(xid, 0, 2, 100003, 3, 0, 0, 0, 0, 0))
}

// udpReply is an accepted reply from the server.
func udpReply(t *testing.T, xid uint32) []byte {
	return udpFrame(t, true, words(xid, 1, 0, 0, 0, 0))
}

func udpFrame(t *testing.T, fromServer bool, payload []byte) []byte {
	t.Helper()
	cli, srv := net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}
	sport, dport := layers.UDPPort(800), layers.UDPPort(2049)
	if fromServer {
		cli, srv = srv, cli
		sport, dport = dport, sport
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: cli, DstIP: srv}
	udp := &layers.UDP{SrcPort: sport, DstPort: dport}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, ip, udp, gopacket.Payload(payload)))
	return append([]byte(nil), buf.Bytes()...)
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{2, 0, 0, 0, 0, 1},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))
	return append([]byte(nil), buf.Bytes()...)
}

// capture is a frame with its capture time.
type capture struct {
	ts   time.Time
	data []byte
}

func at(sec int, data []byte) capture {
	return capture{ts: epoch.Add(time.Duration(sec) * time.Second), data: data}
}

func pcapBytes(t *testing.T, caps ...capture) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, c := range caps {
		ci := gopacket.CaptureInfo{Timestamp: c.ts, CaptureLength: len(c.data), Length: len(c.data)}
		require.NoError(t, w.WritePacket(ci, c.data))
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writePcap(t *testing.T, name string, caps ...capture) string {
	return writeFile(t, name, pcapBytes(t, caps...))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// rawPcap writes a capture by hand, for byte orders and timestamp
// resolutions the pcapgo writer does not produce.
func rawPcap(order binary.ByteOrder, nano bool, caps ...capture) []byte {
	magic := uint32(magicMicro)
	if nano {
		magic = magicNano
	}
	hdr := make([]byte, fileHeaderLen)
	order.PutUint32(hdr[0:], magic)
	order.PutUint16(hdr[4:], 2)
	order.PutUint16(hdr[6:], 4)
	order.PutUint32(hdr[16:], 65535)
	order.PutUint32(hdr[20:], 1)
	out := hdr
	for _, c := range caps {
		rec := make([]byte, recordHeaderLen)
		frac := uint32(c.ts.Nanosecond())
		if !nano {
			frac /= 1000
		}
		order.PutUint32(rec[0:], uint32(c.ts.Unix()))
		order.PutUint32(rec[4:], frac)
		order.PutUint32(rec[8:], uint32(len(c.data)))
		order.PutUint32(rec[12:], uint32(len(c.data)))
		out = append(out, rec...)
		out = append(out, c.data...)
	}
	return out
}
