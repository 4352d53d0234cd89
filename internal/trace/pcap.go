package trace

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"firestige.xyz/pktt/internal/core"
)

const (
	magicMicro = 0xA1B2C3D4
	magicNano  = 0xA1B23C4D

	fileHeaderLen   = 24
	recordHeaderLen = 16

	// Records claiming more than this are treated as corrupt.
	maxCaptureLen = 1 << 24
)

// Header is the capture file header.
type Header struct {
	Order        binary.ByteOrder
	Nanosecond   bool
	VersionMajor uint16
	VersionMinor uint16
	SnapLen      uint32
	LinkType     uint32
	Compressed   bool
}

// record is a raw capture record. data is owned by the record.
type record struct {
	ts      time.Time
	capLen  uint32
	origLen uint32
	data    []byte
}

// pcapFile reads classic pcap records from one file, compressed or not.
type pcapFile struct {
	path   string
	file   *os.File
	ra     *readAhead
	header Header
	first  int64 // Stream offset of the first record
}

func checkMagic(b []byte) (binary.ByteOrder, bool, bool) {
	if len(b) < 4 {
		return nil, false, false
	}
	switch binary.LittleEndian.Uint32(b) {
	case magicMicro:
		return binary.LittleEndian, false, true
	case magicNano:
		return binary.LittleEndian, true, true
	}
	switch binary.BigEndian.Uint32(b) {
	case magicMicro:
		return binary.BigEndian, false, true
	case magicNano:
		return binary.BigEndian, true, true
	}
	return nil, false, false
}

// openPcap opens a capture file and reads its header. Files that do not
// start with a pcap magic number are retried through gzip.
func openPcap(path string) (*pcapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	p := &pcapFile{path: path, file: f, ra: newReadAhead(f)}

	hdr := p.ra.Read(fileHeaderLen)
	order, nano, ok := checkMagic(hdr)
	if !ok {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: %w", path, core.ErrUnrecognizedFormat)
		}
		p.ra = newReadAhead(zr)
		p.header.Compressed = true
		hdr = p.ra.Read(fileHeaderLen)
		if order, nano, ok = checkMagic(hdr); !ok {
			f.Close()
			return nil, fmt.Errorf("%s: %w", path, core.ErrUnrecognizedFormat)
		}
	}
	if len(hdr) < fileHeaderLen {
		f.Close()
		return nil, fmt.Errorf("%s: short file header: %w", path, core.ErrUnrecognizedFormat)
	}

	p.header.Order = order
	p.header.Nanosecond = nano
	p.header.VersionMajor = order.Uint16(hdr[4:])
	p.header.VersionMinor = order.Uint16(hdr[6:])
	p.header.SnapLen = order.Uint32(hdr[16:])
	// The upper bits carry FCS information
	p.header.LinkType = order.Uint32(hdr[20:]) & 0x0FFFFFFF
	p.first = p.ra.Offset()
	return p, nil
}

// next reads one record. A record cut short by the end of the file leaves
// the read position at its start and is reported with partial set.
func (p *pcapFile) next() (rec record, partial bool, err error) {
	start := p.ra.Offset()
	hdr := p.ra.Read(recordHeaderLen)
	if len(hdr) < recordHeaderLen {
		p.ra.Seek(start)
		return rec, len(hdr) > 0, p.ra.Err()
	}
	order := p.header.Order
	secs := order.Uint32(hdr[0:])
	frac := order.Uint32(hdr[4:])
	rec.capLen = order.Uint32(hdr[8:])
	rec.origLen = order.Uint32(hdr[12:])
	if rec.capLen > maxCaptureLen {
		return rec, false, fmt.Errorf("record of %d bytes at offset %d: %w", rec.capLen, start, core.ErrTruncated)
	}
	if !p.header.Nanosecond {
		frac *= 1000
	}
	rec.ts = time.Unix(int64(secs), int64(frac)).UTC()

	data := p.ra.Read(int(rec.capLen))
	if len(data) < int(rec.capLen) {
		p.ra.Seek(start)
		return record{}, true, p.ra.Err()
	}
	rec.data = bytes.Clone(data)
	return rec, false, nil
}

// rewind positions the file at its first record, reopening it when the
// read-ahead buffer no longer holds that offset.
func (p *pcapFile) rewind() error {
	if p.ra.Seek(p.first) {
		p.ra.Retry()
		return nil
	}
	np, err := openPcap(p.path)
	if err != nil {
		return err
	}
	p.close()
	*p = *np
	return nil
}

func (p *pcapFile) retry() { p.ra.Retry() }

func (p *pcapFile) close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
