package trace

import (
	"errors"
	"io"
)

// readSize is the read-ahead chunk size.
const readSize = 64 << 10

// readAhead buffers a capture stream in readSize chunks. Up to readSize
// bytes behind the read position stay buffered so a partially read record
// can be read again after more data arrives.
type readAhead struct {
	src   io.Reader
	buf   []byte
	start int64 // stream offset of buf[0]
	off   int
	err   error
}

func newReadAhead(src io.Reader) *readAhead {
	return &readAhead{src: src, buf: make([]byte, 0, 2*readSize)}
}

// Offset returns the stream offset of the next unread byte.
func (r *readAhead) Offset() int64 { return r.start + int64(r.off) }

// Read returns the next n bytes, fewer when the stream ends first. The
// result is only valid until the next call.
func (r *readAhead) Read(n int) []byte {
	for len(r.buf)-r.off < n && r.err == nil {
		if r.off > readSize {
			drop := r.off - readSize
			r.buf = append(r.buf[:0], r.buf[drop:]...)
			r.start += int64(drop)
			r.off -= drop
		}
		r.fill(max(n-(len(r.buf)-r.off), readSize))
	}
	end := min(r.off+n, len(r.buf))
	b := r.buf[r.off:end]
	r.off = end
	return b
}

func (r *readAhead) fill(n int) {
	if cap(r.buf)-len(r.buf) < n {
		nb := make([]byte, len(r.buf), len(r.buf)+n)
		copy(nb, r.buf)
		r.buf = nb
	}
	m, err := r.src.Read(r.buf[len(r.buf) : len(r.buf)+n])
	r.buf = r.buf[:len(r.buf)+m]
	if err != nil {
		r.err = err
	} else if m == 0 {
		r.err = io.ErrNoProgress
	}
}

// Seek moves the read position to a stream offset still held in the
// buffer. It reports false when the offset has been discarded or not read.
func (r *readAhead) Seek(off int64) bool {
	if off < r.start || off > r.start+int64(len(r.buf)) {
		return false
	}
	r.off = int(off - r.start)
	return true
}

// Err returns the error that stopped the last read, nil before end of input.
func (r *readAhead) Err() error {
	if errors.Is(r.err, io.EOF) || errors.Is(r.err, io.ErrUnexpectedEOF) || errors.Is(r.err, io.ErrNoProgress) {
		return nil
	}
	return r.err
}

// Retry clears the end-of-input condition so a growing file can be read
// further.
func (r *readAhead) Retry() { r.err = nil }
