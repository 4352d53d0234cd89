// Package trace reads capture files and turns their records into decoded
// packets, one at a time, in capture order.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/correlator"
	"firestige.xyz/pktt/internal/decoder"
	"firestige.xyz/pktt/internal/log"
	"firestige.xyz/pktt/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	defaultLiveTimeout  = 30 * time.Second
)

// Trace event labels.
const (
	eventRewind     = "rewind"
	eventFileSwitch = "file_switch"
	eventTruncated  = "truncated"
	eventPoll       = "poll"
)

// Reader is a stream of decoded packets that can be rewound.
type Reader interface {
	// Next returns the next packet, or io.EOF at the end of the trace.
	Next() (*core.Packet, error)
	// Rewind repositions the reader so the next packet is the one with
	// the given index.
	Rewind(index int) error
	// Index returns the index of the packet Next returns next.
	Index() int
	Close() error
}

// Options configure a trace reader.
type Options struct {
	// Live keeps reading a file that is still being written. At the end of
	// the data the reader switches to the successor file "<path><n>" when
	// one exists, and otherwise polls until LiveTimeout passes without new
	// data.
	Live         bool
	LiveTimeout  time.Duration
	PollInterval time.Duration

	// Filter drops records before decoding. Dropped records get no index.
	Filter *Filter

	// Dispatcher decodes the records; nil selects decoder.New(Logger).
	Dispatcher *decoder.Dispatcher
	Logger     log.Logger
}

func (o *Options) defaults() {
	o.Logger = log.Must(o.Logger)
	if o.Dispatcher == nil {
		o.Dispatcher = decoder.New(o.Logger)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.LiveTimeout <= 0 {
		o.LiveTimeout = defaultLiveTimeout
	}
}

// Source decodes the packets of one capture file, or of the sequence of
// files a rotating live capture writes.
type Source struct {
	opts   Options
	logger log.Logger
	state  *decoder.State

	base string // Path given to Open
	seq  int    // Successor number of the current live file
	file *pcapFile

	index     int
	frame     int
	cur       record
	reread    bool
	eof       bool
	truncated bool
	reported  bool

	sleep func(time.Duration)
}

// Open creates a source for the capture file at path. The file is opened
// on the first read.
func Open(path string, opts Options) *Source {
	opts.defaults()
	return &Source{
		opts:   opts,
		logger: opts.Logger.WithField("trace", path),
		state:  decoder.NewState(),
		base:   path,
		sleep:  time.Sleep,
	}
}

// Path returns the file currently read.
func (s *Source) Path() string {
	if s.file != nil {
		return s.file.path
	}
	return s.base
}

// Header opens the file if needed and returns its header.
func (s *Source) Header() (Header, error) {
	if err := s.open(); err != nil {
		return Header{}, err
	}
	return s.file.header, nil
}

// Index returns the index of the packet Next returns next.
func (s *Source) Index() int { return s.index }

// Truncated reports whether the trace ended in the middle of a record.
func (s *Source) Truncated() bool { return s.truncated }

// State exposes the reassembly state, e.g. to list calls still waiting for
// a reply.
func (s *Source) State() *decoder.State { return s.state }

// PendingCalls lists the calls decoded so far that have no reply yet.
func (s *Source) PendingCalls() []correlator.Pending { return s.state.PendingCalls() }

func (s *Source) open() error {
	if s.file != nil {
		return nil
	}
	f, err := openPcap(s.currentPath())
	if err != nil {
		return err
	}
	s.file = f
	s.logger.WithFields(map[string]interface{}{
		"link_type":  f.header.LinkType,
		"snap_len":   f.header.SnapLen,
		"nanosecond": f.header.Nanosecond,
		"gzip":       f.header.Compressed,
	}).Debug("capture file opened")
	return nil
}

func (s *Source) currentPath() string {
	if s.seq == 0 {
		return s.base
	}
	return fmt.Sprintf("%s%d", s.base, s.seq)
}

// Next returns the next packet. A capture record yields more than one
// packet when its TCP segment completes several RPC messages; these share
// the frame number. At the end of the trace Next returns io.EOF.
func (s *Source) Next() (*core.Packet, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if s.reread {
		return s.decode(true), nil
	}
	if s.eof {
		return nil, io.EOF
	}
	for {
		rec, err := s.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish()
			}
			return nil, err
		}
		s.frame++
		if s.opts.Filter != nil && !s.opts.Filter.Match(rec.data) {
			metrics.RecordsFilteredTotal.Inc()
			continue
		}
		s.cur = rec
		return s.decode(false), nil
	}
}

func (s *Source) decode(reread bool) *core.Packet {
	rec := core.Record{
		Index:      s.index,
		Frame:      s.frame,
		File:       s.Path(),
		Timestamp:  s.cur.ts,
		CaptureLen: s.cur.capLen,
		OrigLen:    s.cur.origLen,
	}
	pkt := s.opts.Dispatcher.Decode(rec, s.cur.data, s.file.header.LinkType, s.state, reread)
	s.index++
	s.reread = s.state.TakeReread()
	return pkt
}

// read returns the next complete record. In live mode it waits for the
// writer, switching to the successor file when the writer has moved on.
func (s *Source) read() (record, error) {
	var waited time.Duration
	for {
		rec, partial, err := s.file.next()
		if err != nil {
			if errors.Is(err, core.ErrTruncated) {
				s.truncate()
				return record{}, io.EOF
			}
			return record{}, fmt.Errorf("%s: %w", s.file.path, err)
		}
		if rec.data != nil {
			return rec, nil
		}
		if !s.opts.Live {
			if partial {
				s.truncate()
			}
			return record{}, io.EOF
		}

		if s.switchFile() {
			waited = 0
			continue
		}
		if waited >= s.opts.LiveTimeout {
			if partial {
				s.truncate()
			}
			s.logger.WithField("waited", waited).Info("no new data, ending live trace")
			return record{}, io.EOF
		}
		metrics.TraceEventsTotal.WithLabelValues(eventPoll).Inc()
		s.sleep(s.opts.PollInterval)
		waited += s.opts.PollInterval
		s.file.retry()
	}
}

// switchFile moves to the successor of the current live file if it exists.
// Decoding state carries over since the files continue one capture.
func (s *Source) switchFile() bool {
	next := fmt.Sprintf("%s%d", s.base, s.seq+1)
	if _, err := os.Stat(next); err != nil {
		return false
	}
	f, err := openPcap(next)
	if err != nil {
		s.logger.WithError(err).WithField("file", next).Warn("successor file not readable yet")
		return false
	}
	s.file.close()
	s.file = f
	s.seq++
	metrics.TraceEventsTotal.WithLabelValues(eventFileSwitch).Inc()
	s.logger.WithField("file", next).Info("switched to successor file")
	return true
}

func (s *Source) truncate() {
	s.truncated = true
	metrics.TraceEventsTotal.WithLabelValues(eventTruncated).Inc()
	s.logger.WithError(core.ErrTruncated).WithField("frame", s.frame+1).Warn("capture ends in a partial record")
}

// finish marks the end of the trace and reports calls that never got a
// reply.
func (s *Source) finish() {
	s.eof = true
	if s.reported {
		return
	}
	s.reported = true
	for _, p := range s.PendingCalls() {
		metrics.RPCOrphansTotal.WithLabelValues(metrics.OrphanCall).Inc()
		s.logger.WithError(core.ErrOrphanCall).WithFields(map[string]interface{}{
			"xid":   fmt.Sprintf("0x%08x", p.XID),
			"index": p.Index,
		}).Debug("rpc call without reply")
	}
}

// Rewind repositions the source so the next packet returned is the one
// with the given index. Reassembly state only holds for forward decoding,
// so going back restarts from the first record with empty state and
// decodes forward again.
func (s *Source) Rewind(index int) error {
	if index < 0 || index > s.index {
		return fmt.Errorf("index %d, %d packets read: %w", index, s.index, core.ErrRewind)
	}
	if index == s.index {
		return nil
	}
	metrics.TraceEventsTotal.WithLabelValues(eventRewind).Inc()
	if err := s.restart(); err != nil {
		return err
	}
	s.state.Reset()
	return s.skipTo(index)
}

// restart positions the source at the first record of the first file
// without touching the decoding state.
func (s *Source) restart() error {
	if s.seq != 0 && s.file != nil {
		s.file.close()
		s.file = nil
	}
	s.seq = 0
	if s.file != nil {
		if err := s.file.rewind(); err != nil {
			return err
		}
	}
	s.index, s.frame = 0, 0
	s.cur = record{}
	s.reread, s.eof, s.truncated, s.reported = false, false, false, false
	return nil
}

func (s *Source) skipTo(index int) error {
	for s.index < index {
		if _, err := s.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("index %d past end of trace: %w", index, core.ErrRewind)
			}
			return err
		}
	}
	return nil
}

// Close releases the file.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.close()
	s.file = nil
	return err
}
