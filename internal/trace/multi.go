package trace

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/correlator"
	"firestige.xyz/pktt/internal/decoder"
	"firestige.xyz/pktt/internal/metrics"
)

// Multi merges the packets of several capture files into one stream
// ordered by timestamp, with a single index across all files.
type Multi struct {
	sources []*Source
	heads   []*core.Packet // Next packet of each source
	done    []bool

	index int
	// Merged index of each delivered packet by file and per-file index,
	// used to translate call references.
	merged map[fileIndex]int
	// Decoding state of a finished file that the next file continues.
	carry *decoder.State
}

type fileIndex struct {
	file  string
	index int
}

// Merge creates a merged reader over paths. The files are opened lazily.
func Merge(paths []string, opts Options) *Multi {
	opts.defaults()
	m := &Multi{
		heads:  make([]*core.Packet, len(paths)),
		done:   make([]bool, len(paths)),
		merged: make(map[fileIndex]int),
	}
	for _, p := range paths {
		m.sources = append(m.sources, Open(p, opts))
	}
	return m
}

// OpenFiles returns a reader over one capture file, or a merged reader
// over several.
func OpenFiles(paths []string, opts Options) (Reader, error) {
	switch len(paths) {
	case 0:
		return nil, fmt.Errorf("no capture file given")
	case 1:
		return Open(paths[0], opts), nil
	}
	return Merge(paths, opts), nil
}

// Index returns the merged index of the packet Next returns next.
func (m *Multi) Index() int { return m.index }

// Sources returns the per-file sources.
func (m *Multi) Sources() []*Source { return m.sources }

// Next returns the packet with the earliest timestamp among the files.
func (m *Multi) Next() (*core.Packet, error) {
	best := -1
	for i := range m.sources {
		if err := m.fill(i); err != nil {
			return nil, err
		}
		if m.heads[i] == nil {
			continue
		}
		if best < 0 || m.heads[i].Timestamp.Before(m.heads[best].Timestamp) {
			best = i
		}
	}
	if best < 0 {
		return nil, io.EOF
	}
	if m.carry != nil {
		if err := m.handoff(best); err != nil {
			return nil, err
		}
		if m.heads[best] == nil {
			return m.Next()
		}
	}

	pkt := m.heads[best]
	m.heads[best] = nil
	m.merged[fileIndex{pkt.File, pkt.Index}] = m.index
	pkt.Index = m.index
	if rpc := pkt.RPC(); rpc != nil && rpc.CallIndex >= 0 {
		if idx, ok := m.merged[fileIndex{rpc.CallFile, rpc.CallIndex}]; ok {
			rpc.CallIndex = idx
		}
	}
	m.index++

	// Read ahead so a file that just ended is noticed before the next
	// file is chosen.
	if err := m.fill(best); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (m *Multi) fill(i int) error {
	if m.heads[i] != nil || m.done[i] {
		return nil
	}
	pkt, err := m.sources[i].Next()
	if errors.Is(err, io.EOF) {
		m.done[i] = true
		m.finished(i)
		return nil
	}
	if err != nil {
		return err
	}
	m.heads[i] = pkt
	return nil
}

// finished decides whether the files are one serial capture: when every
// other file still open has delivered nothing beyond its first packet, the
// next file continues where this one ended and inherits its state.
func (m *Multi) finished(i int) {
	serial := false
	for j, s := range m.sources {
		if j == i || m.done[j] {
			continue
		}
		if s.Index() > 1 {
			return
		}
		if s.Index() == 1 {
			serial = true
		}
	}
	if serial {
		m.carry = m.sources[i].state
		m.sources[i].state = decoder.NewState()
	}
}

// handoff restarts source i with the carried state and decodes its first
// packet again.
func (m *Multi) handoff(i int) error {
	s := m.sources[i]
	if err := s.restart(); err != nil {
		return err
	}
	s.state = m.carry
	m.carry = nil
	m.heads[i] = nil
	metrics.TraceEventsTotal.WithLabelValues(eventFileSwitch).Inc()
	s.logger.Debug("continuing serial capture")
	return m.fill(i)
}

// Rewind replays the merge from the start up to index.
func (m *Multi) Rewind(index int) error {
	if index < 0 || index > m.index {
		return fmt.Errorf("index %d, %d packets read: %w", index, m.index, core.ErrRewind)
	}
	if index == m.index {
		return nil
	}
	metrics.TraceEventsTotal.WithLabelValues(eventRewind).Inc()
	for i, s := range m.sources {
		if err := s.restart(); err != nil {
			return err
		}
		s.state.Reset()
		m.heads[i] = nil
		m.done[i] = false
	}
	m.carry = nil
	m.merged = make(map[fileIndex]int)
	m.index = 0
	for m.index < index {
		if _, err := m.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("index %d past end of trace: %w", index, core.ErrRewind)
			}
			return err
		}
	}
	return nil
}

// PendingCalls lists the delivered calls that have no reply yet, by merged
// index.
func (m *Multi) PendingCalls() []correlator.Pending {
	var out []correlator.Pending
	for _, s := range m.sources {
		for _, p := range s.PendingCalls() {
			idx, ok := m.merged[fileIndex{p.File, p.Index}]
			if !ok {
				continue
			}
			p.Index = idx
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Close closes every file.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
