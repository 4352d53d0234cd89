// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"strings"
	"time"
)

// Layer is one decoded protocol layer attached to a Packet.
type Layer interface {
	// LayerName is the lower-case name the layer is attached under.
	LayerName() string
}

// Record describes the capture record a Packet was decoded from.
type Record struct {
	Index      int       `yaml:"index"`       // Packet index, unique across the trace
	Frame      int       `yaml:"frame"`       // Capture record number, shared by packets decoded from the same record
	File       string    `yaml:"file"`        // Capture file the record came from
	Timestamp  time.Time `yaml:"timestamp"`   // Capture timestamp
	CaptureLen uint32    `yaml:"capture_len"` // Bytes present in the file
	OrigLen    uint32    `yaml:"orig_len"`    // Bytes on the wire
}

// LayerName lets the record be addressed as a pseudo layer in match expressions.
func (r *Record) LayerName() string { return "record" }

// Packet is the ordered, append-only set of layers decoded from one record.
type Packet struct {
	Record
	Layers []Layer
}

// Add appends a layer.
func (p *Packet) Add(l Layer) {
	p.Layers = append(p.Layers, l)
}

// Layer returns the most recently attached layer with the given name.
// Names are matched case-insensitively.
func (p *Packet) Layer(name string) Layer {
	for i := len(p.Layers) - 1; i >= 0; i-- {
		if strings.EqualFold(p.Layers[i].LayerName(), name) {
			return p.Layers[i]
		}
	}
	return nil
}

// Has reports whether a layer with the given name is attached.
func (p *Packet) Has(name string) bool {
	return p.Layer(name) != nil
}

// Names lists the attached layer names in attach order.
func (p *Packet) Names() []string {
	names := make([]string, len(p.Layers))
	for i, l := range p.Layers {
		names[i] = l.LayerName()
	}
	return names
}

// RPC is a shortcut for the rpc layer, nil when absent.
func (p *Packet) RPC() *RPC {
	if l, ok := p.Layer("rpc").(*RPC); ok {
		return l
	}
	return nil
}

// TCP is a shortcut for the tcp layer, nil when absent.
func (p *Packet) TCP() *TCP {
	if l, ok := p.Layer("tcp").(*TCP); ok {
		return l
	}
	return nil
}

// String renders a one-line summary: index, timestamp and the innermost layers.
func (p *Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", p.Index, p.Timestamp.Format("15:04:05.000000"))
	for _, l := range p.Layers {
		if s, ok := l.(fmt.Stringer); ok {
			b.WriteString(" ")
			b.WriteString(s.String())
		}
	}
	return b.String()
}
