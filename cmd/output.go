package cmd

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"firestige.xyz/pktt/internal/config"
	"firestige.xyz/pktt/internal/core"
)

const (
	formatText = "text"
	formatYAML = "yaml"
)

// packetDoc is the YAML document written for one packet.
type packetDoc struct {
	Record core.Record              `yaml:"record"`
	Layers []map[string]core.Layer `yaml:"layers"`
}

type printer struct {
	w         io.Writer
	format    string
	verbosity int
	enc       *yaml.Encoder
}

func newPrinter(w io.Writer, format string, verbosity int) (*printer, error) {
	p := &printer{w: w, format: format, verbosity: verbosity}
	switch format {
	case formatText:
	case formatYAML:
		p.enc = yaml.NewEncoder(w)
		p.enc.SetIndent(2)
	default:
		return nil, fmt.Errorf("invalid format: %s (must be text/yaml)", format)
	}
	return p, nil
}

func (p *printer) print(pkt *core.Packet) error {
	if p.enc != nil {
		doc := packetDoc{Record: pkt.Record}
		for _, l := range pkt.Layers {
			doc.Layers = append(doc.Layers, map[string]core.Layer{l.LayerName(): l})
		}
		return p.enc.Encode(doc)
	}

	if p.verbosity == config.VerbositySummary {
		_, err := fmt.Fprintln(p.w, pkt.String())
		return err
	}
	fmt.Fprintf(p.w, "packet %d frame %d %s\n", pkt.Index, pkt.Frame, pkt.Timestamp.Format("2006-01-02 15:04:05.000000"))
	for _, l := range pkt.Layers {
		if err := p.layer(l); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) layer(l core.Layer) error {
	line := strings.ToUpper(l.LayerName())
	if s, ok := l.(fmt.Stringer); ok {
		line = s.String()
	}
	if _, err := fmt.Fprintf(p.w, "  %s\n", line); err != nil {
		return err
	}
	if p.verbosity < config.VerbosityFields {
		return nil
	}
	out, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", l.LayerName(), err)
	}
	for _, field := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		fmt.Fprintf(p.w, "    %s\n", field)
	}
	return nil
}

func (p *printer) close() error {
	if p.enc != nil {
		return p.enc.Close()
	}
	return nil
}
