package trace

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// Filter is a classic BPF program run over raw capture records before
// they are decoded.
type Filter struct {
	vm *bpf.VM
}

// ParseFilter builds a filter from a compiled program in the decimal form
// printed by `tcpdump -ddd`: an instruction count followed by one
// "code jt jf k" line per instruction. Lines may also be separated by
// commas, as in `tcpdump -ddd | tr '\n' ','`.
func ParseFilter(text string) (*Filter, error) {
	lines := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == ',' })
	var fields [][]string
	for _, l := range lines {
		if f := strings.Fields(l); len(f) > 0 {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 || len(fields[0]) != 1 {
		return nil, fmt.Errorf("bpf program: missing instruction count")
	}
	n, err := strconv.Atoi(fields[0][0])
	if err != nil {
		return nil, fmt.Errorf("bpf program: instruction count: %w", err)
	}
	if n != len(fields)-1 {
		return nil, fmt.Errorf("bpf program: %d instructions declared, %d given", n, len(fields)-1)
	}

	raw := make([]bpf.RawInstruction, n)
	for i, f := range fields[1:] {
		if len(f) != 4 {
			return nil, fmt.Errorf("bpf program: instruction %d: want 4 fields, got %d", i, len(f))
		}
		var v [4]uint64
		for j, s := range f {
			if v[j], err = strconv.ParseUint(s, 10, 32); err != nil {
				return nil, fmt.Errorf("bpf program: instruction %d: %w", i, err)
			}
		}
		if v[1] > 0xFF || v[2] > 0xFF || v[0] > 0xFFFF {
			return nil, fmt.Errorf("bpf program: instruction %d out of range", i)
		}
		raw[i] = bpf.RawInstruction{Op: uint16(v[0]), Jt: uint8(v[1]), Jf: uint8(v[2]), K: uint32(v[3])}
	}
	return NewFilter(raw)
}

// NewFilter builds a filter from raw instructions.
func NewFilter(raw []bpf.RawInstruction) (*Filter, error) {
	insts, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf program: unsupported instruction")
	}
	vm, err := bpf.NewVM(insts)
	if err != nil {
		return nil, fmt.Errorf("bpf program: %w", err)
	}
	return &Filter{vm: vm}, nil
}

// Match reports whether the program accepts the record.
func (f *Filter) Match(data []byte) bool {
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}
