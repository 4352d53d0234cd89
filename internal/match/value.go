package match

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"firestige.xyz/pktt/internal/core"
)

// Depth limit of the search for a field nested below the named struct.
const maxPromoteDepth = 4

// fieldRef names a layer and a path of field names below it.
type fieldRef struct {
	layer string
	path  []string
}

func (f fieldRef) String() string {
	return strings.Join(append([]string{f.layer}, f.path...), ".")
}

// present reports whether the packet has the layer.
func (f fieldRef) present(pkt *core.Packet) bool {
	return strings.EqualFold(f.layer, "record") || pkt.Has(f.layer)
}

// values resolves the path on pkt and returns every candidate value. Slices
// along the path are expanded, so a path through a list yields one candidate
// per element. A missing layer or field yields none.
func (f fieldRef) values(pkt *core.Packet) []reflect.Value {
	var root reflect.Value
	if strings.EqualFold(f.layer, "record") {
		root = reflect.ValueOf(&pkt.Record)
	} else {
		l := pkt.Layer(f.layer)
		if l == nil {
			return nil
		}
		root = reflect.ValueOf(l)
	}
	cur := expand(root)
	for _, name := range f.path {
		var next []reflect.Value
		for _, v := range cur {
			for _, c := range lookup(v, name) {
				next = append(next, expand(c)...)
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

// expand dereferences pointers and interfaces and flattens slices and
// arrays other than byte strings.
func expand(v reflect.Value) []reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return []reflect.Value{v}
		}
		var out []reflect.Value
		for i := 0; i < v.Len(); i++ {
			out = append(out, expand(v.Index(i))...)
		}
		return out
	case reflect.Invalid:
		return nil
	}
	return []reflect.Value{v}
}

// lookup finds name below v. When a struct has no such field, the structs
// nested in it are searched breadth first, so deeply nested results such as
// a field of one operation in a compound can be named directly.
func lookup(v reflect.Value, name string) []reflect.Value {
	switch v.Kind() {
	case reflect.Struct:
		if f, ok := field(v, name); ok {
			return []reflect.Value{f}
		}
		return promoted(v, name)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil
		}
		iter := v.MapRange()
		for iter.Next() {
			if strings.EqualFold(iter.Key().String(), name) {
				return []reflect.Value{iter.Value()}
			}
		}
	}
	return nil
}

// field returns the exported field of struct v whose yaml name or Go name
// equals name, ignoring case. Embedded structs are searched too.
func field(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
		if tag == "-" {
			continue
		}
		if strings.EqualFold(tag, name) || strings.EqualFold(sf.Name, name) {
			return v.Field(i), true
		}
	}
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).Anonymous {
			continue
		}
		for _, e := range expand(v.Field(i)) {
			if e.Kind() != reflect.Struct {
				continue
			}
			if f, ok := field(e, name); ok {
				return f, true
			}
		}
	}
	return reflect.Value{}, false
}

func promoted(v reflect.Value, name string) []reflect.Value {
	level := []reflect.Value{v}
	for depth := 0; depth < maxPromoteDepth && len(level) > 0; depth++ {
		var next, found []reflect.Value
		for _, s := range level {
			for i := 0; i < s.NumField(); i++ {
				if !s.Type().Field(i).IsExported() {
					continue
				}
				for _, c := range expand(s.Field(i)) {
					if c.Kind() != reflect.Struct {
						continue
					}
					if f, ok := field(c, name); ok {
						found = append(found, f)
					}
					next = append(next, c)
				}
			}
		}
		if len(found) > 0 {
			return found
		}
		level = next
	}
	return nil
}

// number is an integer literal or field value wide enough for both int64
// and uint64 fields.
type number struct {
	mag uint64
	neg bool
}

func parseNumber(text string) (number, error) {
	s := strings.TrimRight(text, "lL")
	var n number
	if strings.HasPrefix(s, "-") {
		n.neg = true
		s = s[1:]
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return number{}, errorf("bad number %q", text)
	}
	n.mag = v
	if v == 0 {
		n.neg = false
	}
	return n, nil
}

func fromInt(i int64) number {
	if i < 0 {
		return number{mag: uint64(-(i + 1)) + 1, neg: true}
	}
	return number{mag: uint64(i)}
}

// bits returns the two's complement representation.
func (n number) bits() uint64 {
	if n.neg {
		return ^n.mag + 1
	}
	return n.mag
}

func (n number) cmp(o number) int {
	switch {
	case n.neg && !o.neg:
		return -1
	case !n.neg && o.neg:
		return 1
	}
	c := 0
	switch {
	case n.mag < o.mag:
		c = -1
	case n.mag > o.mag:
		c = 1
	}
	if n.neg {
		return -c
	}
	return c
}

func (n number) float() float64 {
	if n.neg {
		return -float64(n.mag)
	}
	return float64(n.mag)
}

func (n number) String() string {
	if n.neg {
		return "-" + strconv.FormatUint(n.mag, 10)
	}
	return strconv.FormatUint(n.mag, 10)
}

func toNumber(v reflect.Value) (number, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fromInt(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{mag: v.Uint()}, true
	case reflect.Bool:
		if v.Bool() {
			return number{mag: 1}, true
		}
		return number{}, true
	}
	return number{}, false
}

// toString returns the text of strings, byte strings and Stringers.
func toString(v reflect.Value) (string, bool) {
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return string(b), true
		}
	}
	if s, ok := stringer(v); ok {
		return s.String(), true
	}
	return "", false
}

func stringer(v reflect.Value) (fmt.Stringer, bool) {
	if !v.CanInterface() {
		return nil, false
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s, true
	}
	if v.CanAddr() {
		if s, ok := v.Addr().Interface().(fmt.Stringer); ok {
			return s, true
		}
	}
	return nil, false
}

// text renders any value the way it prints, for regular expressions.
func text(v reflect.Value) (string, bool) {
	if s, ok := toString(v); ok {
		return s, true
	}
	if !v.CanInterface() {
		return "", false
	}
	return fmt.Sprint(v.Interface()), true
}

func truthy(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() > 0
	}
	return !v.IsZero()
}
