package decoder

import (
	"fmt"
	"slices"

	"firestige.xyz/pktt/internal/core"
	"firestige.xyz/pktt/internal/cursor"
	"firestige.xyz/pktt/internal/log"
	"firestige.xyz/pktt/internal/metrics"
)

// Context is what a decoder sees: the cursor positioned at its bytes, the
// packet with the outer layers already attached and the reassembly state of
// the trace.
type Context struct {
	Cursor *cursor.Cursor
	Packet *core.Packet
	State  *State
	Reread bool

	d *Dispatcher
}

// Logger returns the dispatcher's logger.
func (c *Context) Logger() log.Logger { return c.d.logger }

// Attach appends a layer to the packet.
func (c *Context) Attach(l core.Layer) { c.Packet.Add(l) }

// AttachData attaches the unread bytes as a data layer, if any.
func (c *Context) AttachData() {
	if c.Cursor.Len() > 0 {
		c.Attach(&core.Data{Bytes: c.Cursor.Read(c.Cursor.Len())})
	}
}

// Decode runs the decoder registered for key in table t. It reports whether
// a layer was decoded.
func (c *Context) Decode(t Table, key uint32) bool {
	fn := c.d.Lookup(t, key)
	if fn == nil {
		return false
	}
	return c.Run(t.String(), fn)
}

// DecodeOrData runs the decoder for key in table t and attaches the unread
// bytes as data when no layer was decoded.
func (c *Context) DecodeOrData(t Table, key uint32) {
	if !c.Decode(t, key) {
		c.AttachData()
	}
}

// Run calls fn behind the decode boundary: a checkpoint is taken first, and
// when fn declines, fails or panics the cursor is restored and every layer
// attached since is dropped. name labels log entries and metrics.
func (c *Context) Run(name string, fn DecodeFunc) bool {
	tok := c.Cursor.Save()
	n := len(c.Packet.Layers)

	l, err := c.call(fn)
	if err != nil || l == nil {
		c.Cursor.Restore(tok)
		c.Packet.Layers = c.Packet.Layers[:n]
		if err != nil {
			metrics.LayerDecodeErrorsTotal.WithLabelValues(name).Inc()
			if c.d.logger.IsDebugEnabled() {
				c.d.logger.WithError(err).WithFields(map[string]interface{}{
					"decoder": name,
					"frame":   c.Packet.Frame,
				}).Debug("layer decode failed")
			}
		}
		return false
	}
	c.Cursor.Commit(tok)
	if !slices.Contains(c.Packet.Layers[n:], l) {
		c.Packet.Layers = slices.Insert(c.Packet.Layers, n, l)
	}
	return true
}

func (c *Context) call(fn DecodeFunc) (l core.Layer, err error) {
	defer func() {
		if r := recover(); r != nil {
			l, err = nil, fmt.Errorf("%w: decoder panic: %v", core.ErrNotDecoded, r)
		}
	}()
	return fn(c)
}
