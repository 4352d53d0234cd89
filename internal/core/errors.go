// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them
// with fmt.Errorf("...: %w", err) to add context.
var (
	// Trace source errors
	ErrUnrecognizedFormat = errors.New("pktt: unrecognized capture format")
	ErrTruncated          = errors.New("pktt: truncated capture record")
	ErrRewind             = errors.New("pktt: rewind out of range")

	// Decoding errors
	ErrMalformedField = errors.New("pktt: declared length exceeds maximum")
	ErrNotDecoded     = errors.New("pktt: payload does not belong to decoder")

	// RPC correlation
	ErrOrphanReply = errors.New("pktt: reply without matching call")
	ErrOrphanCall  = errors.New("pktt: call never answered")

	// Stream reassembly
	ErrDesyncDetected = errors.New("pktt: stream desynchronized")

	// Match expressions
	ErrParse = errors.New("pktt: invalid match expression")
)
