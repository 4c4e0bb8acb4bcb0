// Package decode turns positive diagnostic payloads (hex text, no adapter
// header) into typed values: OBD-II and UDS trouble codes, the VIN and
// bit-packed signals with affine scaling. Every function is pure.
package decode

import "errors"

// Sentinel errors; wrapped with context, classify with errors.Is.
var (
	ErrDecode      = errors.New("decode error")
	ErrOutOfRange  = errors.New("bit field out of range")
	ErrInvalidHex  = errors.New("invalid hex payload")
	ErrInvalidSpec = errors.New("invalid bit field spec")
)
