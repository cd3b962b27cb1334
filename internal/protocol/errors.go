package protocol

import "errors"

// Sentinel errors for packet parsing and validation.
var (
	ErrInvalidPacket = errors.New("invalid packet")
	ErrLineTooLong   = errors.New("cleartext line exceeds limit")
)
