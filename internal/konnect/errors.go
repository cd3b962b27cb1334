package konnect

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and transfer operations.
var (
	// Session errors
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNotIdentified      = errors.New("peer not identified")
	ErrProtocolTooOld     = errors.New("peer protocol version too old")
	ErrCertMismatch       = errors.New("peer certificate does not match device id")
	ErrNoPeerCertificate  = errors.New("peer presented no certificate")
	ErrDeviceNotTrusted   = errors.New("device not paired")
	ErrDeviceNotReachable = errors.New("device not reachable")

	// Transfer errors
	ErrNoTransferPort    = errors.New("no transfer port available")
	ErrShortTransfer     = errors.New("transfer ended before advertised size")
	ErrNoDestinationPath = errors.New("no share destination configured")

	// Lifecycle errors
	ErrNotRunning = errors.New("server not running")
)

// SessionError wraps an error with session context.
type SessionError struct {
	Device string
	Addr   string
	Op     string
	Err    error
}

// Error returns the error message.
func (e *SessionError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("session %s: %s: %v", e.Device, e.Op, e.Err)
	}
	return fmt.Sprintf("session %s: %s: %v", e.Addr, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new SessionError.
func NewSessionError(device, addr, op string, err error) *SessionError {
	return &SessionError{
		Device: device,
		Addr:   addr,
		Op:     op,
		Err:    err,
	}
}
