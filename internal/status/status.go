// Package status defines the one-byte status codes that cross the
// privilege boundary and the sentinel error kinds that map to them. It
// exists because both internal/fs and internal/ctxmgr raise faults that
// internal/syscall must render as the same ABI-stable byte, and neither
// of those two packages imports the other; a shared leaf package is the
// idiomatic way to avoid a cycle.
package status

import "errors"

// Code is the status byte returned by every FS operation and carried in
// the syscall argument buffer's result word.
type Code uint8

//go:generate go run golang.org/x/tools/cmd/stringer -type Code

const (
	OK Code = iota
	DeviceError
	NotFound
	NoSpace
	InvalidArgument
	IntegrityError
	ContextFault
)

// Sentinel errors. Component packages wrap one of these with %w so
// callers can errors.Is against a stable kind while Of still recovers
// the ABI byte for the syscall boundary.
var (
	ErrDeviceError     = errors.New("status: device error")
	ErrNotFound        = errors.New("status: not found")
	ErrNoSpace         = errors.New("status: no space")
	ErrInvalidArgument = errors.New("status: invalid argument")
	ErrIntegrityError  = errors.New("status: integrity error")
	ErrContextFault    = errors.New("status: context fault")
)

// Of maps an error returned by a component (internal/fs, internal/ctxmgr)
// to its ABI status byte. A nil error maps to OK. An error that does not
// wrap one of the sentinels above is treated as a DeviceError, the most
// conservative kind: it's what an unrecognized flash/device failure
// should surface as.
func Of(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrNoSpace):
		return NoSpace
	case errors.Is(err, ErrInvalidArgument):
		return InvalidArgument
	case errors.Is(err, ErrIntegrityError):
		return IntegrityError
	case errors.Is(err, ErrContextFault):
		return ContextFault
	default:
		return DeviceError
	}
}
