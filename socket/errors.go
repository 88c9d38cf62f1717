// Package socket is the public PGM socket facade: lifecycle
// (socket/bind/connect/send/recv/close), the full option plane, and the
// error taxonomy every entry point returns through.
package socket

import "errors"

// Error taxonomy, spec.md §7 — one sentinel per condition, never a
// formatted string, so callers can switch on errors.Is.
var (
	ErrWouldBlock     = errors.New("pgm: would block")
	ErrRateLimited    = errors.New("pgm: rate limited")
	ErrBadDescriptor  = errors.New("pgm: bad descriptor")
	ErrInvalidArgument = errors.New("pgm: invalid argument")
	ErrMalformed      = errors.New("pgm: malformed packet")
	ErrDuplicate      = errors.New("pgm: duplicate sequence")
	ErrBounds         = errors.New("pgm: sequence out of window bounds")
	ErrNotUnique      = errors.New("pgm: ambiguous bind resolution")
	ErrSystem         = errors.New("pgm: system call failed")
	ErrReset          = errors.New("pgm: source reset")
)
