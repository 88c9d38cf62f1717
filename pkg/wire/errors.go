package wire

import "errors"

// ErrMalformed is returned when an inbound packet fails a wire-format
// check: truncated framing, a tsdu-length that disagrees with the actual
// payload, a broken option chain, or a bad checksum. Malformed packets are
// dropped and counted by the caller; they are never surfaced further.
var ErrMalformed = errors.New("pgm: malformed packet")

// ErrInvalidArgument is returned when the caller asks the codec to build a
// packet with a nonsensical shape (e.g. missing the body for the chosen
// type, or handing OptNakList more than 62 sequences).
var ErrInvalidArgument = errors.New("pgm: invalid argument")
