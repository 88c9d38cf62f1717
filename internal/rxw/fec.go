package rxw

import (
	"fmt"

	"github.com/pgm-go/pgm/pkg/wire"
)

// fecGroup tracks one transmission group's reconstruction state: which
// original sequences are missing and which parity packets have arrived to
// cover them, per spec.md §4.3's Reed-Solomon sketch (XOR parity is the
// degenerate single-erasure case, which is all a group needs when at most
// one original packet is lost).
type fecGroup struct {
	tgSqn      wire.SequenceNumber // first sequence of the transmission group
	groupSize  uint32
	originals  map[wire.SequenceNumber][]byte
	parity     map[wire.SequenceNumber][]byte
}

// ErrFECUnrecoverable is returned when a group cannot be repaired by XOR
// parity: more than one original is missing, or no parity packet arrived.
var ErrFECUnrecoverable = fmt.Errorf("%w: fec group has more losses than available parity", wire.ErrMalformed)

func newFECGroup(tgSqn wire.SequenceNumber, groupSize uint32) *fecGroup {
	return &fecGroup{
		tgSqn:     tgSqn,
		groupSize: groupSize,
		originals: make(map[wire.SequenceNumber][]byte),
		parity:    make(map[wire.SequenceNumber][]byte),
	}
}

func (g *fecGroup) addOriginal(seq wire.SequenceNumber, payload []byte) {
	g.originals[seq] = payload
}

func (g *fecGroup) addParity(seq wire.SequenceNumber, payload []byte) {
	g.parity[seq] = payload
}

func (g *fecGroup) missing() []wire.SequenceNumber {
	var out []wire.SequenceNumber
	for i := uint32(0); i < g.groupSize; i++ {
		seq := g.tgSqn + wire.SequenceNumber(i)
		if _, ok := g.originals[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}

// reconstruct recovers a single missing original by XOR-ing every other
// original in the group against one parity packet. It only handles the
// single-erasure case; two or more simultaneous losses need a second
// independent parity packet this sketch does not model.
func (g *fecGroup) reconstruct() (map[wire.SequenceNumber][]byte, error) {
	missing := g.missing()
	if len(missing) == 0 {
		return nil, nil
	}
	if len(missing) > 1 || len(g.parity) == 0 {
		return nil, ErrFECUnrecoverable
	}

	recovered := make(map[wire.SequenceNumber][]byte)
	for _, seq := range missing {
		var parityPayload []byte
		for _, p := range g.parity {
			parityPayload = p
			break
		}
		if parityPayload == nil {
			return nil, ErrFECUnrecoverable
		}
		buf := make([]byte, len(parityPayload))
		copy(buf, parityPayload)
		for s, payload := range g.originals {
			if s == seq {
				continue
			}
			xorInto(buf, payload)
		}
		recovered[seq] = buf
	}
	return recovered, nil
}

func xorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}
