package wire

import (
	"encoding/binary"
	"fmt"
)

// Option type codes (RFC 3208 §9.3.2). The high bit of the on-wire type
// byte is not part of the type; it is OR'd in to flag the final entry of
// the chain (optEnd).
const (
	optTypeLength    byte = 0x00
	optTypeFragment  byte = 0x01
	optTypeNakList   byte = 0x02
	optTypeParityPRM byte = 0x08
	optTypeSyn       byte = 0x0D
	optTypeFin       byte = 0x0E
	optTypeRst       byte = 0x0F
	optTypeVarPktlen byte = 0x10

	optEnd byte = 0x80

	// maxOptionEntries bounds the chain at 16 entries including OPT_LENGTH,
	// per spec.md §4.1's parsing rules.
	maxOptionEntries = 16
	// maxNakListEntries is the most sequences OPT_NAK_LIST may batch,
	// matching the 63-sequence ceiling on a single NAK (primary + list).
	maxNakListEntries = 62
)

// OptFragment is OPT_FRAGMENT: identifies one fragment of a multi-packet
// APDU.
type OptFragment struct {
	FirstSqn   SequenceNumber
	FragOffset uint32
	ApduLength uint32
}

// OptParityPRM is OPT_PARITY_PRM, carried on SPMs when FEC is enabled.
type OptParityPRM struct {
	TGS        uint32
	OnDemand   bool
	Proactive  bool
}

// Options is the decoded TLV option chain of a single packet.
type Options struct {
	Present      bool
	Fragment     *OptFragment
	NakList      []SequenceNumber
	ParityPRM    *OptParityPRM
	Fin          bool
	Syn          bool
	Rst          bool
	VarPktlen    bool
}

func (o Options) empty() bool {
	return !o.Present && o.Fragment == nil && len(o.NakList) == 0 && o.ParityPRM == nil &&
		!o.Fin && !o.Syn && !o.Rst && !o.VarPktlen
}

// entries returns the option bodies to emit, in a stable order, not
// counting OPT_LENGTH itself.
func (o Options) entries() ([]struct {
	typ  byte
	body []byte
}, error) {
	var out []struct {
		typ  byte
		body []byte
	}
	if o.Fragment != nil {
		body := make([]byte, 12)
		binary.BigEndian.PutUint32(body[0:4], uint32(o.Fragment.FirstSqn))
		binary.BigEndian.PutUint32(body[4:8], o.Fragment.FragOffset)
		binary.BigEndian.PutUint32(body[8:12], o.Fragment.ApduLength)
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeFragment, body})
	}
	if len(o.NakList) > 0 {
		if len(o.NakList) > maxNakListEntries {
			return nil, fmt.Errorf("%w: OPT_NAK_LIST carries %d sequences, max %d", ErrInvalidArgument, len(o.NakList), maxNakListEntries)
		}
		body := make([]byte, 1+4*len(o.NakList))
		for i, sqn := range o.NakList {
			binary.BigEndian.PutUint32(body[1+4*i:5+4*i], uint32(sqn))
		}
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeNakList, body})
	}
	if o.ParityPRM != nil {
		body := make([]byte, 5)
		flags := byte(0)
		if o.ParityPRM.OnDemand {
			flags |= 0x01
		}
		if o.ParityPRM.Proactive {
			flags |= 0x02
		}
		body[0] = flags
		binary.BigEndian.PutUint32(body[1:5], o.ParityPRM.TGS)
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeParityPRM, body})
	}
	if o.Syn {
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeSyn, nil})
	}
	if o.Fin {
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeFin, nil})
	}
	if o.Rst {
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeRst, nil})
	}
	if o.VarPktlen {
		out = append(out, struct {
			typ  byte
			body []byte
		}{optTypeVarPktlen, nil})
	}
	return out, nil
}

// encode serializes the option chain, returning nil if there are no
// options to carry. The chain always opens with OPT_LENGTH when non-empty.
func (o Options) encode() ([]byte, error) {
	if o.empty() {
		return nil, nil
	}
	ents, err := o.entries()
	if err != nil {
		return nil, err
	}
	if len(ents)+1 > maxOptionEntries {
		return nil, fmt.Errorf("%w: %d options exceed chain limit of %d entries", ErrInvalidArgument, len(ents)+1, maxOptionEntries)
	}

	total := 4 // OPT_LENGTH entry itself
	for _, e := range ents {
		total += 2 + len(e.body)
	}

	buf := make([]byte, total)
	buf[0] = optTypeLength
	buf[1] = 4
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))

	off := 4
	for i, e := range ents {
		typ := e.typ
		if i == len(ents)-1 {
			typ |= optEnd
		}
		buf[off] = typ
		buf[off+1] = byte(2 + len(e.body))
		copy(buf[off+2:], e.body)
		off += 2 + len(e.body)
	}
	return buf, nil
}

// parseOptions reads a TLV option chain from the front of buf, returning
// the decoded Options and the number of bytes consumed.
func parseOptions(buf []byte) (Options, int, error) {
	if len(buf) < 4 {
		return Options{}, 0, fmt.Errorf("%w: option chain shorter than OPT_LENGTH entry", ErrMalformed)
	}
	if buf[0]&^optEnd != optTypeLength {
		return Options{}, 0, fmt.Errorf("%w: option chain missing mandatory leading OPT_LENGTH", ErrMalformed)
	}
	if buf[1] != 4 {
		return Options{}, 0, fmt.Errorf("%w: malformed OPT_LENGTH entry", ErrMalformed)
	}
	totalLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if totalLen < 4 || totalLen > len(buf) {
		return Options{}, 0, fmt.Errorf("%w: option chain length %d exceeds packet", ErrMalformed, totalLen)
	}

	var opts Options
	opts.Present = true
	off := 4
	count := 1
	for off < totalLen {
		count++
		if count > maxOptionEntries {
			return Options{}, 0, fmt.Errorf("%w: option chain exceeds %d entries", ErrMalformed, maxOptionEntries)
		}
		if off+2 > totalLen {
			return Options{}, 0, fmt.Errorf("%w: truncated option entry", ErrMalformed)
		}
		typByte := buf[off]
		entryLen := int(buf[off+1])
		isEnd := typByte&optEnd != 0
		typ := typByte &^ optEnd
		if entryLen < 2 || off+entryLen > totalLen {
			return Options{}, 0, fmt.Errorf("%w: option entry length %d out of bounds", ErrMalformed, entryLen)
		}
		body := buf[off+2 : off+entryLen]

		switch typ {
		case optTypeFragment:
			if len(body) < 12 {
				return Options{}, 0, fmt.Errorf("%w: truncated OPT_FRAGMENT", ErrMalformed)
			}
			opts.Fragment = &OptFragment{
				FirstSqn:   SequenceNumber(binary.BigEndian.Uint32(body[0:4])),
				FragOffset: binary.BigEndian.Uint32(body[4:8]),
				ApduLength: binary.BigEndian.Uint32(body[8:12]),
			}
		case optTypeNakList:
			if len(body) < 1 || (len(body)-1)%4 != 0 {
				return Options{}, 0, fmt.Errorf("%w: malformed OPT_NAK_LIST", ErrMalformed)
			}
			n := (len(body) - 1) / 4
			if n > maxNakListEntries {
				return Options{}, 0, fmt.Errorf("%w: OPT_NAK_LIST carries %d sequences, max %d", ErrMalformed, n, maxNakListEntries)
			}
			list := make([]SequenceNumber, n)
			for i := 0; i < n; i++ {
				list[i] = SequenceNumber(binary.BigEndian.Uint32(body[1+4*i : 5+4*i]))
			}
			opts.NakList = list
		case optTypeParityPRM:
			if len(body) < 5 {
				return Options{}, 0, fmt.Errorf("%w: truncated OPT_PARITY_PRM", ErrMalformed)
			}
			opts.ParityPRM = &OptParityPRM{
				OnDemand:  body[0]&0x01 != 0,
				Proactive: body[0]&0x02 != 0,
				TGS:       binary.BigEndian.Uint32(body[1:5]),
			}
		case optTypeSyn:
			opts.Syn = true
		case optTypeFin:
			opts.Fin = true
		case optTypeRst:
			opts.Rst = true
		case optTypeVarPktlen:
			opts.VarPktlen = true
		default:
			// unrecognized option type: skip its body, per TLV convention.
		}

		off += entryLen
		if isEnd {
			break
		}
	}
	return opts, totalLen, nil
}
