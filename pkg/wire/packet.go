// Package wire implements the PGM (RFC 3208) wire format: the fixed
// packet header, the per-type bodies (SPM, ODATA/RDATA, NAK/NCF/N-NAK,
// SPMR, POLL/POLR), the TLV option chain, the Internet checksum, and the
// small value types (TSI, GSI, NLA, SequenceNumber, SKB) the rest of the
// engine is built on.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet type codes, RFC 3208 §8.
const (
	TypeSPM   byte = 0x00
	TypePOLL  byte = 0x01
	TypePOLR  byte = 0x02
	TypeODATA byte = 0x04
	TypeRDATA byte = 0x05
	TypeNAK   byte = 0x08
	TypeNNAK  byte = 0x09
	TypeNCF   byte = 0x0A
	TypeSPMR  byte = 0x40
)

// Options bitmap bits, carried in the fixed header's pgm_options byte.
const (
	OptionsPresent            byte = 0x01
	OptionsNetworkSignificant byte = 0x02
	OptionsParity             byte = 0x80
)

// HeaderLen is the fixed PGM header size: sport,dport,type,options,
// checksum,gsi[6],tsdu-length.
const HeaderLen = 16

// Header is the fixed 16-byte PGM header common to every packet type.
type Header struct {
	SourcePort uint16
	DestPort   uint16
	Type       byte
	Options    byte
	Checksum   uint16
	GSI        GSI
	TSDULength uint16
}

func (h Header) put(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.SourcePort)
	binary.BigEndian.PutUint16(buf[2:4], h.DestPort)
	buf[4] = h.Type
	buf[5] = h.Options
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	copy(buf[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(buf[14:16], h.TSDULength)
}

func parseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: packet of %d bytes shorter than header", ErrMalformed, len(buf))
	}
	var h Header
	h.SourcePort = binary.BigEndian.Uint16(buf[0:2])
	h.DestPort = binary.BigEndian.Uint16(buf[2:4])
	h.Type = buf[4]
	h.Options = buf[5]
	h.Checksum = binary.BigEndian.Uint16(buf[6:8])
	copy(h.GSI[:], buf[8:14])
	h.TSDULength = binary.BigEndian.Uint16(buf[14:16])
	return h, nil
}

// SPMBody is the type-specific header of an SPM packet.
type SPMBody struct {
	SPMSequence SequenceNumber
	Trail       SequenceNumber
	Lead        SequenceNumber
	NLA         NLA
}

// DataBody is the type-specific header shared by ODATA and RDATA.
type DataBody struct {
	DataSequence SequenceNumber
	DataTrail    SequenceNumber
}

// NakBody is the type-specific header shared by NAK, N-NAK and NCF.
type NakBody struct {
	NakSequence SequenceNumber
	SourceNLA   NLA
	GroupNLA    NLA
}

// Packet is a fully decoded (or pre-encode) PGM datagram.
type Packet struct {
	Header  Header
	SPM     *SPMBody
	Data    *DataBody
	Nak     *NakBody
	Options Options
	Payload []byte
}

// Encode serializes p into a complete, checksummed wire packet.
func (p *Packet) Encode() ([]byte, error) {
	typeHeader, err := p.encodeTypeHeader()
	if err != nil {
		return nil, err
	}
	optBuf, err := p.Options.encode()
	if err != nil {
		return nil, err
	}
	if len(optBuf) > 0 {
		p.Header.Options |= OptionsPresent
	} else {
		p.Header.Options &^= OptionsPresent
	}
	p.Header.TSDULength = uint16(len(p.Payload))

	total := HeaderLen + len(typeHeader) + len(optBuf) + len(p.Payload)
	buf := make([]byte, total)
	p.Header.put(buf[0:HeaderLen])
	off := HeaderLen
	copy(buf[off:], typeHeader)
	off += len(typeHeader)
	copy(buf[off:], optBuf)
	off += len(optBuf)
	copy(buf[off:], p.Payload)

	cksum := Checksum(buf, 6)
	binary.BigEndian.PutUint16(buf[6:8], cksum)
	return buf, nil
}

// EncodeWithCachedPayloadSum serializes p like Encode, but folds in a
// precomputed unfolded checksum over the payload instead of re-summing
// it, so a retransmission only pays for the header and option bytes.
// payloadSum must have been computed over exactly p.Payload.
func (p *Packet) EncodeWithCachedPayloadSum(payloadSum UnfoldedSum) ([]byte, error) {
	typeHeader, err := p.encodeTypeHeader()
	if err != nil {
		return nil, err
	}
	optBuf, err := p.Options.encode()
	if err != nil {
		return nil, err
	}
	if len(optBuf) > 0 {
		p.Header.Options |= OptionsPresent
	} else {
		p.Header.Options &^= OptionsPresent
	}
	p.Header.TSDULength = uint16(len(p.Payload))

	total := HeaderLen + len(typeHeader) + len(optBuf) + len(p.Payload)
	buf := make([]byte, total)
	p.Header.put(buf[0:HeaderLen])
	off := HeaderLen
	copy(buf[off:], typeHeader)
	off += len(typeHeader)
	copy(buf[off:], optBuf)
	off += len(optBuf)
	copy(buf[off:], p.Payload)

	headerEnd := HeaderLen + len(typeHeader) + len(optBuf)
	headerSum := ChecksumPartial(buf[:6], 0)
	headerSum = ChecksumPartial(buf[8:headerEnd], headerSum)
	cksum := UnfoldedSum(uint32(headerSum) + uint32(payloadSum)).Fold()
	binary.BigEndian.PutUint16(buf[6:8], cksum)
	return buf, nil
}

func (p *Packet) encodeTypeHeader() ([]byte, error) {
	switch p.Header.Type {
	case TypeSPM, TypePOLR:
		if p.SPM == nil {
			return nil, fmt.Errorf("%w: SPM body required for type 0x%02x", ErrInvalidArgument, p.Header.Type)
		}
		buf := make([]byte, 12+2+2+p.SPM.NLA.Len())
		binary.BigEndian.PutUint32(buf[0:4], uint32(p.SPM.SPMSequence))
		binary.BigEndian.PutUint32(buf[4:8], uint32(p.SPM.Trail))
		binary.BigEndian.PutUint32(buf[8:12], uint32(p.SPM.Lead))
		binary.BigEndian.PutUint16(buf[12:14], uint16(p.SPM.NLA.AFI))
		copy(buf[16:], p.SPM.NLA.IP)
		return buf, nil
	case TypeODATA, TypeRDATA:
		if p.Data == nil {
			return nil, fmt.Errorf("%w: data body required for type 0x%02x", ErrInvalidArgument, p.Header.Type)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], uint32(p.Data.DataSequence))
		binary.BigEndian.PutUint32(buf[4:8], uint32(p.Data.DataTrail))
		return buf, nil
	case TypeNAK, TypeNNAK, TypeNCF:
		if p.Nak == nil {
			return nil, fmt.Errorf("%w: nak body required for type 0x%02x", ErrInvalidArgument, p.Header.Type)
		}
		buf := make([]byte, 4+4+p.Nak.SourceNLA.Len()+4+p.Nak.GroupNLA.Len())
		binary.BigEndian.PutUint32(buf[0:4], uint32(p.Nak.NakSequence))
		binary.BigEndian.PutUint16(buf[4:6], uint16(p.Nak.SourceNLA.AFI))
		off := 8
		copy(buf[off:], p.Nak.SourceNLA.IP)
		off += p.Nak.SourceNLA.Len()
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(p.Nak.GroupNLA.AFI))
		off += 4
		copy(buf[off:], p.Nak.GroupNLA.IP)
		return buf, nil
	case TypePOLL, TypeSPMR:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", ErrInvalidArgument, p.Header.Type)
	}
}

// Decode parses buf into a Packet, validating framing, the option chain and
// the Internet checksum.
func Decode(buf []byte) (*Packet, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, err
	}
	if !VerifyChecksum(buf, 6) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}

	p := &Packet{Header: h}
	off := HeaderLen

	switch h.Type {
	case TypeSPM, TypePOLR:
		if len(buf) < off+16 {
			return nil, fmt.Errorf("%w: truncated SPM header", ErrMalformed)
		}
		spm := &SPMBody{
			SPMSequence: SequenceNumber(binary.BigEndian.Uint32(buf[off : off+4])),
			Trail:       SequenceNumber(binary.BigEndian.Uint32(buf[off+4 : off+8])),
			Lead:        SequenceNumber(binary.BigEndian.Uint32(buf[off+8 : off+12])),
		}
		afi := AFI(binary.BigEndian.Uint16(buf[off+12 : off+14]))
		off += 16
		ip, n, err := readNLABody(buf[off:], afi)
		if err != nil {
			return nil, err
		}
		spm.NLA = NLA{AFI: afi, IP: ip}
		off += n
		p.SPM = spm

	case TypeODATA, TypeRDATA:
		if len(buf) < off+8 {
			return nil, fmt.Errorf("%w: truncated data header", ErrMalformed)
		}
		p.Data = &DataBody{
			DataSequence: SequenceNumber(binary.BigEndian.Uint32(buf[off : off+4])),
			DataTrail:    SequenceNumber(binary.BigEndian.Uint32(buf[off+4 : off+8])),
		}
		off += 8

	case TypeNAK, TypeNNAK, TypeNCF:
		if len(buf) < off+8 {
			return nil, fmt.Errorf("%w: truncated nak header", ErrMalformed)
		}
		nak := &NakBody{
			NakSequence: SequenceNumber(binary.BigEndian.Uint32(buf[off : off+4])),
		}
		srcAFI := AFI(binary.BigEndian.Uint16(buf[off+4 : off+6]))
		off += 8
		srcIP, n, err := readNLABody(buf[off:], srcAFI)
		if err != nil {
			return nil, err
		}
		nak.SourceNLA = NLA{AFI: srcAFI, IP: srcIP}
		off += n

		if len(buf) < off+4 {
			return nil, fmt.Errorf("%w: truncated nak group nla", ErrMalformed)
		}
		grpAFI := AFI(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 4
		grpIP, n, err := readNLABody(buf[off:], grpAFI)
		if err != nil {
			return nil, err
		}
		nak.GroupNLA = NLA{AFI: grpAFI, IP: grpIP}
		off += n
		p.Nak = nak

	case TypePOLL, TypeSPMR:
		// no type-specific header

	default:
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", ErrMalformed, h.Type)
	}

	remaining := buf[off:]
	tsduLen := int(h.TSDULength)

	if h.Options&OptionsPresent != 0 {
		opts, consumed, err := parseOptions(remaining)
		if err != nil {
			return nil, err
		}
		p.Options = opts
		remaining = remaining[consumed:]
	}

	if len(remaining) != tsduLen {
		return nil, fmt.Errorf("%w: tsdu-length %d disagrees with framing (%d bytes remain)", ErrMalformed, tsduLen, len(remaining))
	}
	p.Payload = remaining
	return p, nil
}

func readNLABody(buf []byte, afi AFI) ([]byte, int, error) {
	var n int
	switch afi {
	case AFIIPv4:
		n = 4
	case AFIIPv6:
		n = 16
	default:
		return nil, 0, fmt.Errorf("%w: unsupported AFI %d", ErrMalformed, afi)
	}
	if len(buf) < n {
		return nil, 0, fmt.Errorf("%w: truncated NLA", ErrMalformed)
	}
	ip := make([]byte, n)
	copy(ip, buf[:n])
	return ip, n, nil
}
