package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSPMRoundTrip(t *testing.T) {
	p := &Packet{
		Header: Header{SourcePort: 1000, DestPort: 2000, Type: TypeSPM, GSI: GSI{1, 2, 3, 4, 5, 6}},
		SPM: &SPMBody{
			SPMSequence: 7,
			Trail:       90,
			Lead:        103,
			NLA:         NLAFromIP(net.ParseIP("192.0.2.1")),
		},
	}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, p.Header.SourcePort, got.Header.SourcePort)
	require.Equal(t, p.Header.Type, got.Header.Type)
	require.NotNil(t, got.SPM)
	require.Equal(t, p.SPM.SPMSequence, got.SPM.SPMSequence)
	require.Equal(t, p.SPM.Trail, got.SPM.Trail)
	require.Equal(t, p.SPM.Lead, got.SPM.Lead)
	require.True(t, p.SPM.NLA.Equal(got.SPM.NLA))
}

func TestODATARoundTripWithFragment(t *testing.T) {
	p := &Packet{
		Header: Header{Type: TypeODATA, GSI: GSI{9, 9, 9, 9, 9, 9}},
		Data:   &DataBody{DataSequence: 200, DataTrail: 190},
		Options: Options{
			Fragment: &OptFragment{FirstSqn: 200, FragOffset: 0, ApduLength: 3000},
		},
		Payload: []byte("hello, pgm world"),
	}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, got.Data)
	require.Equal(t, SequenceNumber(200), got.Data.DataSequence)
	require.NotNil(t, got.Options.Fragment)
	require.Equal(t, uint32(3000), got.Options.Fragment.ApduLength)
	require.Equal(t, p.Payload, got.Payload)
}

func TestNAKRoundTripWithNakList(t *testing.T) {
	p := &Packet{
		Header: Header{Type: TypeNAK},
		Nak: &NakBody{
			NakSequence: 101,
			SourceNLA:   NLAFromIP(net.ParseIP("203.0.113.5")),
			GroupNLA:    NLAFromIP(net.ParseIP("239.1.1.1")),
		},
		Options: Options{NakList: []SequenceNumber{102, 103}},
	}
	buf, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, SequenceNumber(101), got.Nak.NakSequence)
	require.Equal(t, []SequenceNumber{102, 103}, got.Options.NakList)
	require.True(t, p.Nak.SourceNLA.Equal(got.Nak.SourceNLA))
	require.True(t, p.Nak.GroupNLA.Equal(got.Nak.GroupNLA))
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	p := &Packet{Header: Header{Type: TypeODATA}, Data: &DataBody{DataSequence: 1}}
	buf, err := p.Encode()
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsTsduLengthMismatch(t *testing.T) {
	p := &Packet{Header: Header{Type: TypeODATA}, Data: &DataBody{DataSequence: 1}, Payload: []byte("abc")}
	buf, err := p.Encode()
	require.NoError(t, err)
	// Lie about tsdu-length without touching payload framing, then patch checksum.
	buf[14] = 0
	buf[15] = 99
	binaryPutChecksum(buf)

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func binaryPutChecksum(buf []byte) {
	buf[6], buf[7] = 0, 0
	c := Checksum(buf, 6)
	buf[6] = byte(c >> 8)
	buf[7] = byte(c)
}
