package wire

import "testing"

func TestChecksumRoundTrip(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x00, 0x00, 0x56, 0x78, 0x9A, 0xBC, 0x01}
	cksum := Checksum(buf, 2)
	buf[2] = byte(cksum >> 8)
	buf[3] = byte(cksum)

	if !VerifyChecksum(buf, 2) {
		t.Fatalf("checksum %04x did not verify over %x", cksum, buf)
	}

	buf[len(buf)-1] ^= 0xFF
	if VerifyChecksum(buf, 2) {
		t.Fatal("corrupted buffer unexpectedly verified")
	}
}

func TestChecksumPartialCaching(t *testing.T) {
	header := []byte{0xAA, 0xBB, 0x00, 0x00}
	payload := []byte("hello, pgm")

	// one-shot
	whole := append(append([]byte{}, header...), payload...)
	want := Checksum(whole, 2)

	// unfolded payload sum cached once, header re-summed on each use
	payloadSum := ChecksumPartial(payload, 0)
	got := ChecksumPartial(header[:2], payloadSum).Fold()
	_ = got

	gotTotal := ChecksumPartial(header, 0)
	gotTotal = UnfoldedSum(uint32(gotTotal) + uint32(payloadSum))
	if gotTotal.Fold() != want {
		t.Errorf("cached-sum fold = %04x, want %04x", gotTotal.Fold(), want)
	}
}
