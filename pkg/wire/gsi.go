package wire

import "github.com/rs/xid"

// GSI is the 6-byte Global Source Identifier, unique per active sender.
type GSI [6]byte

// TSI is the Transport Session Identifier: a GSI plus the sender's source
// port. Equality and hashing are byte-wise, so TSI is safe to use directly
// as a map key.
type TSI struct {
	GSI        GSI
	SourcePort uint16
}

func (t TSI) String() string {
	g := t.GSI
	return string([]byte{
		hex(g[0] >> 4), hex(g[0]), hex(g[1] >> 4), hex(g[1]),
		hex(g[2] >> 4), hex(g[2]), hex(g[3] >> 4), hex(g[3]),
		hex(g[4] >> 4), hex(g[4]), hex(g[5] >> 4), hex(g[5]),
	}) + "." + itoa(t.SourcePort)
}

func hex(b byte) byte {
	b &= 0xF
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// NewGSI mints a fresh Global Source Identifier. It folds a 12-byte xid
// (globally unique, monotonic-ish, generated from machine ID + pid + a
// counter) down to the 6 bytes PGM carries on the wire, so every process
// restart is guaranteed a new source identity without any per-host state —
// spec's Non-goal "no reliability across source restarts" implies a source
// never needs to remember its previous GSI.
func NewGSI() GSI {
	id := xid.New().Bytes() // 12 bytes: 4 timestamp + 5 machine/pid + 3 counter
	var g GSI
	for i := range g {
		g[i] = id[i] ^ id[i+6]
	}
	return g
}
