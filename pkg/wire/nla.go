package wire

import (
	"fmt"
	"net"
)

// AFI identifies the address family of an on-wire NLA.
type AFI uint16

const (
	AFIIPv4 AFI = 1
	AFIIPv6 AFI = 2
)

// NLA is a Network Layer Address as carried in SPM/NAK/NCF bodies: an AFI
// tag followed by the address itself, network byte order on the wire.
type NLA struct {
	AFI AFI
	IP  net.IP
}

// NLAFromIP builds an NLA from a standard net.IP, picking the AFI from
// whether the address has a 4-byte form.
func NLAFromIP(ip net.IP) NLA {
	if v4 := ip.To4(); v4 != nil {
		return NLA{AFI: AFIIPv4, IP: v4}
	}
	return NLA{AFI: AFIIPv6, IP: ip.To16()}
}

// Len returns the on-wire size of the address body (excludes the AFI and
// reserved fields, which the caller writes separately).
func (n NLA) Len() int {
	switch n.AFI {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 16
	default:
		return 0
	}
}

func (n NLA) String() string {
	if n.IP == nil {
		return fmt.Sprintf("afi=%d <nil>", n.AFI)
	}
	return n.IP.String()
}

// Equal compares two NLAs by address family and byte content.
func (n NLA) Equal(o NLA) bool {
	return n.AFI == o.AFI && n.IP.Equal(o.IP)
}
