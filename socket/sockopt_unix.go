//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly
// +build linux freebsd openbsd darwin netbsd dragonfly

package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// withFd runs fn against conn's raw file descriptor, the same
// SyscallConn-then-Control pattern the corpus uses to reach ioctl/setsockopt
// calls golang.org/x/sys/unix exposes but net does not wrap directly.
func withFd(conn *net.UDPConn, fn func(fd int) error) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var callErr error
	err = raw.Control(func(fd uintptr) {
		callErr = fn(int(fd))
	})
	if err != nil {
		return err
	}
	return callErr
}

func joinMulticastGroup(conn *net.UDPConn, group net.IP, iface *net.Interface) error {
	if v4 := group.To4(); v4 != nil {
		mreq := &unix.IPMreq{Multiaddr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}
		if iface != nil {
			if addr := interfaceIPv4(iface); addr != nil {
				mreq.Interface = [4]byte{addr[0], addr[1], addr[2], addr[3]}
			}
		}
		return withFd(conn, func(fd int) error {
			return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
		})
	}
	v6 := group.To16()
	if v6 == nil {
		return fmt.Errorf("invalid multicast group address %s", group)
	}
	ifIndex := 0
	if iface != nil {
		ifIndex = iface.Index
	}
	mreq := &unix.IPv6Mreq{Interface: uint32(ifIndex)}
	copy(mreq.Multiaddr[:], v6)
	return withFd(conn, func(fd int) error {
		return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	})
}

func leaveMulticastGroup(conn *net.UDPConn, group net.IP, iface *net.Interface) error {
	if v4 := group.To4(); v4 != nil {
		mreq := &unix.IPMreq{Multiaddr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}
		if iface != nil {
			if addr := interfaceIPv4(iface); addr != nil {
				mreq.Interface = [4]byte{addr[0], addr[1], addr[2], addr[3]}
			}
		}
		return withFd(conn, func(fd int) error {
			return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
		})
	}
	v6 := group.To16()
	if v6 == nil {
		return fmt.Errorf("invalid multicast group address %s", group)
	}
	ifIndex := 0
	if iface != nil {
		ifIndex = iface.Index
	}
	mreq := &unix.IPv6Mreq{Interface: uint32(ifIndex)}
	copy(mreq.Multiaddr[:], v6)
	return withFd(conn, func(fd int) error {
		return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_LEAVE_GROUP, mreq)
	})
}

func interfaceIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

func setMulticastLoop(conn *net.UDPConn, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return withFd(conn, func(fd int) error {
		return unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, byte(v))
	})
}

func setMulticastHops(conn *net.UDPConn, hops int) error {
	return withFd(conn, func(fd int) error {
		return unix.SetsockoptByte(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, byte(hops))
	})
}

func setTOS(conn *net.UDPConn, tos int) error {
	return withFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
}

// applyMulticastSockopts pushes the current runtimeOptions (defaults plus
// any SetOption made before Bind) onto the now-bound fd, since SetOption
// before Bind only updates runtimeOptions.
func applyMulticastSockopts(conn *net.UDPConn, opts runtimeOptions) error {
	if err := setMulticastLoop(conn, opts.multicastLoop); err != nil {
		return fmt.Errorf("%w: %v", ErrSystem, err)
	}
	if err := setMulticastHops(conn, opts.multicastHops); err != nil {
		return fmt.Errorf("%w: %v", ErrSystem, err)
	}
	if opts.tos != 0 {
		if err := setTOS(conn, opts.tos); err != nil {
			return fmt.Errorf("%w: %v", ErrSystem, err)
		}
	}
	if err := withFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.sndBuf)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrSystem, err)
	}
	if err := withFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.rcvBuf)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrSystem, err)
	}
	return nil
}
