//go:build linux
// +build linux

package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// originalDst reads the pre-NAT destination of a redirected connection
// via SO_ORIGINAL_DST. The IPv6Mreq getsockopt carries a raw
// sockaddr_in: family(2), port(2, network order), address(4).
func originalDst(conn *net.TCPConn) (*net.TCPAddr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var mreq *unix.IPv6Mreq
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	})
	if err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, fmt.Errorf("SO_ORIGINAL_DST failed: %w", sockErr)
	}

	b := mreq.Multiaddr
	return &net.TCPAddr{
		IP:   net.IPv4(b[4], b[5], b[6], b[7]),
		Port: int(b[2])<<8 | int(b[3]),
	}, nil
}
