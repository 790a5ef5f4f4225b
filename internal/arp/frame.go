// Package arp implements gateway impersonation: it advertises this
// host's MAC for the gateway's IP to monitored devices (and the
// reverse toward the gateway) so their traffic transits the
// interceptor, and restores the true mappings on shutdown.
package arp

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	etherTypeARP = 0x0806

	opRequest = 1
	opReply   = 2

	frameLen = 14 + 28 // Ethernet header + ARP payload
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Frame is one Ethernet-encapsulated ARP message.
type Frame struct {
	Op        uint16
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
	TargetMAC net.HardwareAddr
	TargetIP  net.IP

	// EthDst overrides the Ethernet destination; nil means TargetMAC
	// for replies and broadcast for requests.
	EthDst net.HardwareAddr
}

// Marshal serializes the frame into wire format.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, frameLen)

	dst := f.EthDst
	if dst == nil {
		if f.Op == opReply {
			dst = f.TargetMAC
		} else {
			dst = broadcastMAC
		}
	}

	copy(buf[0:6], dst)
	copy(buf[6:12], f.SenderMAC)
	binary.BigEndian.PutUint16(buf[12:14], etherTypeARP)

	p := buf[14:]
	binary.BigEndian.PutUint16(p[0:2], 1)      // hardware type: Ethernet
	binary.BigEndian.PutUint16(p[2:4], 0x0800) // protocol type: IPv4
	p[4] = 6                                   // hardware size
	p[5] = 4                                   // protocol size
	binary.BigEndian.PutUint16(p[6:8], f.Op)
	copy(p[8:14], f.SenderMAC)
	copy(p[14:18], f.SenderIP.To4())
	copy(p[18:24], f.TargetMAC)
	copy(p[24:28], f.TargetIP.To4())

	return buf
}

// Parse decodes an Ethernet frame carrying ARP. Non-ARP frames return
// an error.
func Parse(raw []byte) (*Frame, error) {
	if len(raw) < frameLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(raw))
	}
	if binary.BigEndian.Uint16(raw[12:14]) != etherTypeARP {
		return nil, fmt.Errorf("not an ARP frame")
	}

	p := raw[14:]
	if binary.BigEndian.Uint16(p[0:2]) != 1 || binary.BigEndian.Uint16(p[2:4]) != 0x0800 {
		return nil, fmt.Errorf("not Ethernet/IPv4 ARP")
	}

	f := &Frame{
		Op:        binary.BigEndian.Uint16(p[6:8]),
		SenderMAC: append(net.HardwareAddr{}, p[8:14]...),
		SenderIP:  append(net.IP{}, p[14:18]...),
		TargetMAC: append(net.HardwareAddr{}, p[18:24]...),
		TargetIP:  append(net.IP{}, p[24:28]...),
	}
	return f, nil
}

// reply builds a directed ARP reply telling dst that senderIP lives at
// senderMAC.
func reply(senderMAC net.HardwareAddr, senderIP net.IP, dstMAC net.HardwareAddr, dstIP net.IP) *Frame {
	return &Frame{
		Op:        opReply,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetMAC: dstMAC,
		TargetIP:  dstIP,
	}
}

// request builds a broadcast who-has request for targetIP.
func request(selfMAC net.HardwareAddr, selfIP, targetIP net.IP) *Frame {
	return &Frame{
		Op:        opRequest,
		SenderMAC: selfMAC,
		SenderIP:  selfIP,
		TargetMAC: net.HardwareAddr{0, 0, 0, 0, 0, 0},
		TargetIP:  targetIP,
	}
}
