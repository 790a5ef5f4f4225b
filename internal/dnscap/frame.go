// Package dnscap observes DNS traffic from monitored devices and
// answers queries for blocked domains before the real resolver can.
package dnscap

import (
	"encoding/binary"
	"fmt"
	"net"
)

const etherTypeIPv4 = 0x0800

// packetInfo is the decoded addressing of one UDP-over-IPv4 frame.
type packetInfo struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Payload          []byte
}

// decodeUDP4 splits an Ethernet frame into UDP addressing and payload.
func decodeUDP4(frame []byte) (*packetInfo, error) {
	// Ethernet(14) + IPv4(20) + UDP(8)
	if len(frame) < 42 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return nil, fmt.Errorf("not ipv4")
	}

	ipOff := 14
	ihl := int(frame[ipOff]&0x0f) * 4
	if ihl < 20 || ipOff+ihl+8 > len(frame) {
		return nil, fmt.Errorf("bad ip header")
	}
	if frame[ipOff+9] != 17 {
		return nil, fmt.Errorf("not udp")
	}

	udpOff := ipOff + ihl
	udpLen := int(binary.BigEndian.Uint16(frame[udpOff+4 : udpOff+6]))
	if udpLen < 8 || udpOff+udpLen > len(frame) {
		return nil, fmt.Errorf("bad udp length")
	}

	return &packetInfo{
		SrcMAC:  append(net.HardwareAddr{}, frame[6:12]...),
		DstMAC:  append(net.HardwareAddr{}, frame[0:6]...),
		SrcIP:   append(net.IP{}, frame[ipOff+12:ipOff+16]...),
		DstIP:   append(net.IP{}, frame[ipOff+16:ipOff+20]...),
		SrcPort: binary.BigEndian.Uint16(frame[udpOff : udpOff+2]),
		DstPort: binary.BigEndian.Uint16(frame[udpOff+2 : udpOff+4]),
		Payload: frame[udpOff+8 : udpOff+udpLen],
	}, nil
}

// encodeUDP4 builds a complete Ethernet/IPv4/UDP frame carrying
// payload, with both checksums filled in.
func encodeUDP4(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	ipLen := 20 + 8 + len(payload)
	frame := make([]byte, 14+ipLen)

	copy(frame[0:6], dstMAC)
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ip := frame[14:34]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	ip[8] = 64 // TTL
	ip[9] = 17 // UDP
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip))

	udp := frame[34:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(payload)))
	copy(udp[8:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(srcIP.To4(), dstIP.To4(), udp))

	return frame
}

func ipChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		if i == 10 {
			continue // checksum field counts as zero
		}
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func udpChecksum(srcIP, dstIP net.IP, udp []byte) uint16 {
	var sum uint32

	// Pseudo header
	sum += uint32(binary.BigEndian.Uint16(srcIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(srcIP[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dstIP[2:4]))
	sum += 17
	sum += uint32(len(udp))

	for i := 0; i+1 < len(udp); i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xffff
	}
	return cs
}
