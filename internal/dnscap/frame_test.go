package dnscap

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macSrc = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	macDst = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	ipSrc  = net.IPv4(192, 168, 1, 1)
	ipDst  = net.IPv4(192, 168, 1, 50)
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("dns payload bytes")
	frame := encodeUDP4(macSrc, macDst, ipSrc, ipDst, 53, 40000, payload)

	got, err := decodeUDP4(frame)
	require.NoError(t, err)
	assert.Equal(t, macSrc, got.SrcMAC)
	assert.Equal(t, macDst, got.DstMAC)
	assert.True(t, got.SrcIP.Equal(ipSrc))
	assert.True(t, got.DstIP.Equal(ipDst))
	assert.Equal(t, uint16(53), got.SrcPort)
	assert.Equal(t, uint16(40000), got.DstPort)
	assert.Equal(t, payload, got.Payload)
}

func TestEncodeChecksumsVerify(t *testing.T) {
	frame := encodeUDP4(macSrc, macDst, ipSrc, ipDst, 53, 39999, []byte("odd"))

	// A correct IP header sums to 0xffff when the checksum field is
	// included in the fold.
	ip := frame[14:34]
	var sum uint32
	for i := 0; i < len(ip); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(ip[i : i+2]))
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	assert.Equal(t, uint32(0xffff), sum)

	// Same property for UDP over its pseudo-header, padding the odd
	// trailing byte with zero.
	udp := frame[34:]
	sum = 0
	sum += uint32(binary.BigEndian.Uint16(ipSrc.To4()[0:2]))
	sum += uint32(binary.BigEndian.Uint16(ipSrc.To4()[2:4]))
	sum += uint32(binary.BigEndian.Uint16(ipDst.To4()[0:2]))
	sum += uint32(binary.BigEndian.Uint16(ipDst.To4()[2:4]))
	sum += 17
	sum += uint32(len(udp))
	for i := 0; i+1 < len(udp); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(udp[i : i+2]))
	}
	if len(udp)%2 == 1 {
		sum += uint32(udp[len(udp)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	assert.Equal(t, uint32(0xffff), sum)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeUDP4(make([]byte, 20))
	assert.Error(t, err)

	// Valid length, wrong ethertype.
	frame := encodeUDP4(macSrc, macDst, ipSrc, ipDst, 53, 40000, []byte("x"))
	frame[12] = 0x08
	frame[13] = 0x06
	_, err = decodeUDP4(frame)
	assert.Error(t, err)

	// Not UDP.
	frame = encodeUDP4(macSrc, macDst, ipSrc, ipDst, 53, 40000, []byte("x"))
	frame[14+9] = 6 // TCP
	_, err = decodeUDP4(frame)
	assert.Error(t, err)
}

func TestDecodeHonorsUDPLength(t *testing.T) {
	frame := encodeUDP4(macSrc, macDst, ipSrc, ipDst, 53, 40000, []byte("payload"))

	// Raw socket reads can return trailing padding; the UDP length
	// field bounds the payload.
	padded := append(frame, 0, 0, 0, 0)
	got, err := decodeUDP4(padded)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got.Payload)
}
