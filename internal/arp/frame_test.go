package arp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0a}
	macB = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0b}
	ipA  = net.IPv4(192, 168, 1, 10)
	ipB  = net.IPv4(192, 168, 1, 20)
)

func TestFrameMarshalParse(t *testing.T) {
	f := reply(macA, ipA, macB, ipB)
	raw := f.Marshal()
	require.Len(t, raw, frameLen)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(opReply), got.Op)
	assert.Equal(t, macA, got.SenderMAC)
	assert.Equal(t, macB, got.TargetMAC)
	assert.True(t, got.SenderIP.Equal(ipA))
	assert.True(t, got.TargetIP.Equal(ipB))
}

func TestFrameEthernetDestination(t *testing.T) {
	// Replies go to the target unless overridden.
	raw := reply(macA, ipA, macB, ipB).Marshal()
	assert.Equal(t, []byte(macB), raw[0:6])

	// Requests broadcast.
	raw = request(macA, ipA, ipB).Marshal()
	assert.Equal(t, []byte(broadcastMAC), raw[0:6])

	// An explicit override wins.
	f := reply(macA, ipA, macB, ipB)
	f.EthDst = broadcastMAC
	raw = f.Marshal()
	assert.Equal(t, []byte(broadcastMAC), raw[0:6])
}

func TestParseRejectsNonARP(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	assert.Error(t, err)

	raw := reply(macA, ipA, macB, ipB).Marshal()
	raw[12] = 0x08
	raw[13] = 0x00 // IPv4, not ARP
	_, err = Parse(raw)
	assert.Error(t, err)
}

func TestParseCopiesBuffers(t *testing.T) {
	raw := reply(macA, ipA, macB, ipB).Marshal()
	got, err := Parse(raw)
	require.NoError(t, err)

	// Mutating the read buffer must not corrupt the parsed frame, since
	// the read loop reuses its buffer.
	for i := range raw {
		raw[i] = 0
	}
	assert.Equal(t, macA, got.SenderMAC)
	assert.True(t, got.SenderIP.Equal(ipA))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "announcing", StateAnnouncing.String())
	assert.Equal(t, "restoring", StateRestoring.String())
}
