package arp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/events"
)

func newIdleAnnouncer() *Announcer {
	return New(Config{
		Iface: &net.Interface{
			Index:        4093,
			Name:         "wd-none0",
			HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01},
		},
		SelfIP:     net.ParseIP("192.168.77.2"),
		GatewayIP:  net.ParseIP("192.168.77.1"),
		Advertised: net.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01},
	}, events.NewHub(), nil)
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	a := newIdleAnnouncer()
	assert.Equal(t, StateIdle, a.State())

	// Shutdown paths call Stop unconditionally, including after a
	// failed Start, so it must tolerate any state and repeat calls.
	a.Stop()
	a.Stop()

	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, a.GatewayMAC())
	assert.Empty(t, a.Targets())
}

func TestAddTargetRequiresAnnouncing(t *testing.T) {
	a := newIdleAnnouncer()

	err := a.AddTarget("aa:bb:cc:dd:ee:01", net.ParseIP("192.168.77.50"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle")
	assert.Empty(t, a.Targets())

	err = a.AddTarget("not-a-mac", net.ParseIP("192.168.77.50"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target MAC")
}

func TestRemoveTargetBeforeStart(t *testing.T) {
	a := newIdleAnnouncer()
	a.RemoveTarget("aa:bb:cc:dd:ee:01")
	assert.Empty(t, a.Targets())
}

func TestStartFailureLeavesIdle(t *testing.T) {
	a := newIdleAnnouncer()

	// The interface does not exist, so the raw socket cannot open.
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, a.State())

	a.Stop()
	assert.Equal(t, StateIdle, a.State())
}
