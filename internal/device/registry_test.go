package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/state"
)

func newTestRegistry(t *testing.T, hub *events.Hub) (*Registry, state.Store) {
	t.Helper()
	st, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r, err := NewRegistry(st, hub, nil)
	require.NoError(t, err)
	return r, st
}

func TestObserveCreatesAndUpdates(t *testing.T) {
	r, _ := newTestRegistry(t, nil)

	d := r.Observe("AA:BB:CC:DD:EE:01", "192.168.1.50", "", "arp-scan")
	assert.Equal(t, "aa:bb:cc:dd:ee:01", d.MAC)
	assert.Equal(t, "192.168.1.50", d.IP)
	assert.True(t, d.Online)
	assert.False(t, d.Monitored)
	assert.False(t, d.FirstSeen.IsZero())

	// A later sighting updates IP and hostname but keeps FirstSeen.
	d2 := r.Observe("aa:bb:cc:dd:ee:01", "192.168.1.51", "kids-tablet", "dhcp")
	assert.Equal(t, d.FirstSeen, d2.FirstSeen)
	assert.Equal(t, "192.168.1.51", d2.IP)
	assert.Equal(t, "kids-tablet", d2.Hostname)

	assert.Len(t, r.List(), 1)
}

func TestObservePublishesEvents(t *testing.T) {
	hub := events.NewHub()
	ch := hub.Subscribe(4, events.EventDeviceNew, events.EventDeviceSeen)
	r, _ := newTestRegistry(t, hub)

	r.Observe("aa:bb:cc:dd:ee:02", "192.168.1.60", "", "arp-scan")
	r.Observe("aa:bb:cc:dd:ee:02", "192.168.1.60", "", "traffic")

	require.Len(t, ch, 2)
	assert.Equal(t, events.EventDeviceNew, (<-ch).Type)
	assert.Equal(t, events.EventDeviceSeen, (<-ch).Type)
}

func TestGetAndByIP(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.Observe("aa:bb:cc:dd:ee:03", "192.168.1.70", "", "arp-scan")

	d, ok := r.Get("AA-BB-CC-DD-EE-03")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.70", d.IP)

	d, ok = r.ByIP("192.168.1.70")
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:03", d.MAC)

	_, ok = r.ByIP("192.168.1.200")
	assert.False(t, ok)
	_, ok = r.Get("ff:ff:ff:ff:ff:ff")
	assert.False(t, ok)
}

func TestSettersAndMonitoredList(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.Observe("aa:bb:cc:dd:ee:04", "", "", "dhcp")
	r.Observe("aa:bb:cc:dd:ee:05", "", "", "dhcp")

	require.NoError(t, r.SetMonitored("aa:bb:cc:dd:ee:04", true))
	require.NoError(t, r.SetName("aa:bb:cc:dd:ee:04", "Kid's phone"))
	require.NoError(t, r.SetClass("aa:bb:cc:dd:ee:04", "phone"))
	require.NoError(t, r.SetCertTrusted("aa:bb:cc:dd:ee:04", true))

	monitored := r.Monitored()
	require.Len(t, monitored, 1)
	assert.Equal(t, "Kid's phone", monitored[0].Name)
	assert.Equal(t, "phone", monitored[0].Class)
	assert.True(t, monitored[0].CertTrusted)

	assert.Error(t, r.SetMonitored("00:00:00:00:00:00", true))
}

func TestAddBytes(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	r.Observe("aa:bb:cc:dd:ee:06", "", "", "dhcp")

	r.AddBytes("aa:bb:cc:dd:ee:06", 1000, 250)
	r.AddBytes("aa:bb:cc:dd:ee:06", 24, 6)

	d, ok := r.Get("aa:bb:cc:dd:ee:06")
	require.True(t, ok)
	assert.Equal(t, uint64(1024), d.BytesIn)
	assert.Equal(t, uint64(256), d.BytesOut)

	// Unknown devices are ignored rather than auto-created.
	r.AddBytes("11:22:33:44:55:66", 10, 10)
	_, ok = r.Get("11:22:33:44:55:66")
	assert.False(t, ok)
}

func TestMarkOffline(t *testing.T) {
	hub := events.NewHub()
	ch := hub.Subscribe(4, events.EventDeviceOffline)
	r, _ := newTestRegistry(t, hub)
	r.Observe("aa:bb:cc:dd:ee:07", "192.168.1.80", "", "arp-scan")

	r.MarkOffline("aa:bb:cc:dd:ee:07")
	d, _ := r.Get("aa:bb:cc:dd:ee:07")
	assert.False(t, d.Online)
	require.Len(t, ch, 1)

	// Already offline: no duplicate event.
	r.MarkOffline("aa:bb:cc:dd:ee:07")
	assert.Len(t, ch, 1)
}

func TestSweepStale(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	prev := clock.SetClock(mock)
	defer clock.SetClock(prev)

	r, _ := newTestRegistry(t, nil)
	r.SetStaleAfter(time.Hour)

	r.Observe("aa:bb:cc:dd:ee:08", "", "", "dhcp")
	mock.Advance(30 * time.Minute)
	r.Observe("aa:bb:cc:dd:ee:09", "", "", "dhcp")

	// 08 is now 90 minutes silent, 09 only 60.
	mock.Advance(time.Hour)
	assert.Equal(t, 1, r.SweepStale())

	d, _ := r.Get("aa:bb:cc:dd:ee:08")
	assert.True(t, d.Stale)
	assert.False(t, d.Online)
	d, _ = r.Get("aa:bb:cc:dd:ee:09")
	assert.False(t, d.Stale)

	// A fresh sighting clears the stale flag.
	r.Observe("aa:bb:cc:dd:ee:08", "", "", "traffic")
	d, _ = r.Get("aa:bb:cc:dd:ee:08")
	assert.False(t, d.Stale)
	assert.True(t, d.Online)

	// Idempotent: already-stale devices are not swept twice.
	mock.Advance(3 * time.Hour)
	assert.Equal(t, 2, r.SweepStale())
	assert.Equal(t, 0, r.SweepStale())
}

func TestRegistryReloadsFromStore(t *testing.T) {
	st, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	defer st.Close()

	r, err := NewRegistry(st, nil, nil)
	require.NoError(t, err)
	r.Observe("aa:bb:cc:dd:ee:0a", "192.168.1.90", "laptop", "dhcp")
	require.NoError(t, r.SetMonitored("aa:bb:cc:dd:ee:0a", true))

	// A second registry over the same store sees the persisted record.
	r2, err := NewRegistry(st, nil, nil)
	require.NoError(t, err)
	d, ok := r2.Get("aa:bb:cc:dd:ee:0a")
	require.True(t, ok)
	assert.Equal(t, "laptop", d.Hostname)
	assert.True(t, d.Monitored)
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC("AA-BB-CC-DD-EE-FF"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC("  aa:bb:cc:dd:ee:ff "))
}
