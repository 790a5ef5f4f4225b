package stealth

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	p := Lookup("router")
	assert.Equal(t, "router", p.Name)
	assert.Equal(t, "9c:53:22", p.MACPrefix)
	assert.Equal(t, "tplink-gateway", p.Hostname)

	// Case insensitive.
	assert.Equal(t, "nas", Lookup("NAS").Name)

	// Unknown and empty names fall back to default.
	assert.Equal(t, "default", Lookup("toaster").Name)
	assert.Equal(t, "default", Lookup("").Name)
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Len(t, names, 4)
	assert.Contains(t, names, "default")
	assert.Contains(t, names, "printer")
}

func TestAdvertisedMACDefault(t *testing.T) {
	real := mustMAC(t, "02:42:ac:11:00:02")
	mac, err := Lookup("default").AdvertisedMAC(real)
	require.NoError(t, err)
	assert.Equal(t, real, mac)
}

func TestAdvertisedMACRandomizesSuffix(t *testing.T) {
	real := mustMAC(t, "02:42:ac:11:00:02")
	p := Lookup("router")

	mac, err := p.AdvertisedMAC(real)
	require.NoError(t, err)
	require.Len(t, mac, 6)
	assert.Equal(t, []byte(mustMAC(t, p.MACPrefix+":00:00:00")[:3]), []byte(mac[:3]))
	assert.NotEqual(t, real, mac)

	// Two calls should almost never collide in the 24-bit suffix space.
	mac2, err := p.AdvertisedMAC(real)
	require.NoError(t, err)
	assert.NotEqual(t, mac, mac2)
}

func TestAdvertisedMACBadPrefix(t *testing.T) {
	p := Profile{MACPrefix: "zz:zz:zz"}
	_, err := p.AdvertisedMAC(mustMAC(t, "02:42:ac:11:00:02"))
	assert.Error(t, err)
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}
