// Package stealth provides disguise profiles for the interception
// point: the MAC vendor prefix, hostname, and CA subject it presents
// to the network.
package stealth

import (
	"crypto/rand"
	"fmt"
	"net"
	"strings"
)

// Profile describes how the interceptor presents itself on the LAN.
type Profile struct {
	Name      string
	MACPrefix string // first three octets, colon separated
	Hostname  string
	CAProfile string // key into pki.Profiles
}

// Built-in profiles. Devices that fingerprint the gateway see these
// identities instead of the host's real ones.
var profiles = map[string]Profile{
	"default": {
		Name:      "default",
		MACPrefix: "",
		Hostname:  "",
		CAProfile: "default",
	},
	"router": {
		Name:      "router",
		MACPrefix: "9c:53:22", // TP-Link
		Hostname:  "tplink-gateway",
		CAProfile: "router",
	},
	"nas": {
		Name:      "nas",
		MACPrefix: "00:11:32", // Synology
		Hostname:  "synology-ds",
		CAProfile: "corp",
	},
	"printer": {
		Name:      "printer",
		MACPrefix: "30:05:5c", // Brother
		Hostname:  "BRN30055C",
		CAProfile: "default",
	},
}

// Lookup returns the named profile, or the default profile when the
// name is unknown or empty.
func Lookup(name string) Profile {
	if p, ok := profiles[strings.ToLower(name)]; ok {
		return p
	}
	return profiles["default"]
}

// Names lists available profile names.
func Names() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	return out
}

// AdvertisedMAC returns the MAC to advertise in ARP traffic. With no
// profile prefix, the interface's real hardware address is used. With
// a prefix, the lower three octets are randomized once per call so the
// address stays stable for the process lifetime if the caller stores
// it.
func (p Profile) AdvertisedMAC(real net.HardwareAddr) (net.HardwareAddr, error) {
	if p.MACPrefix == "" {
		return real, nil
	}
	prefix, err := net.ParseMAC(p.MACPrefix + ":00:00:00")
	if err != nil {
		return nil, fmt.Errorf("bad MAC prefix %q: %w", p.MACPrefix, err)
	}
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return nil, err
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, prefix[:3])
	copy(mac[3:], suffix)
	return mac, nil
}
