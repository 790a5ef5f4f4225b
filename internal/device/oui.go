package device

import "strings"

// vendorPrefixes maps the first three octets of a MAC to a manufacturer.
// This is a small built-in table covering common consumer hardware; it
// is not a substitute for a full IEEE OUI database.
var vendorPrefixes = map[string]string{
	"00:17:88": "Philips Hue",
	"18:b4:30": "Nest Labs",
	"3c:22:fb": "Apple",
	"f0:18:98": "Apple",
	"a4:83:e7": "Apple",
	"28:6c:07": "Xiaomi",
	"64:16:66": "Amazon",
	"fc:65:de": "Amazon",
	"00:fc:8b": "Samsung",
	"8c:f5:a3": "Samsung",
	"f8:0f:f9": "Google",
	"54:60:09": "Google",
	"b8:27:eb": "Raspberry Pi",
	"dc:a6:32": "Raspberry Pi",
	"00:1a:11": "Google",
	"3c:5a:b4": "Google",
	"00:50:56": "VMware",
	"52:54:00": "QEMU",
	"00:15:5d": "Microsoft Hyper-V",
	"b0:be:76": "TP-Link",
	"50:c7:bf": "TP-Link",
	"c0:25:e9": "TP-Link",
	"04:18:d6": "Ubiquiti",
	"74:ac:b9": "Ubiquiti",
	"00:11:32": "Synology",
	"e4:5f:01": "Raspberry Pi",
}

// LookupVendor returns the manufacturer for a MAC address, or
// "Random MAC" for locally administered addresses.
func LookupVendor(mac string) string {
	mac = NormalizeMAC(mac)
	if len(mac) < 8 {
		return ""
	}

	// Locally administered bit: second hex digit 2, 6, a, or e.
	switch mac[1] {
	case '2', '6', 'a', 'e':
		return "Random MAC"
	}

	if vendor, ok := vendorPrefixes[strings.ToLower(mac[:8])]; ok {
		return vendor
	}
	return ""
}
