// Package events provides a unified pub/sub event bus for warden.
// All observability data (device discovery, DNS interception, proxied
// transactions, alerts) flows through this hub on its way to the API
// websocket and the notification dispatcher.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Device events
	EventDeviceNew     EventType = "device.new"
	EventDeviceSeen    EventType = "device.seen"
	EventDeviceOffline EventType = "device.offline"

	// DNS interception events
	EventDNSQuery EventType = "dns.query"
	EventDNSBlock EventType = "dns.block"

	// Proxy events
	EventTransaction  EventType = "proxy.transaction"
	EventProxyBlocked EventType = "proxy.blocked"
	EventRelayOnly    EventType = "proxy.relay" // Pinning fallback, encrypted passthrough

	// Alert events
	EventAlert EventType = "alert.raised"

	// Gateway impersonation lifecycle
	EventSpoofStarted  EventType = "spoof.started"
	EventSpoofStopped  EventType = "spoof.stopped"
	EventSpoofRestored EventType = "spoof.restored"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "arp", "dnscap", "proxy", ...
	Data      interface{} `json:"data"`
}

// DeviceData is the payload for device events.
type DeviceData struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Method   string `json:"method,omitempty"` // "arp-scan", "dhcp", "traffic"
}

// DNSQueryData is the payload for EventDNSQuery/EventDNSBlock.
type DNSQueryData struct {
	DeviceMAC string   `json:"device_mac"`
	Domain    string   `json:"domain"`
	QueryType string   `json:"query_type"`
	Addresses []string `json:"addresses,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// TransactionData is the payload for proxy events. It carries the summary
// only; full bodies stay in the traffic store.
type TransactionData struct {
	ID         string `json:"id"`
	DeviceMAC  string `json:"device_mac"`
	Method     string `json:"method"`
	Host       string `json:"host"`
	URL        string `json:"url"`
	Status     int    `json:"status,omitempty"`
	Blocked    bool   `json:"blocked,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Intercepted bool  `json:"intercepted"`
}

// AlertData is the payload for EventAlert.
type AlertData struct {
	ID        string `json:"id"`
	DeviceMAC string `json:"device_mac"`
	Severity  string `json:"severity"`
	Category  string `json:"category"`
	Keyword   string `json:"keyword"`
	SourceRef string `json:"source_ref"`
}
