// Package device owns the registry of devices observed on the LAN.
// All other components reference devices by MAC and never mutate the
// records directly.
package device

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/state"
)

// BucketDevices is the state store bucket holding device records.
const BucketDevices = "devices"

// Device is one known device, keyed by hardware address.
type Device struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	Class     string    `json:"class,omitempty"` // phone, laptop, iot, ...
	Name      string    `json:"name,omitempty"`  // User-assigned alias
	Monitored bool      `json:"monitored"`
	Online    bool      `json:"online"`
	Stale     bool      `json:"stale"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`

	// CertTrusted is derived: true once a proxied TLS connection from
	// this device completed without the pinning fallback.
	CertTrusted bool `json:"cert_trusted"`
}

// Registry tracks known devices and persists them through the state store.
type Registry struct {
	store  state.Store
	logger *logging.Logger
	hub    *events.Hub

	mu      sync.RWMutex
	devices map[string]*Device // normalized MAC -> device

	// staleAfter is the silence window before a device is marked stale.
	staleAfter time.Duration
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store state.Store, hub *events.Hub, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Default()
	}

	r := &Registry{
		store:      store,
		logger:     logger.WithComponent("device"),
		hub:        hub,
		devices:    make(map[string]*Device),
		staleAfter: 24 * time.Hour,
	}

	if err := store.CreateBucket(BucketDevices); err != nil && err != state.ErrBucketExists {
		return nil, fmt.Errorf("failed to create devices bucket: %w", err)
	}

	if err := r.loadState(); err != nil {
		return nil, fmt.Errorf("failed to load device state: %w", err)
	}

	return r, nil
}

// SetStaleAfter overrides the silence window used by SweepStale.
func (r *Registry) SetStaleAfter(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staleAfter = d
}

func (r *Registry) loadState() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.store.List(BucketDevices)
	if err != nil {
		return err
	}
	for mac, data := range list {
		var d Device
		if err := unmarshalDevice(data, &d); err != nil {
			r.logger.Warn("skipping unreadable device record", "mac", mac, "err", err)
			continue
		}
		r.devices[NormalizeMAC(d.MAC)] = &d
	}

	r.logger.Info("loaded device registry", "devices", len(r.devices))
	return nil
}

// Observe records a packet or scan sighting of a device. New devices are
// created with monitoring disabled; existing ones get IP/last-seen
// updates. Returns a copy of the current record.
func (r *Registry) Observe(mac, ip, hostname, method string) Device {
	mac = NormalizeMAC(mac)
	now := clock.Now()

	r.mu.Lock()
	d, ok := r.devices[mac]
	if !ok {
		d = &Device{
			MAC:       mac,
			Vendor:    LookupVendor(mac),
			FirstSeen: now,
		}
		r.devices[mac] = d
	}
	if ip != "" {
		d.IP = ip
	}
	if hostname != "" {
		d.Hostname = hostname
	}
	d.LastSeen = now
	d.Online = true
	d.Stale = false
	cpy := *d
	r.mu.Unlock()

	r.persist(&cpy)

	if r.hub != nil {
		typ := events.EventDeviceSeen
		if !ok {
			typ = events.EventDeviceNew
		}
		r.hub.Publish(events.Event{
			Type:   typ,
			Source: "device",
			Data: events.DeviceData{
				MAC: cpy.MAC, IP: cpy.IP, Hostname: cpy.Hostname,
				Vendor: cpy.Vendor, Method: method,
			},
		})
	}

	return cpy
}

// AddBytes accumulates traffic counters for a device.
func (r *Registry) AddBytes(mac string, in, out uint64) {
	mac = NormalizeMAC(mac)

	r.mu.Lock()
	d, ok := r.devices[mac]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.BytesIn += in
	d.BytesOut += out
	d.LastSeen = clock.Now()
	cpy := *d
	r.mu.Unlock()

	r.persist(&cpy)
}

// Get returns a copy of the device record, if known.
func (r *Registry) Get(mac string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[NormalizeMAC(mac)]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// ByIP returns the device currently holding the given IP, if any.
func (r *Registry) ByIP(ip string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.IP == ip {
			return *d, true
		}
	}
	return Device{}, false
}

// List returns all devices sorted by MAC.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Monitored returns the devices with the monitoring flag set.
func (r *Registry) Monitored() []Device {
	var out []Device
	for _, d := range r.List() {
		if d.Monitored {
			out = append(out, d)
		}
	}
	return out
}

// SetMonitored flips the monitoring flag.
func (r *Registry) SetMonitored(mac string, monitored bool) error {
	return r.update(mac, func(d *Device) { d.Monitored = monitored })
}

// SetName assigns a user alias.
func (r *Registry) SetName(mac, name string) error {
	return r.update(mac, func(d *Device) { d.Name = name })
}

// SetClass assigns a device class.
func (r *Registry) SetClass(mac, class string) error {
	return r.update(mac, func(d *Device) { d.Class = class })
}

// SetCertTrusted records the derived certificate-trust state.
func (r *Registry) SetCertTrusted(mac string, trusted bool) error {
	return r.update(mac, func(d *Device) { d.CertTrusted = trusted })
}

// MarkOffline flags a device as unreachable without touching last-seen.
// The announcer calls this when discovery probes go unanswered.
func (r *Registry) MarkOffline(mac string) {
	mac = NormalizeMAC(mac)

	r.mu.Lock()
	d, ok := r.devices[mac]
	if !ok || !d.Online {
		r.mu.Unlock()
		return
	}
	d.Online = false
	cpy := *d
	r.mu.Unlock()

	r.persist(&cpy)

	if r.hub != nil {
		r.hub.Publish(events.Event{
			Type:   events.EventDeviceOffline,
			Source: "device",
			Data:   events.DeviceData{MAC: cpy.MAC, IP: cpy.IP},
		})
	}
}

// SweepStale marks devices silent past the configured window as stale.
// Devices are never hard-deleted.
func (r *Registry) SweepStale() int {
	now := clock.Now()

	r.mu.Lock()
	var swept []Device
	for _, d := range r.devices {
		if !d.Stale && now.Sub(d.LastSeen) > r.staleAfter {
			d.Stale = true
			d.Online = false
			swept = append(swept, *d)
		}
	}
	r.mu.Unlock()

	for i := range swept {
		r.persist(&swept[i])
	}
	if len(swept) > 0 {
		r.logger.Info("marked stale devices", "count", len(swept))
	}
	return len(swept)
}

func (r *Registry) update(mac string, fn func(*Device)) error {
	mac = NormalizeMAC(mac)

	r.mu.Lock()
	d, ok := r.devices[mac]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown device %s", mac)
	}
	fn(d)
	cpy := *d
	r.mu.Unlock()

	r.persist(&cpy)
	return nil
}

func (r *Registry) persist(d *Device) {
	if err := r.store.SetJSON(BucketDevices, d.MAC, d); err != nil {
		r.logger.Error("failed to persist device", "mac", d.MAC, "err", err)
	}
}

// NormalizeMAC lowercases a hardware address and converts dashes to colons.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
}

func unmarshalDevice(data []byte, d *Device) error {
	return json.Unmarshal(data, d)
}
