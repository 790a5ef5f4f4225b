// Package config provides HCL configuration handling for warden.
package config

import "time"

// Config is the top-level structure for the warden configuration.
type Config struct {
	// Interface is the LAN interface used for interception.
	Interface string `hcl:"interface" json:"interface"`

	// GatewayIP overrides gateway auto-detection when set.
	GatewayIP string `hcl:"gateway_ip,optional" json:"gateway_ip,omitempty"`

	// UpstreamDNS is the resolver used for upstream verification checks.
	UpstreamDNS string `hcl:"upstream_dns,optional" json:"upstream_dns,omitempty"`

	// StateDir holds the state database, traffic database, and CA material.
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	Spoof   *SpoofConfig   `hcl:"spoof,block" json:"spoof,omitempty"`
	DNS     *DNSConfig     `hcl:"dns,block" json:"dns,omitempty"`
	Proxy   *ProxyConfig   `hcl:"proxy,block" json:"proxy,omitempty"`
	Traffic *TrafficConfig `hcl:"traffic,block" json:"traffic,omitempty"`
	API     *APIConfig     `hcl:"api,block" json:"api,omitempty"`

	Devices   []DeviceConfig       `hcl:"device,block" json:"devices,omitempty"`
	Rules     []RuleConfig         `hcl:"rule,block" json:"rules,omitempty"`
	Schedules []ScheduleConfig     `hcl:"schedule,block" json:"schedules,omitempty"`
	Keywords  []KeywordConfig      `hcl:"keyword,block" json:"keywords,omitempty"`
	Categories []CategoryConfig    `hcl:"category,block" json:"categories,omitempty"`

	// CategoryFile points to a YAML file with bulk category membership
	// lists; inline category blocks take precedence on name collisions.
	CategoryFile string `hcl:"category_file,optional" json:"category_file,omitempty"`

	// Whitelist domains are never blocked, regardless of any rule.
	Whitelist []string `hcl:"whitelist,optional" json:"whitelist,omitempty"`

	Notifications *NotificationsConfig `hcl:"notifications,block" json:"notifications,omitempty"`
}

// SpoofConfig tunes the gateway impersonation loop.
type SpoofConfig struct {
	// IntervalSeconds between ARP announcements. Longer is stealthier but
	// risks the target's ARP cache reverting to the real gateway.
	IntervalSeconds int `hcl:"interval_seconds,optional" json:"interval_seconds,omitempty"`

	// Profile names a disguise preset for the advertised identity.
	Profile string `hcl:"profile,optional" json:"profile,omitempty"`

	// AdvertisedMAC / AdvertisedHostname override the profile when set.
	AdvertisedMAC      string `hcl:"advertised_mac,optional" json:"advertised_mac,omitempty"`
	AdvertisedHostname string `hcl:"advertised_hostname,optional" json:"advertised_hostname,omitempty"`
}

// DNSConfig tunes the DNS interceptor.
type DNSConfig struct {
	// BlockMode is "nxdomain" or "redirect".
	BlockMode string `hcl:"block_mode,optional" json:"block_mode,omitempty"`

	// RedirectIP is the answer handed out in redirect mode.
	RedirectIP string `hcl:"redirect_ip,optional" json:"redirect_ip,omitempty"`
}

// ProxyConfig tunes the transparent proxy.
type ProxyConfig struct {
	ListenAddr string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`

	// MaxBodyBytes caps how much of a body is captured per direction.
	MaxBodyBytes int64 `hcl:"max_body_bytes,optional" json:"max_body_bytes,omitempty"`

	// CertCacheSize bounds the minted leaf certificate cache.
	CertCacheSize int `hcl:"cert_cache_size,optional" json:"cert_cache_size,omitempty"`

	// CAProfile names the disguise preset for the root certificate subject.
	CAProfile string `hcl:"ca_profile,optional" json:"ca_profile,omitempty"`
}

// TrafficConfig tunes the traffic store.
type TrafficConfig struct {
	// RetentionDays is the maximum age of stored traffic.
	RetentionDays int `hcl:"retention_days,optional" json:"retention_days,omitempty"`

	// MaxSizeMB trims oldest entries once the database exceeds this size.
	MaxSizeMB int64 `hcl:"max_size_mb,optional" json:"max_size_mb,omitempty"`
}

// APIConfig configures the read-mostly dashboard API.
type APIConfig struct {
	ListenAddr string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`

	// PasswordHash is a bcrypt hash; empty disables authentication
	// (loopback-only deployments).
	PasswordHash string `hcl:"password_hash,optional" json:"password_hash,omitempty"`
}

// DeviceConfig pre-registers a monitored device.
type DeviceConfig struct {
	MAC       string `hcl:"mac,label" json:"mac"`
	Name      string `hcl:"name,optional" json:"name,omitempty"`
	Class     string `hcl:"class,optional" json:"class,omitempty"`
	Monitored bool   `hcl:"monitored,optional" json:"monitored"`
}

// RuleConfig is one block rule. Kind is one of domain, domain-pattern,
// category, keyword, address.
type RuleConfig struct {
	Kind     string `hcl:"kind,label" json:"kind"`
	Value    string `hcl:"value" json:"value"`
	Enabled  *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Device   string `hcl:"device,optional" json:"device,omitempty"` // MAC scope; empty = global
	Schedule string `hcl:"schedule,optional" json:"schedule,omitempty"`
	Reason   string `hcl:"reason,optional" json:"reason,omitempty"`
}

// ScheduleConfig is a named time window that activates category blocks.
type ScheduleConfig struct {
	Name       string   `hcl:"name,label" json:"name"`
	Enabled    *bool    `hcl:"enabled,optional" json:"enabled,omitempty"`
	Days       []string `hcl:"days" json:"days"`
	Start      string   `hcl:"start" json:"start"` // "21:00"
	End        string   `hcl:"end" json:"end"`     // "07:00"; end before start = overnight
	Categories []string `hcl:"categories,optional" json:"categories,omitempty"`
}

// KeywordConfig is one alert keyword.
type KeywordConfig struct {
	Word     string `hcl:"word,label" json:"word"`
	Category string `hcl:"category" json:"category"`
	Severity string `hcl:"severity,optional" json:"severity,omitempty"`
	Variants bool   `hcl:"variants,optional" json:"variants,omitempty"`
}

// CategoryConfig declares a content category with its member domains.
type CategoryConfig struct {
	Name    string   `hcl:"name,label" json:"name"`
	Domains []string `hcl:"domains,optional" json:"domains,omitempty"`
}

// NotificationsConfig configures alert delivery.
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional" json:"enabled"`
	Channels []NotificationChannel `hcl:"channel,block" json:"channels,omitempty"`
}

// NotificationChannel is a single delivery target.
type NotificationChannel struct {
	Name    string `hcl:"name,label" json:"name"`
	Type    string `hcl:"type" json:"type"` // "webhook"
	URL     string `hcl:"url,optional" json:"url,omitempty"`
	Enabled *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`

	// Level is the minimum severity delivered: low, medium, high, critical.
	Level string `hcl:"level,optional" json:"level,omitempty"`
}

// Defaults used when optional settings are absent.
const (
	DefaultSpoofInterval = 15 * time.Second
	DefaultProxyListen   = ":8443"
	DefaultAPIListen     = "127.0.0.1:8321"
	DefaultRetentionDays = 30
	DefaultMaxSizeMB     = 1024
	DefaultMaxBodyBytes  = 1 << 20 // 1 MiB per direction
	DefaultCertCache     = 512
	DefaultBlockMode     = "nxdomain"
	DefaultUpstreamDNS   = "1.1.1.1:53"
	DefaultStateDir      = "/var/lib/warden"
)

// SpoofInterval returns the configured announcement interval.
func (c *Config) SpoofInterval() time.Duration {
	if c.Spoof != nil && c.Spoof.IntervalSeconds > 0 {
		return time.Duration(c.Spoof.IntervalSeconds) * time.Second
	}
	return DefaultSpoofInterval
}

// RuleEnabled reports whether a rule block is enabled (default true).
func (r *RuleConfig) RuleEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ScheduleEnabled reports whether a schedule block is enabled (default true).
func (s *ScheduleConfig) ScheduleEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ChannelEnabled reports whether a channel is enabled (default true).
func (c *NotificationChannel) ChannelEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
