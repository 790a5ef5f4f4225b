package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
interface  = "eth0"
gateway_ip = "192.168.1.1"
state_dir  = "/tmp/warden-test"
log_level  = "debug"
whitelist  = ["school.example.edu"]

spoof {
  interval_seconds = 20
  profile          = "router"
}

dns {
  block_mode  = "redirect"
  redirect_ip = "192.168.1.50"
}

proxy {
  listen_addr    = ":8443"
  max_body_bytes = 524288
}

traffic {
  retention_days = 14
  max_size_mb    = 256
}

api {
  listen_addr = "127.0.0.1:9000"
}

device "aa:bb:cc:dd:ee:01" {
  name      = "kids-tablet"
  class     = "tablet"
  monitored = true
}

category "streaming" {
  domains = ["netflix.com"]
}

rule "domain" {
  value  = "blocked.example.com"
  reason = "just because"
}

rule "category" {
  value    = "streaming"
  schedule = "bedtime"
}

schedule "bedtime" {
  days       = ["sun", "mon", "tue", "wed", "thu"]
  start      = "21:00"
  end        = "07:00"
  categories = ["streaming"]
}

keyword "gambling" {
  category = "risky"
  severity = "high"
  variants = true
}

notifications {
  enabled = true
  channel "ops" {
    type  = "webhook"
    url   = "https://hooks.example.com/x"
    level = "high"
  }
}
`

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes("test.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	assert.Equal(t, "eth0", cfg.Interface)
	assert.Equal(t, "192.168.1.1", cfg.GatewayIP)
	assert.Equal(t, 20*time.Second, cfg.SpoofInterval())
	assert.Equal(t, "redirect", cfg.DNS.BlockMode)
	assert.Equal(t, int64(524288), cfg.Proxy.MaxBodyBytes)
	assert.Equal(t, 14, cfg.Traffic.RetentionDays)

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", cfg.Devices[0].MAC)
	assert.True(t, cfg.Devices[0].Monitored)

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "domain", cfg.Rules[0].Kind)
	assert.True(t, cfg.Rules[0].RuleEnabled())

	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "bedtime", cfg.Schedules[0].Name)

	require.Len(t, cfg.Keywords, 1)
	assert.True(t, cfg.Keywords[0].Variants)

	require.NotNil(t, cfg.Notifications)
	require.Len(t, cfg.Notifications.Channels, 1)
	assert.Equal(t, "high", cfg.Notifications.Channels[0].Level)
}

func TestLoadBytesInvalid(t *testing.T) {
	tests := []struct {
		name string
		hcl  string
	}{
		{"missing interface", `gateway_ip = "192.168.1.1"`},
		{"bad gateway", "interface = \"eth0\"\ngateway_ip = \"not-an-ip\""},
		{"bad block mode", "interface = \"eth0\"\ndns {\n  block_mode = \"drop\"\n}"},
		{"redirect without ip", "interface = \"eth0\"\ndns {\n  block_mode = \"redirect\"\n}"},
		{"bad schedule time", "interface = \"eth0\"\nschedule \"x\" {\n  days = [\"mon\"]\n  start = \"25:00\"\n  end = \"07:00\"\n}"},
		{"bad weekday", "interface = \"eth0\"\nschedule \"x\" {\n  days = [\"funday\"]\n  start = \"21:00\"\n  end = \"07:00\"\n}"},
		{"syntax error", `interface = `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes("test.hcl", []byte(tt.hcl))
			assert.Error(t, err)
		})
	}
}

func TestLoadCategoryFileMerge(t *testing.T) {
	dir := t.TempDir()
	catPath := filepath.Join(dir, "categories.yaml")
	require.NoError(t, os.WriteFile(catPath, []byte(
		"Streaming:\n  - hulu.com\ngaming:\n  - game.example.net\n"), 0644))

	hcl := `
interface     = "eth0"
category_file = "categories.yaml"

category "streaming" {
  domains = ["netflix.com"]
}
`
	cfgPath := filepath.Join(dir, "warden.hcl")
	require.NoError(t, os.WriteFile(cfgPath, []byte(hcl), 0644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	// Inline blocks win on name collisions; new names merge in.
	byName := map[string][]string{}
	for _, c := range cfg.Categories {
		byName[c.Name] = c.Domains
	}
	assert.Equal(t, []string{"netflix.com"}, byName["streaming"])
	assert.Equal(t, []string{"game.example.net"}, byName["gaming"])
	assert.Len(t, cfg.Categories, 2)
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"07:30", 450, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got.Minutes())
	}
}

func TestParseWeekday(t *testing.T) {
	d, err := ParseWeekday("Mon")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, d)

	d, err = ParseWeekday("sunday")
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, d)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}

func TestTimeOfDayString(t *testing.T) {
	tod, err := ParseTimeOfDay("09:05")
	require.NoError(t, err)
	assert.Equal(t, "09:05", tod.String())
}
