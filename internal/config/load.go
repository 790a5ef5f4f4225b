package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v2"
)

// Load reads and validates an HCL configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes config from bytes. The filename is used only for
// diagnostics; it must carry a .hcl extension for hclsimple.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.CategoryFile != "" {
		file := cfg.CategoryFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(filename), file)
		}
		extra, err := LoadCategoryFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load category file: %w", err)
		}
		cfg.mergeCategories(extra)
	}

	return &cfg, nil
}

// Validate checks settings that would make startup meaningless. Rule
// blocks are deliberately not validated here: a malformed rule is logged
// and skipped at evaluation time so one bad block cannot take the whole
// pipeline down.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if c.GatewayIP != "" && net.ParseIP(c.GatewayIP) == nil {
		return fmt.Errorf("invalid gateway_ip %q", c.GatewayIP)
	}
	if c.DNS != nil {
		switch c.DNS.BlockMode {
		case "", "nxdomain", "redirect":
		default:
			return fmt.Errorf("dns block_mode must be nxdomain or redirect, got %q", c.DNS.BlockMode)
		}
		if c.DNS.BlockMode == "redirect" && net.ParseIP(c.DNS.RedirectIP) == nil {
			return fmt.Errorf("dns redirect mode requires a valid redirect_ip")
		}
	}
	for _, s := range c.Schedules {
		if _, err := ParseTimeOfDay(s.Start); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		if _, err := ParseTimeOfDay(s.End); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		for _, d := range s.Days {
			if _, err := ParseWeekday(d); err != nil {
				return fmt.Errorf("schedule %q: %w", s.Name, err)
			}
		}
	}
	return nil
}

// categoryFile is the YAML shape for bulk category membership data:
//
//	streaming:
//	  - netflix.com
//	  - video.example.com
type categoryFile map[string][]string

// LoadCategoryFile reads category membership lists from a YAML file.
func LoadCategoryFile(path string) ([]CategoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw categoryFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	cats := make([]CategoryConfig, 0, len(raw))
	for name, domains := range raw {
		cats = append(cats, CategoryConfig{
			Name:    strings.ToLower(name),
			Domains: domains,
		})
	}
	return cats, nil
}

// mergeCategories appends file-sourced categories, keeping inline blocks
// on name collisions.
func (c *Config) mergeCategories(extra []CategoryConfig) {
	seen := make(map[string]bool, len(c.Categories))
	for _, cat := range c.Categories {
		seen[strings.ToLower(cat.Name)] = true
	}
	for _, cat := range extra {
		if !seen[strings.ToLower(cat.Name)] {
			c.Categories = append(c.Categories, cat)
		}
	}
}
