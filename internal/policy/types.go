// Package policy evaluates block rules, categories, and time schedules
// into allow/deny decisions. Evaluation is a pure function of the
// request descriptor and the current time; the engine only adds caching
// and rule storage around it.
package policy

import (
	"time"

	"grimm.is/warden/internal/config"
)

// RuleKind discriminates block rules.
type RuleKind string

const (
	KindDomain        RuleKind = "domain"
	KindDomainPattern RuleKind = "domain-pattern"
	KindCategory      RuleKind = "category"
	KindKeyword       RuleKind = "keyword"
	KindAddress       RuleKind = "address"
)

// Rule is one block rule.
type Rule struct {
	ID       string   `json:"id"`
	Kind     RuleKind `json:"kind"`
	Value    string   `json:"value"`
	Enabled  bool     `json:"enabled"`
	Device   string   `json:"device,omitempty"` // MAC scope; empty = global
	Schedule string   `json:"schedule,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Schedule is a named time window activating category blocks. An end
// before the start is an overnight window, not an error; the day set
// names the day the window starts.
type Schedule struct {
	Name       string           `json:"name"`
	Enabled    bool             `json:"enabled"`
	Days       []time.Weekday   `json:"days"`
	Start      config.TimeOfDay `json:"start"`
	End        config.TimeOfDay `json:"end"`
	Categories []string         `json:"categories"`
}

// Decision is the result of an evaluation.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Category string `json:"category,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// Allow is the default decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny builds a deny decision with a reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}
