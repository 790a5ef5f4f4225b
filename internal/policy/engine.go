package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/device"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/state"
)

// BucketOverrides is the state bucket persisting enable-flag toggles
// made through the API, so they survive restarts over a config-sourced
// rule set.
const BucketOverrides = "policy_overrides"

// Engine holds the rule set and answers evaluations. Decisions are
// cached per minute since reads vastly outnumber writes.
type Engine struct {
	logger *logging.Logger
	store  state.Store

	mu         sync.RWMutex
	rules      []Rule
	schedules  map[string]*Schedule
	categories map[string][]string // category -> member domains
	whitelist  []string

	gen   uint64 // bumped on every mutation, invalidates the cache
	cache sync.Map
}

type cachedDecision struct {
	gen uint64
	d   Decision
}

// NewEngine creates an empty engine. Store may be nil in tests.
func NewEngine(store state.Store, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		logger:     logger.WithComponent("policy"),
		store:      store,
		schedules:  make(map[string]*Schedule),
		categories: make(map[string][]string),
	}
	if store != nil {
		if err := store.CreateBucket(BucketOverrides); err != nil && err != state.ErrBucketExists {
			e.logger.Warn("failed to create overrides bucket", "err", err)
		}
	}
	return e
}

// LoadConfig replaces the rule set from configuration. Malformed rule
// blocks are logged and skipped; one bad block must never take the
// evaluation path down.
func (e *Engine) LoadConfig(cfg *config.Config) {
	e.mu.Lock()

	e.rules = e.rules[:0]
	e.schedules = make(map[string]*Schedule)
	e.categories = make(map[string][]string)
	e.whitelist = e.whitelist[:0]

	for _, w := range cfg.Whitelist {
		e.whitelist = append(e.whitelist, strings.ToLower(strings.TrimSpace(w)))
	}

	for _, c := range cfg.Categories {
		name := strings.ToLower(c.Name)
		domains := make([]string, 0, len(c.Domains))
		for _, d := range c.Domains {
			domains = append(domains, strings.ToLower(strings.TrimSpace(d)))
		}
		e.categories[name] = domains
	}

	for _, s := range cfg.Schedules {
		sched, err := scheduleFromConfig(s)
		if err != nil {
			e.logger.Warn("skipping malformed schedule", "name", s.Name, "err", err)
			continue
		}
		e.schedules[sched.Name] = sched
	}

	for _, r := range cfg.Rules {
		rule, err := e.ruleFromConfig(r)
		if err != nil {
			e.logger.Warn("skipping malformed rule", "kind", r.Kind, "value", r.Value, "err", err)
			continue
		}
		e.rules = append(e.rules, rule)
	}

	e.mu.Unlock()

	e.applyOverrides()
	e.invalidate()
	e.logger.Info("policy loaded",
		"rules", len(e.rules),
		"schedules", len(e.schedules),
		"categories", len(e.categories))
}

func (e *Engine) ruleFromConfig(r config.RuleConfig) (Rule, error) {
	kind := RuleKind(r.Kind)
	value := strings.ToLower(strings.TrimSpace(r.Value))
	if value == "" {
		return Rule{}, fmt.Errorf("empty value")
	}

	switch kind {
	case KindDomain, KindDomainPattern, KindKeyword:
	case KindCategory:
		if _, ok := e.categories[value]; !ok {
			return Rule{}, fmt.Errorf("unknown category %q", value)
		}
	case KindAddress:
		if net.ParseIP(value) == nil {
			return Rule{}, fmt.Errorf("invalid address %q", value)
		}
	default:
		return Rule{}, fmt.Errorf("unknown rule kind %q", r.Kind)
	}

	if r.Schedule != "" {
		if _, ok := e.schedules[r.Schedule]; !ok {
			return Rule{}, fmt.Errorf("unknown schedule %q", r.Schedule)
		}
	}

	return Rule{
		ID:       ruleID(string(kind), value, r.Device),
		Kind:     kind,
		Value:    value,
		Enabled:  r.RuleEnabled(),
		Device:   device.NormalizeMAC(r.Device),
		Schedule: r.Schedule,
		Reason:   r.Reason,
	}, nil
}

func scheduleFromConfig(s config.ScheduleConfig) (*Schedule, error) {
	start, err := config.ParseTimeOfDay(s.Start)
	if err != nil {
		return nil, err
	}
	end, err := config.ParseTimeOfDay(s.End)
	if err != nil {
		return nil, err
	}

	days := make([]time.Weekday, 0, len(s.Days))
	for _, d := range s.Days {
		wd, err := config.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		days = append(days, wd)
	}

	cats := make([]string, 0, len(s.Categories))
	for _, c := range s.Categories {
		cats = append(cats, strings.ToLower(c))
	}

	return &Schedule{
		Name:       s.Name,
		Enabled:    s.ScheduleEnabled(),
		Days:       days,
		Start:      start,
		End:        end,
		Categories: cats,
	}, nil
}

// ruleID derives a stable identifier so API toggles survive config
// reloads.
func ruleID(kind, value, dev string) string {
	sum := sha256.Sum256([]byte(kind + "\x00" + value + "\x00" + strings.ToLower(dev)))
	return hex.EncodeToString(sum[:6])
}

// Evaluate decides whether deviceKey may reach host (optionally with a
// URL path) at time now. First match wins, most specific first:
// device-scoped explicit, global explicit, category, schedule-gated
// category, default allow.
func (e *Engine) Evaluate(deviceKey, host, path string, now time.Time) Decision {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	deviceKey = device.NormalizeMAC(deviceKey)

	// Schedule windows are weekday-sensitive, so cached decisions must
	// not outlive the day they were computed on.
	cacheKey := fmt.Sprintf("%s|%s|%s|%d|%d", deviceKey, host, path, now.Weekday(), now.Hour()*60+now.Minute())
	e.mu.RLock()
	gen := e.gen
	e.mu.RUnlock()
	if v, ok := e.cache.Load(cacheKey); ok {
		if cd := v.(cachedDecision); cd.gen == gen {
			return cd.d
		}
	}

	d := e.evaluate(deviceKey, host, path, now)
	e.cache.Store(cacheKey, cachedDecision{gen: gen, d: d})
	return d
}

func (e *Engine) evaluate(deviceKey, host, path string, now time.Time) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.isWhitelisted(host) {
		return Decision{Allowed: true, Reason: "whitelisted"}
	}

	// Pass 1: device-scoped explicit rules. Pass 2: global explicit.
	for _, scoped := range []bool{true, false} {
		for i := range e.rules {
			r := &e.rules[i]
			if !r.Enabled || r.Kind == KindCategory {
				continue
			}
			if scoped != (r.Device != "") {
				continue
			}
			if scoped && r.Device != deviceKey {
				continue
			}
			if !e.scheduleAllowsRule(r, now) {
				continue
			}
			if e.ruleMatches(r, host, path) {
				return e.denyByRule(r)
			}
		}
	}

	// Pass 3: category rules without a schedule.
	// Pass 4: schedule-gated category blocks (rule-referenced schedules
	// and schedules that name categories directly).
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled || r.Kind != KindCategory {
			continue
		}
		if r.Device != "" && r.Device != deviceKey {
			continue
		}
		if !e.scheduleAllowsRule(r, now) {
			continue
		}
		if e.hostInCategory(host, r.Value) {
			d := e.denyByRule(r)
			d.Category = r.Value
			return d
		}
	}

	for _, name := range e.scheduleNames() {
		s := e.schedules[name]
		if !s.ActiveAt(now) {
			continue
		}
		for _, cat := range s.Categories {
			if e.hostInCategory(host, cat) {
				return Decision{
					Allowed:  false,
					Reason:   "schedule:" + s.Name,
					Category: cat,
					Schedule: s.Name,
					Kind:     string(KindCategory),
				}
			}
		}
	}

	return Allow()
}

// scheduleAllowsRule reports whether the rule is currently applicable:
// rules without a schedule always apply; scheduled rules apply only in
// the active window.
func (e *Engine) scheduleAllowsRule(r *Rule, now time.Time) bool {
	if r.Schedule == "" {
		return true
	}
	s, ok := e.schedules[r.Schedule]
	return ok && s.ActiveAt(now)
}

func (e *Engine) denyByRule(r *Rule) Decision {
	reason := r.Reason
	if reason == "" {
		reason = string(r.Kind) + ":" + r.Value
	}
	return Decision{Allowed: false, Reason: reason, RuleID: r.ID, Kind: string(r.Kind)}
}

func (e *Engine) ruleMatches(r *Rule, host, path string) bool {
	switch r.Kind {
	case KindDomain:
		return domainMatches(host, r.Value)
	case KindDomainPattern:
		return domainMatches(host, strings.TrimPrefix(r.Value, "*."))
	case KindKeyword:
		return strings.Contains(host, r.Value) || strings.Contains(strings.ToLower(path), r.Value)
	case KindAddress:
		return host == r.Value
	}
	return false
}

func (e *Engine) hostInCategory(host, category string) bool {
	for _, member := range e.categories[category] {
		if domainMatches(host, member) {
			return true
		}
	}
	return false
}

func (e *Engine) isWhitelisted(host string) bool {
	for _, w := range e.whitelist {
		if domainMatches(host, w) {
			return true
		}
	}
	return false
}

// scheduleNames returns schedule names in stable order so evaluation is
// deterministic when multiple schedules match.
func (e *Engine) scheduleNames() []string {
	names := make([]string, 0, len(e.schedules))
	for n := range e.schedules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// domainMatches implements suffix-style matching: "example.com" matches
// itself and any subdomain.
func domainMatches(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// --- Mutations (dashboard write-through) ---

// Rules returns a copy of the current rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Schedules returns a copy of the current schedules.
func (e *Engine) Schedules() []Schedule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Schedule, 0, len(e.schedules))
	for _, n := range e.scheduleNames() {
		out = append(out, *e.schedules[n])
	}
	return out
}

// SetRuleEnabled toggles a rule and persists the override.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	e.mu.Lock()
	found := false
	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules[i].Enabled = enabled
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		return fmt.Errorf("unknown rule %s", id)
	}

	e.persistOverride("rule:"+id, enabled)
	e.invalidate()
	return nil
}

// SetScheduleEnabled toggles a schedule and persists the override.
func (e *Engine) SetScheduleEnabled(name string, enabled bool) error {
	e.mu.Lock()
	s, ok := e.schedules[name]
	if ok {
		s.Enabled = enabled
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown schedule %s", name)
	}

	e.persistOverride("schedule:"+name, enabled)
	e.invalidate()
	return nil
}

func (e *Engine) persistOverride(key string, enabled bool) {
	if e.store == nil {
		return
	}
	if err := e.store.SetJSON(BucketOverrides, key, enabled); err != nil {
		e.logger.Error("failed to persist policy override", "key", key, "err", err)
	}
}

// applyOverrides replays persisted toggles over a freshly loaded config.
func (e *Engine) applyOverrides() {
	if e.store == nil {
		return
	}
	list, err := e.store.List(BucketOverrides)
	if err != nil {
		e.logger.Warn("failed to read policy overrides", "err", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, raw := range list {
		enabled := string(raw) == "true"
		switch {
		case strings.HasPrefix(key, "rule:"):
			id := strings.TrimPrefix(key, "rule:")
			for i := range e.rules {
				if e.rules[i].ID == id {
					e.rules[i].Enabled = enabled
				}
			}
		case strings.HasPrefix(key, "schedule:"):
			if s, ok := e.schedules[strings.TrimPrefix(key, "schedule:")]; ok {
				s.Enabled = enabled
			}
		}
	}
}

func (e *Engine) invalidate() {
	e.mu.Lock()
	e.gen++
	e.mu.Unlock()
	e.cache.Range(func(k, _ any) bool {
		e.cache.Delete(k)
		return true
	})
}
