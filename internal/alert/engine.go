package alert

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/events"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
)

// Alert is one keyword detection. Mutated only by read/resolve state
// transitions; never auto-deleted.
type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceMAC string    `json:"device_mac"`
	Severity  string    `json:"severity"`
	Category  string    `json:"category"`
	Keyword   string    `json:"keyword"`
	Matched   string    `json:"matched"`
	SourceRef string    `json:"source_ref"` // transaction or query id
	Read      bool      `json:"read"`
	Resolved  bool      `json:"resolved"`
}

// Engine matches configured keywords against scanned text.
type Engine struct {
	logger *logging.Logger
	hub    *events.Hub

	mu       sync.RWMutex
	keywords []Keyword

	// sink receives every raised alert, typically the traffic store's
	// append queue.
	sink func(Alert)

	// seen dedupes alerts per (sourceRef, keyword) so re-scanning the
	// same source never produces duplicates. Entries expire to bound
	// memory over long runs.
	seenMu sync.Mutex
	seen   map[string]time.Time
}

const seenTTL = 10 * time.Minute

// NewEngine creates an engine with no keywords loaded.
func NewEngine(hub *events.Hub, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		logger: logger.WithComponent("alert"),
		hub:    hub,
		seen:   make(map[string]time.Time),
	}
}

// SetSink registers a destination for raised alerts. Set once during
// wiring, before any scanning starts.
func (e *Engine) SetSink(sink func(Alert)) {
	e.sink = sink
}

// LoadConfig replaces the keyword set. Malformed keyword blocks are
// logged and skipped.
func (e *Engine) LoadConfig(cfg *config.Config) {
	kws := make([]Keyword, 0, len(cfg.Keywords))
	for _, kc := range cfg.Keywords {
		k, err := newKeyword(kc)
		if err != nil {
			e.logger.Warn("skipping malformed keyword", "word", kc.Word, "err", err)
			continue
		}
		kws = append(kws, k)
	}

	e.mu.Lock()
	e.keywords = kws
	e.mu.Unlock()

	e.logger.Info("keywords loaded", "count", len(kws))
}

// Keywords returns a copy of the loaded keywords.
func (e *Engine) Keywords() []Keyword {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Keyword, len(e.keywords))
	copy(out, e.keywords)
	return out
}

// MaxKeywordLen returns the longest configured keyword, used by
// streaming scanners to size their overlap window.
func (e *Engine) MaxKeywordLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	max := 0
	for i := range e.keywords {
		if n := len(e.keywords[i].Word); n > max {
			max = n
		}
	}
	return max
}

// Scan matches all keywords against text and returns one alert per
// distinct keyword match. Matches already recorded for sourceRef are
// suppressed, so scanning the same source twice is idempotent.
func (e *Engine) Scan(deviceMAC, sourceRef, text string) []Alert {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	e.mu.RLock()
	kws := e.keywords
	e.mu.RUnlock()

	var alerts []Alert
	now := clock.Now()

	for i := range kws {
		k := &kws[i]
		matched := k.match(lower)
		if matched == "" {
			continue
		}
		if !e.markSeen(sourceRef, k.Word, now) {
			continue
		}

		a := Alert{
			ID:        uuid.New().String(),
			Timestamp: now,
			DeviceMAC: deviceMAC,
			Severity:  k.Severity,
			Category:  k.Category,
			Keyword:   k.Word,
			Matched:   matched,
			SourceRef: sourceRef,
		}
		alerts = append(alerts, a)

		if e.sink != nil {
			e.sink(a)
		}
		metrics.Get().Alerts.WithLabelValues(a.Severity).Inc()
		if e.hub != nil {
			e.hub.Publish(events.Event{
				Type:   events.EventAlert,
				Source: "alert",
				Data: events.AlertData{
					ID: a.ID, DeviceMAC: a.DeviceMAC, Severity: a.Severity,
					Category: a.Category, Keyword: a.Keyword, SourceRef: a.SourceRef,
				},
			})
		}
	}

	return alerts
}

// markSeen returns false if the (sourceRef, keyword) pair was already
// recorded recently.
func (e *Engine) markSeen(sourceRef, word string, now time.Time) bool {
	key := sourceRef + "\x00" + word

	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	if ts, ok := e.seen[key]; ok && now.Sub(ts) < seenTTL {
		return false
	}
	e.seen[key] = now

	// Opportunistic cleanup keeps the map bounded without a background
	// goroutine.
	if len(e.seen) > 16384 {
		for k, ts := range e.seen {
			if now.Sub(ts) >= seenTTL {
				delete(e.seen, k)
			}
		}
	}
	return true
}

// MatchedTerms returns the keywords recorded against sourceRef, for
// tagging the source record itself.
func (e *Engine) MatchedTerms(sourceRef string) []string {
	prefix := sourceRef + "\x00"

	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	var terms []string
	for key := range e.seen {
		if strings.HasPrefix(key, prefix) {
			terms = append(terms, key[len(prefix):])
		}
	}
	sort.Strings(terms)
	return terms
}
