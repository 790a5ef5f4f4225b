// Package alert scans observed hostnames, URLs, and body content for
// configured keyword categories and synthesizes alert records. Matching
// never blocks traffic by itself; blocking stays with the policy engine.
package alert

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agext/levenshtein"

	"grimm.is/warden/internal/config"
)

// Severity levels, ordered weakest to strongest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityAtLeast reports whether severity s meets threshold min.
func SeverityAtLeast(s, min string) bool {
	return severityRank[strings.ToLower(s)] >= severityRank[strings.ToLower(min)]
}

// Keyword is one configured word or phrase to watch for.
type Keyword struct {
	Word     string `json:"word"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Variants bool   `json:"variants"`

	// variantRe matches homoglyph substitutions (leetspeak) when the
	// variants flag is set. Built once at load.
	variantRe *regexp.Regexp
}

// homoglyphs maps letters to character classes covering the common
// digit/symbol stand-ins.
var homoglyphs = map[rune]string{
	'a': "[a@4]",
	'b': "[b8]",
	'e': "[e3]",
	'i': "[i1!]",
	'l': "[l1]",
	'o': "[o0]",
	's': "[s$5]",
	't': "[t7+]",
}

func newKeyword(kc config.KeywordConfig) (Keyword, error) {
	word := strings.ToLower(strings.TrimSpace(kc.Word))
	if word == "" {
		return Keyword{}, fmt.Errorf("empty keyword")
	}

	severity := strings.ToLower(kc.Severity)
	if severity == "" {
		severity = SeverityMedium
	}
	if _, ok := severityRank[severity]; !ok {
		return Keyword{}, fmt.Errorf("unknown severity %q", kc.Severity)
	}

	k := Keyword{
		Word:     word,
		Category: strings.ToLower(kc.Category),
		Severity: severity,
		Variants: kc.Variants,
	}

	if kc.Variants {
		var b strings.Builder
		for _, r := range word {
			if class, ok := homoglyphs[r]; ok {
				b.WriteString(class)
			} else {
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		re, err := regexp.Compile("(?i)" + b.String())
		if err != nil {
			return Keyword{}, fmt.Errorf("variant pattern for %q: %w", word, err)
		}
		k.variantRe = re
	}

	return k, nil
}

// match returns the matched text if the keyword occurs in text (already
// lowercased), or "".
func (k *Keyword) match(text string) string {
	if idx := strings.Index(text, k.Word); idx >= 0 {
		return text[idx : idx+len(k.Word)]
	}

	if !k.Variants {
		return ""
	}

	if m := k.variantRe.FindString(text); m != "" {
		return m
	}

	// Misspelling tolerance: single-token keywords accept one edit.
	if !strings.ContainsAny(k.Word, " \t") && len(k.Word) >= 5 {
		for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		}) {
			if len(tok) < len(k.Word)-1 || len(tok) > len(k.Word)+1 {
				continue
			}
			if levenshtein.Distance(tok, k.Word, nil) <= 1 {
				return tok
			}
		}
	}

	return ""
}
