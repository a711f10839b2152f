// Package extractor turns free-text timeline posts into scored case records
// using ordered pattern rules. Extraction is pure: the same body, rule version
// and reference time always yield the same result.
package extractor

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/forum-case-harvester/internal/clock/system"
	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

// Version tags every extraction so stale results can be re-derived later.
const Version = "heuristic-v1"

// Rubric weights, out of MaxScore.
const (
	WeightRoute          = 2.0
	WeightApplication    = 1.5
	WeightDecision       = 1.5
	WeightWaitingDays    = 2.0
	WeightBiometrics     = 0.5
	WeightOutcome        = 1.0
	WeightServiceCentre  = 0.5
	WeightFallbackStrong = 1.0
	WeightFallbackWeak   = 0.5

	MaxScore = 10.0
	// AcceptScore is the minimum raw score for a case to be persisted.
	AcceptScore = 3.0
	// lowConfidence triggers an advisory note below this confidence.
	lowConfidence = 0.4
	maxWaitDays   = 999
)

// Engine applies the rule set.
type Engine struct {
	version string
	clock   crawler.Clock
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock sets the reference clock used for the future-date ceiling.
func WithClock(clock crawler.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithVersion overrides the version tag.
func WithVersion(version string) Option {
	return func(e *Engine) {
		if version != "" {
			e.version = version
		}
	}
}

// New builds an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{version: Version, clock: system.New()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Version returns the tag stamped on every extraction.
func (e *Engine) Version() string {
	return e.version
}

// Extract scores body and returns the derived case. Unparseable fields are
// never errors; they lower the score and may add notes.
func (e *Engine) Extract(body string) crawler.Extraction {
	now := e.clock.Now().UTC()
	text := strings.ReplaceAll(body, "\r\n", "\n")
	c := crawler.ExtractedCase{
		Outcome:          crawler.OutcomeUnknown,
		ExtractorVersion: e.version,
		ExtractedAt:      now,
	}
	var (
		score float64
		notes []string
	)

	if route, ok, note := labeledRoute(text); ok {
		c.ApplicationRoute = route
		score += WeightRoute
	} else {
		if note != "" {
			notes = append(notes, note)
		}
		if route, weight := bareRoute(text); weight > 0 {
			c.ApplicationRoute = route
			score += weight
			notes = append(notes, "route inferred from unlabeled mention")
		}
	}
	c.ApplicationType = applicationTypeFor(c.ApplicationRoute, text)

	appDate, note := findDate(text, applicationDateRules, now)
	if note != "" {
		notes = append(notes, "application "+note)
	}
	if appDate != nil {
		c.ApplicationDate = appDate
		score += WeightApplication
	}

	decisionDate, note := findDate(text, decisionDateRules, now)
	if note != "" {
		notes = append(notes, "decision "+note)
	}
	if decisionDate != nil {
		c.DecisionDate = decisionDate
		score += WeightDecision
	}

	if appDate != nil && decisionDate != nil {
		delta := daysBetween(*appDate, *decisionDate)
		if delta > 0 && delta <= maxWaitDays {
			c.WaitingDays = &delta
			score += WeightWaitingDays
		} else {
			notes = append(notes, fmt.Sprintf("waiting days %d out of range, likely a date parse error", delta))
		}
	}

	bioDate, note := findDate(text, biometricsDateRules, now)
	if note != "" {
		notes = append(notes, "biometrics "+note)
	}
	if bioDate != nil {
		c.BiometricsDate = bioDate
		score += WeightBiometrics
	}

	if outcome := classifyOutcome(text); outcome != crawler.OutcomeUnknown {
		c.Outcome = outcome
		score += WeightOutcome
	}

	if centre := findServiceCentre(text); centre != "" {
		c.ServiceCenter = centre
		score += WeightServiceCentre
	}

	c.Confidence = math.Min(score/MaxScore, 1)
	if c.Confidence > 0 && c.Confidence < lowConfidence {
		notes = append(notes, fmt.Sprintf("low confidence extraction (%.2f)", c.Confidence))
	}
	c.Notes = strings.Join(notes, "; ")

	return crawler.Extraction{
		Case:     c,
		Score:    score,
		Accepted: score >= AcceptScore,
	}
}

func labeledRoute(text string) (string, bool, string) {
	var note string
	for _, rule := range routeLabelRules {
		for _, m := range rule.FindAllStringSubmatch(text, -1) {
			value := strings.TrimSpace(m[1])
			if route, ok := normalizeRoute(value); ok {
				return route, true, ""
			}
			if note == "" {
				note = fmt.Sprintf("unrecognised route label %q", truncate(value, 40))
			}
		}
	}
	return "", false, note
}

func bareRoute(text string) (string, float64) {
	if m := formCode.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s(%s)", strings.ToUpper(m[1]), strings.ToUpper(m[2])), WeightFallbackStrong
	}
	if route, ok := normalizeRoute(text); ok {
		return route, WeightFallbackWeak
	}
	return "", 0
}

// findDate returns the first plausible date captured by rules, in rule order.
func findDate(text string, rules []dateRule, now time.Time) (*time.Time, string) {
	var note string
	for _, rule := range rules {
		for _, m := range rule.re.FindAllStringSubmatch(text, -1) {
			t, err := parseDate(m[1])
			if err != nil {
				if note == "" {
					note = fmt.Sprintf("date %q rejected: %v", m[1], err)
				}
				continue
			}
			if !plausible(t, now) {
				if note == "" {
					note = fmt.Sprintf("date %s rejected: outside plausible range", t.Format(time.DateOnly))
				}
				continue
			}
			return &t, ""
		}
	}
	return nil, note
}

func classifyOutcome(text string) crawler.Outcome {
	cleaned := decisionCompound.ReplaceAllString(text, "decision")
	switch {
	case anySignal(cleaned, approvalSignals):
		return crawler.OutcomeApproved
	case anySignal(cleaned, rejectionSignals):
		return crawler.OutcomeRejected
	case anySignal(cleaned, pendingSignals):
		return crawler.OutcomePending
	}
	return crawler.OutcomeUnknown
}

// anySignal reports an unnegated match of any pattern.
func anySignal(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			window := text[max(0, loc[0]-24):loc[0]]
			if !negation.MatchString(window) {
				return true
			}
		}
	}
	return false
}

// findServiceCentre returns the gazetteer entry mentioned earliest in text.
func findServiceCentre(text string) string {
	best, bestAt := "", -1
	for _, centre := range serviceCentres {
		loc := centre.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestAt == -1 || loc[0] < bestAt {
			best, bestAt = centre.label, loc[0]
		}
	}
	return best
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
