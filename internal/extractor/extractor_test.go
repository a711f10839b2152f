package extractor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var referenceNow = time.Date(2017, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return New(WithClock(fixedClock{now: referenceNow}))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const fullTimeline = "Applied for ILR Route : Set(O)\n" +
	"Date application sent : 19/12/2016\n" +
	"Approval/Refusal Received :23/05/2017\n" +
	"BRP Card Received 24/05/2017"

func TestExtractFullTimeline(t *testing.T) {
	t.Parallel()

	got := newTestEngine().Extract(fullTimeline)
	c := got.Case

	require.Equal(t, "SET(O)", c.ApplicationRoute)
	require.Equal(t, "ILR", c.ApplicationType)
	require.NotNil(t, c.ApplicationDate)
	require.Equal(t, day(2016, time.December, 19), *c.ApplicationDate)
	require.NotNil(t, c.DecisionDate)
	require.Equal(t, day(2017, time.May, 23), *c.DecisionDate)
	require.NotNil(t, c.WaitingDays)
	require.Equal(t, 155, *c.WaitingDays)
	require.Equal(t, crawler.OutcomeApproved, c.Outcome)
	require.GreaterOrEqual(t, c.Confidence, 0.7)
	require.True(t, got.Accepted)
	require.Equal(t, Version, c.ExtractorVersion)
	require.Equal(t, referenceNow, c.ExtractedAt)
	require.Empty(t, c.Notes)
}

func TestExtractPendingOnlyIsNotAccepted(t *testing.T) {
	t.Parallel()

	got := newTestEngine().Extract("Still waiting for biometrics appointment")

	require.Equal(t, crawler.OutcomePending, got.Case.Outcome)
	require.Less(t, got.Case.Confidence, 0.2)
	require.False(t, got.Accepted)
	require.Contains(t, got.Case.Notes, "low confidence")
}

func TestExtractPendingWithLabeledRouteReachesThreshold(t *testing.T) {
	t.Parallel()

	got := newTestEngine().Extract("Route: SET(M)\nStill waiting, nothing heard")

	require.Equal(t, "SET(M)", got.Case.ApplicationRoute)
	require.InDelta(t, AcceptScore, got.Score, 1e-9)
	require.True(t, got.Accepted)
}

func TestExtractIsDeterministic(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	require.Equal(t, e.Extract(fullTimeline), e.Extract(fullTimeline))
}

func TestExtractRejectsImplausibleDates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		wantNil bool
	}{
		{"before 2010", "Date of application: 03/04/2009", true},
		{"far future", "Date of application: 15/07/2017", true},
		{"near future", "Date of application: 20/06/2017", false},
		{"impossible day", "Date of application: 31/02/2017", true},
		{"month first is not accepted", "Date of application: 12/25/2016", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := newTestEngine().Extract(tc.body)
			if tc.wantNil {
				require.Nil(t, got.Case.ApplicationDate)
				require.Contains(t, got.Case.Notes, "application date")
				return
			}
			require.NotNil(t, got.Case.ApplicationDate)
		})
	}
}

func TestExtractWaitingDaysValidity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want *int
	}{
		{"decision before application", "Application date: 10/05/2017\nDecision received: 01/05/2017", nil},
		{"same day", "Application date: 10/05/2017\nDecision received: 10/05/2017", nil},
		{"too long", "Application date: 01/01/2012\nDecision received: 01/05/2017", nil},
		{"one day", "Application date: 09/05/2017\nDecision received: 10/05/2017", ptr(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := newTestEngine().Extract(tc.body)
			require.NotNil(t, got.Case.ApplicationDate)
			require.NotNil(t, got.Case.DecisionDate)
			if tc.want == nil {
				require.Nil(t, got.Case.WaitingDays)
				require.Contains(t, got.Case.Notes, "out of range")
				return
			}
			require.Equal(t, *tc.want, *got.Case.WaitingDays)
		})
	}
}

func TestExtractConfidenceIsMonotonic(t *testing.T) {
	t.Parallel()

	signals := []string{
		"Route: SET(O)",
		"Date application sent: 19/12/2016",
		"Decision received: 23/05/2017",
		"Biometrics done: 10/01/2017",
		"BRP card received today",
		"Processed in Sheffield",
	}
	e := newTestEngine()
	body := "Hi all, posting my timeline for anyone following."
	prev := e.Extract(body).Case.Confidence
	for _, line := range signals {
		body += "\n" + line
		next := e.Extract(body).Case.Confidence
		require.GreaterOrEqual(t, next, prev, "adding %q lowered confidence", line)
		prev = next
	}
	require.InDelta(t, 0.9, prev, 1e-9)
}

func TestExtractOutcomePriority(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body string
		want crawler.Outcome
	}{
		{"Was refused first time, now approved on appeal", crawler.OutcomeApproved},
		{"Sadly refused. Refusal letter received yesterday.", crawler.OutcomeRejected},
		{"Not approved yet, still waiting", crawler.OutcomePending},
		{"Approval/Refusal Received: nothing so far, awaiting", crawler.OutcomePending},
		{"Got my BRP this morning", crawler.OutcomeApproved},
		{"Hello everyone", crawler.OutcomeUnknown},
	}
	for _, tc := range cases {
		got := newTestEngine().Extract(tc.body)
		assert.Equal(t, tc.want, got.Case.Outcome, tc.body)
	}
}

func TestExtractFallbackRoute(t *testing.T) {
	t.Parallel()

	strong := newTestEngine().Extract("Sent my SET(F) papers last week, fingers crossed")
	require.Equal(t, "SET(F)", strong.Case.ApplicationRoute)
	require.InDelta(t, WeightFallbackStrong, strong.Score, 1e-9)
	require.Contains(t, strong.Case.Notes, "route inferred")

	weak := newTestEngine().Extract("Applying on the 10 year long residence route soon")
	require.Equal(t, "LONG RESIDENCE (10 YEAR)", weak.Case.ApplicationRoute)
	require.InDelta(t, WeightFallbackWeak, weak.Score, 1e-9)
}

func TestExtractLabeledTierRoute(t *testing.T) {
	t.Parallel()

	got := newTestEngine().Extract("Visa type: Tier 2 (General) extension")
	require.Equal(t, "TIER 2", got.Case.ApplicationRoute)
	require.Equal(t, "VISA", got.Case.ApplicationType)
}

func TestExtractBiometricsAndServiceCentre(t *testing.T) {
	t.Parallel()

	got := newTestEngine().Extract("Biometrics appointment: 3rd February 2017 at Croydon PEO\nDecision received on May 2, 2017")
	require.NotNil(t, got.Case.BiometricsDate)
	require.Equal(t, day(2017, time.February, 3), *got.Case.BiometricsDate)
	require.Equal(t, "Croydon", got.Case.ServiceCenter)
	require.NotNil(t, got.Case.DecisionDate)
	require.Equal(t, day(2017, time.May, 2), *got.Case.DecisionDate)
}

func TestExtractApplicationDateIgnoresOtherSentLines(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	got := e.Extract("Application: 19/12/2016\nBRP card sent 24/05/2017\nDecision: approved")
	require.NotNil(t, got.Case.ApplicationDate)
	require.Equal(t, day(2016, time.December, 19), *got.Case.ApplicationDate)
	require.Equal(t, crawler.OutcomeApproved, got.Case.Outcome)

	got = e.Extract("BRP card sent 24/05/2017\nLetter posted 20/05/2017")
	require.Nil(t, got.Case.ApplicationDate)

	got = e.Extract("Sent my application on 02/01/2017, still waiting")
	require.NotNil(t, got.Case.ApplicationDate)
	require.Equal(t, day(2017, time.January, 2), *got.Case.ApplicationDate)

	got = e.Extract("SET(O) form posted 3/1/2017")
	require.NotNil(t, got.Case.ApplicationDate)
	require.Equal(t, day(2017, time.January, 3), *got.Case.ApplicationDate)
}

func TestEngineOptions(t *testing.T) {
	t.Parallel()

	e := New(WithVersion("rules-test"), WithClock(nil))
	require.Equal(t, "rules-test", e.Version())
	require.Equal(t, "rules-test", e.Extract("anything").Case.ExtractorVersion)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"19/12/2016", day(2016, time.December, 19), false},
		{"19.12.16", day(2016, time.December, 19), false},
		{"3-4-2017", day(2017, time.April, 3), false},
		{"19th December 2016", day(2016, time.December, 19), false},
		{"1st of Sept 2017", day(2017, time.September, 1), false},
		{"Dec 19, 2016", day(2016, time.December, 19), false},
		{"31/02/2017", time.Time{}, true},
		{"19/12/216", time.Time{}, true},
		{"tomorrow", time.Time{}, true},
	}
	for _, tc := range cases {
		got, err := parseDate(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		if assert.NoError(t, err, tc.in) {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestNormalizeRouteVocabulary(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"Set(O)":             "SET(O)",
		"set m":              "SET(M)",
		"FLR (FP)":           "FLR(FP)",
		"Spouse":             "SET(M)",
		"Tier-1 General":     "TIER 1",
		"AN1":                "NATURALISATION (AN)",
		"EU Settlement":      "EU SETTLEMENT",
		"long residence":     "LONG RESIDENCE",
		"Skilled Worker ILR": "SKILLED WORKER",
	} {
		got, ok := normalizeRoute(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := normalizeRoute("settlement of something")
	assert.False(t, ok)
	require.False(t, strings.Contains(Version, " "))
}

func ptr(v int) *int { return &v }
