package extractor

import (
	"fmt"
	"regexp"
	"strings"
)

type dateRule struct {
	name string
	re   *regexp.Regexp
}

func newDateRules(labels ...string) []dateRule {
	rules := make([]dateRule, 0, len(labels))
	for _, label := range labels {
		rules = append(rules, dateRule{
			name: label,
			re:   regexp.MustCompile(`(?i)` + label + labelSep + dateExpr),
		})
	}
	return rules
}

// Date labels, most specific first.
var (
	applicationDateRules = newDateRules(
		`\bdate\s+(?:of\s+)?application(?:\s+(?:sent|submitted|posted|made|lodged))?`,
		`\bapplication\s+(?:sent|submitted|posted|made|lodged|date|dated)`,
		`\bapplied\s+(?:on|date)\b`,
		`\bapplication[^\S\n]*[:\-–=]`,
		`\bapplied`,
		// Bare "sent" lines also describe cards, letters and emails, so the
		// verb only counts next to an application noun or a date label.
		`\b(?:application|form|visa|ilr|flr)[^\S\n]+(?:sent|posted|submitted)`,
		`\b(?:sent|posted|submitted)[^\S\n]+(?:(?:my|the|our)[^\S\n]+)?(?:application|form|visa)`,
		`\bdate[^\S\n]+(?:sent|posted|submitted)`,
	)
	decisionDateRules = newDateRules(
		`\bapproval\s*/\s*refusal(?:\s+(?:received|date|letter|email))?`,
		`\bdecision(?:\s+(?:received|date|made|email|letter))?`,
		`\b(?:ilr|visa|application)\s+(?:granted|approved|refused|decided)`,
		`\b(?:approved|approval|granted)(?:\s+(?:received|date|email|letter))?`,
		`\b(?:refused|refusal|rejected)(?:\s+(?:received|date|letter|email))?`,
	)
	biometricsDateRules = newDateRules(
		`\bbio(?:metric)?s?(?:\s+(?:done|appointment|appt|date|completed|enrol(?:l?ment|led)|given|attended|submitted))*`,
		`\b(?:uk\s*vcas|ssc|sopra(?:\s+steria)?)(?:\s+(?:appointment|appt|visit))?`,
	)
)

// routeLabelRules capture the value of a labeled route line, in priority order.
var routeLabelRules = []*regexp.Regexp{
	regexp.MustCompile(`(?im)\broute[^\S\n]*[:\-–=][^\S\n]*(.+)$`),
	regexp.MustCompile(`(?im)\b(?:application|visa)\s+(?:type|category)[^\S\n]*[:\-–=][^\S\n]*(.+)$`),
	regexp.MustCompile(`(?im)\bcategory[^\S\n]*[:\-–=][^\S\n]*(.+)$`),
	regexp.MustCompile(`(?im)\b(?:application\s+)?form[^\S\n]*[:\-–=][^\S\n]*(.+)$`),
	regexp.MustCompile(`(?im)\bapplied\s+(?:for|under)[^\S\n]*[:\-–=]?[^\S\n]*(.+)$`),
}

type routeTerm struct {
	re    *regexp.Regexp
	label string
}

// routeVocabulary maps free-text route spellings onto normalized labels.
var routeVocabulary = []routeTerm{
	{regexp.MustCompile(`\bset\s*\(\s*o\s*\)|\bset[\s-]*o\b`), "SET(O)"},
	{regexp.MustCompile(`\bset\s*\(\s*m\s*\)|\bset[\s-]*m\b`), "SET(M)"},
	{regexp.MustCompile(`\bset\s*\(\s*f\s*\)|\bset[\s-]*f\b`), "SET(F)"},
	{regexp.MustCompile(`\bset\s*\(\s*lr\s*\)|\bset[\s-]*lr\b`), "SET(LR)"},
	{regexp.MustCompile(`\bset\s*\(\s*prot\s*\)|\bset[\s-]*prot\b`), "SET(PROT)"},
	{regexp.MustCompile(`\bflr\s*\(\s*m\s*\)|\bflr[\s-]*m\b`), "FLR(M)"},
	{regexp.MustCompile(`\bflr\s*\(\s*fp\s*\)|\bflr[\s-]*fp\b`), "FLR(FP)"},
	{regexp.MustCompile(`\bflr\s*\(\s*o\s*\)|\bflr[\s-]*o\b`), "FLR(O)"},
	{regexp.MustCompile(`\b(?:10|ten)[\s-]*y(?:ea)?rs?\b[^\n]*\b(?:long\s+residence|lr)\b|\blong\s+residence\b[^\n]*\b(?:10|ten)[\s-]*y`), "LONG RESIDENCE (10 YEAR)"},
	{regexp.MustCompile(`\b(?:14|fourteen)[\s-]*y(?:ea)?rs?\b[^\n]*\b(?:long\s+residence|lr)\b`), "LONG RESIDENCE (14 YEAR)"},
	{regexp.MustCompile(`\blong\s+residence\b`), "LONG RESIDENCE"},
	{regexp.MustCompile(`\btier\s*-?\s*([1-5])\b`), "TIER %s"},
	{regexp.MustCompile(`\bskilled\s+worker\b`), "SKILLED WORKER"},
	{regexp.MustCompile(`\bglobal\s+talent\b`), "GLOBAL TALENT"},
	{regexp.MustCompile(`\bspouse\b|\bunmarried\s+partner\b|\bpartner\s+visa\b`), "SET(M)"},
	{regexp.MustCompile(`\ban\s*-?\s*1\b|\bnaturali[sz]ation\b`), "NATURALISATION (AN)"},
	{regexp.MustCompile(`\beu\s+settlement\b|\beuss\b`), "EU SETTLEMENT"},
}

// formCode matches an explicit parenthesised form code anywhere in a body.
var formCode = regexp.MustCompile(`(?i)\b(set|flr)\s*\(\s*(o|m|f|lr|fp|prot)\s*\)`)

func normalizeRoute(value string) (string, bool) {
	lower := strings.ToLower(value)
	for _, term := range routeVocabulary {
		m := term.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		if strings.Contains(term.label, "%s") && len(m) > 1 {
			return fmt.Sprintf(term.label, m[1]), true
		}
		return term.label, true
	}
	return "", false
}

// applicationTypeFor derives the broad application type from a route label,
// falling back to keywords in the body.
func applicationTypeFor(route, text string) string {
	switch {
	case strings.HasPrefix(route, "SET"), strings.HasPrefix(route, "LONG RESIDENCE"):
		return "ILR"
	case strings.HasPrefix(route, "FLR"):
		return "FLR"
	case strings.HasPrefix(route, "NATURALISATION"):
		return "CITIZENSHIP"
	case route == "EU SETTLEMENT":
		return "EUSS"
	case route != "":
		return "VISA"
	}
	switch {
	case ilrMention.MatchString(text):
		return "ILR"
	case flrMention.MatchString(text):
		return "FLR"
	case citizenshipMention.MatchString(text):
		return "CITIZENSHIP"
	}
	return ""
}

var (
	ilrMention         = regexp.MustCompile(`(?i)\bilr\b|\bindefinite\s+leave\b`)
	flrMention         = regexp.MustCompile(`(?i)\bflr\b|\bfurther\s+leave\b`)
	citizenshipMention = regexp.MustCompile(`(?i)\bnaturali[sz]ation\b|\bcitizenship\b`)
)

// Outcome indicators. Approval beats rejection beats pending.
var (
	decisionCompound = regexp.MustCompile(`(?i)\bapproval\s*/\s*refusal\b|\bapproved\s*/\s*refused\b`)
	approvalSignals  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:approved|granted)\b`),
		regexp.MustCompile(`(?i)\bapproval\s+(?:email|letter|received|notification)\b`),
		regexp.MustCompile(`(?i)\b(?:brp|residence\s+permit|card)\s+(?:card\s+)?(?:received|arrived|collected|delivered)\b`),
		regexp.MustCompile(`(?i)\b(?:received|got|collected)\s+(?:my\s+|the\s+|our\s+)?(?:brp|residence\s+permit)\b`),
		regexp.MustCompile(`(?i)\bstatus\s+(?:changed|updated)\s+to\s+(?:settled|approved|granted)\b`),
	}
	rejectionSignals = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:refused|rejected|declined|denied)\b`),
		regexp.MustCompile(`(?i)\brefusal\s+(?:letter|email|received|notice)\b`),
	}
	pendingSignals = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:still\s+waiting|awaiting|waiting\s+for)\b`),
		regexp.MustCompile(`(?i)\bno\s+(?:decision|news|update)\s+yet\b`),
		regexp.MustCompile(`(?i)\b(?:pending|in\s+progress)\b`),
	}
	negation = regexp.MustCompile(`(?i)(?:\bnot|\bno|\bnever|n't)(?:\s+(?:yet|been|be|heard))*\s*$`)
)

// serviceCentres maps gazetteer spellings to a canonical centre name.
var serviceCentres = []routeTerm{
	{regexp.MustCompile(`(?i)\bsheffield\b|\bvulcan\s+house\b`), "Sheffield"},
	{regexp.MustCompile(`(?i)\bcroydon\b|\blunar\s+house\b`), "Croydon"},
	{regexp.MustCompile(`(?i)\bliverpool\b|\breliance\s+house\b|\bcapital\s+building\b`), "Liverpool"},
	{regexp.MustCompile(`(?i)\bsolihull\b`), "Solihull"},
	{regexp.MustCompile(`(?i)\bcardiff\b`), "Cardiff"},
	{regexp.MustCompile(`(?i)\bbelfast\b`), "Belfast"},
	{regexp.MustCompile(`(?i)\bglasgow\b`), "Glasgow"},
	{regexp.MustCompile(`(?i)\bdurham\b`), "Durham"},
}
