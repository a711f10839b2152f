// Package parser implements the Page Extractor: it finds post fragments in a
// rendered thread page and normalizes them into crawler.Post values.
package parser

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/forum-case-harvester/internal/crawler"
)

// DefaultMinBodyLength is the shortest cleaned body worth keeping.
const DefaultMinBodyLength = 30

// Selectors locate the parts of a thread page. Defaults follow phpBB markup.
type Selectors struct {
	Post       string `mapstructure:"post"`
	Body       string `mapstructure:"body"`
	Author     string `mapstructure:"author"`
	DateTime   string `mapstructure:"datetime"`
	Quote      string `mapstructure:"quote"`
	Pagination string `mapstructure:"pagination"`
	Anchor     string `mapstructure:"anchor"`
}

// DefaultSelectors returns phpBB-style selectors.
func DefaultSelectors() Selectors {
	return Selectors{
		Post:       "div.post",
		Body:       "div.content",
		Author:     ".author .username, .author strong, .username",
		DateTime:   "time, p.author",
		Quote:      "blockquote, div.quotecontent, .bbcode_quote",
		Pagination: ".pagination",
		Anchor:     "a[name]",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if s.Post == "" {
		s.Post = d.Post
	}
	if s.Body == "" {
		s.Body = d.Body
	}
	if s.Author == "" {
		s.Author = d.Author
	}
	if s.DateTime == "" {
		s.DateTime = d.DateTime
	}
	if s.Quote == "" {
		s.Quote = d.Quote
	}
	if s.Pagination == "" {
		s.Pagination = d.Pagination
	}
	if s.Anchor == "" {
		s.Anchor = d.Anchor
	}
	return s
}

// Config controls the parser.
type Config struct {
	Selectors     Selectors
	IDAttr        string
	MinBodyLength int
	// Location interprets free-text timestamps; defaults to UTC.
	Location *time.Location
}

// Parser implements crawler.PageParser with goquery.
type Parser struct {
	cfg Config
}

// New builds a Parser, filling unset fields with defaults.
func New(cfg Config) *Parser {
	cfg.Selectors = cfg.Selectors.withDefaults()
	if cfg.IDAttr == "" {
		cfg.IDAttr = "id"
	}
	if cfg.MinBodyLength <= 0 {
		cfg.MinBodyLength = DefaultMinBodyLength
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Parser{cfg: cfg}
}

// Fragment is one candidate post element before normalization.
type Fragment struct {
	Index    int
	ID       string
	Author   string
	Body     *goquery.Selection
	DateTime string
	DateText string
}

// Parse extracts the posts and pagination total from a rendered page.
func (p *Parser) Parse(document string, page int) (crawler.ParsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return crawler.ParsedPage{}, fmt.Errorf("parse html: %w", err)
	}
	out := crawler.ParsedPage{TotalPages: p.TotalPages(doc)}
	for _, frag := range p.Fragments(doc) {
		post, ok := p.Normalize(frag, page)
		if !ok {
			out.Discarded++
			continue
		}
		out.Posts = append(out.Posts, post)
	}
	return out, nil
}

// Fragments collects the raw candidate post elements in document order.
func (p *Parser) Fragments(doc *goquery.Document) []Fragment {
	sel := p.cfg.Selectors
	var frags []Fragment
	doc.Find(sel.Post).Each(func(i int, s *goquery.Selection) {
		frag := Fragment{Index: i}
		if id, ok := s.Attr(p.cfg.IDAttr); ok {
			frag.ID = strings.TrimSpace(id)
		}
		if frag.ID == "" {
			anchor := s.Find(sel.Anchor).First()
			if name, ok := anchor.Attr("name"); ok && strings.TrimSpace(name) != "" {
				frag.ID = strings.TrimSpace(name)
			} else if id, ok := anchor.Attr("id"); ok {
				frag.ID = strings.TrimSpace(id)
			}
		}
		frag.Author = collapseSpaces(s.Find(sel.Author).First().Text())

		body := s.Find(sel.Body).First()
		if body.Length() == 0 {
			body = s
		}
		frag.Body = body

		stamps := s.Find(sel.DateTime)
		if v, ok := stamps.Filter("[datetime]").First().Attr("datetime"); ok {
			frag.DateTime = strings.TrimSpace(v)
		}
		frag.DateText = collapseSpaces(stamps.First().Text())
		frags = append(frags, frag)
	})
	return frags
}

// Normalize converts a fragment into a post. It reports false when the
// cleaned body is too short to carry information.
func (p *Parser) Normalize(frag Fragment, page int) (crawler.Post, bool) {
	body := p.CleanBody(frag.Body)
	if utf8.RuneCountInString(body) < p.cfg.MinBodyLength {
		return crawler.Post{}, false
	}
	id := frag.ID
	if id == "" {
		id = fmt.Sprintf("page%d-post%d", page, frag.Index)
	}
	post := crawler.Post{
		ExternalID: id,
		Author:     frag.Author,
		Body:       body,
		Page:       page,
	}
	if ts, ok := p.postedAt(frag); ok {
		post.PostedAt = &ts
	}
	return post, true
}

var blockElements = "p, div, li, tr, h1, h2, h3, h4, h5, h6, dd, dt"

// CleanBody strips quoted replies, then converts the remaining markup to
// whitespace-normalized text with line breaks preserved.
func (p *Parser) CleanBody(body *goquery.Selection) string {
	if body == nil || body.Length() == 0 {
		return ""
	}
	clone := body.Clone()
	for {
		quotes := clone.Find(p.cfg.Selectors.Quote)
		if quotes.Length() == 0 {
			break
		}
		quotes.Remove()
	}
	clone.Find("script, style, noscript").Remove()
	clone.Find("br").ReplaceWithHtml("\n")
	clone.Find(blockElements).AppendHtml("\n")
	return cleanText(clone.Text())
}

var horizontalSpace = regexp.MustCompile(`[ \t\f\v\p{Zs}]+`)

var invisibleReplacer = strings.NewReplacer("\u200b", "", "\ufeff", "", "\r\n", "\n", "\r", "\n")

func cleanText(s string) string {
	s = html.UnescapeString(s)
	s = invisibleReplacer.Replace(s)
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	pageOfTotal = regexp.MustCompile(`(?i)\bpage\s+(\d+)\s+of\s+(\d+)\b`)
	// freeTextStamp matches "Mon Dec 19, 2016 3:45 pm".
	freeTextStamp = regexp.MustCompile(`(?i)\b(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*\.?,?\s+([a-z]{3,9})\.?\s+(\d{1,2}),?\s+(\d{4}),?\s+(\d{1,2}):(\d{2})\s*([ap])\.?m\.?`)
	monthPrefixes = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
	}
)

// TotalPages reads the explicit "page X of Y" indicator, falling back to the
// highest numbered pagination link, then to 1. Without a pagination block the
// indicator is looked for outside the posts, whose bodies are user text.
func (p *Parser) TotalPages(doc *goquery.Document) int {
	pagination := doc.Find(p.cfg.Selectors.Pagination)
	scope := pagination.Text()
	if pagination.Length() == 0 {
		chrome := doc.Selection.Clone()
		chrome.Find(p.cfg.Selectors.Post).Remove()
		scope = chrome.Text()
	}
	if m := pageOfTotal.FindStringSubmatch(scope); m != nil {
		if total, err := strconv.Atoi(m[2]); err == nil && total > 0 {
			return total
		}
	}
	highest := 0
	pagination.Find("a, span, strong, li").Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(s.Text())); err == nil && n > highest {
			highest = n
		}
	})
	if highest > 0 {
		return highest
	}
	return 1
}

func (p *Parser) postedAt(frag Fragment) (time.Time, bool) {
	if frag.DateTime != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly} {
			if t, err := time.ParseInLocation(layout, frag.DateTime, p.cfg.Location); err == nil {
				return t.UTC(), true
			}
		}
	}
	return parseFreeTextStamp(frag.DateText, p.cfg.Location)
}

func parseFreeTextStamp(text string, loc *time.Location) (time.Time, bool) {
	m := freeTextStamp.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	month, ok := monthPrefixes[strings.ToLower(m[1])[:3]]
	if !ok {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	if hour < 1 || hour > 12 || minute > 59 {
		return time.Time{}, false
	}
	hour %= 12
	if strings.EqualFold(m[6], "p") {
		hour += 12
	}
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Day() != day {
		return time.Time{}, false
	}
	return t.UTC(), true
}
