package parser

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

const threadPage = `<html><body>
<div class="pagination">Page <strong>2</strong> of <strong>14</strong>
  <a href="?t=1">1</a> <strong>2</strong> <a href="?t=1&start=30">3</a> <span>…</span> <a href="?t=1&start=195">14</a>
</div>
<div id="p1001" class="post">
  <p class="author">by <a class="username">alice</a> » Mon Dec 19, 2016 3:45 pm</p>
  <div class="content">Applied for ILR Route : Set(O)<br>Date application sent : 19/12/2016<br/>
    <blockquote><div><cite>bob wrote:</cite>Quoted text SHOULD NOT appear
      <blockquote>nested quote also gone</blockquote></div></blockquote>
    Fish &amp; chips &nbsp;   with   extra    spaces and a long enough tail.
  </div>
</div>
<div class="post">
  <a name="p1002"></a>
  <p class="author"><time datetime="2017-05-23T10:15:00+01:00">Tue May 23, 2017 10:15 am</time> <span class="username">carol</span></p>
  <div class="content">Approval received today, BRP card to follow soon hopefully.</div>
</div>
<div class="post">
  <p class="author"><span class="username">dave</span> Wed May 24, 2017 12:05 am</p>
  <div class="content"><p>Congratulations to everyone</p><p>who got approved this week!</p></div>
</div>
<div id="p1004" class="post">
  <div class="content">+1 thanks</div>
</div>
<div id="p1005" class="post">
  <div class="content"><blockquote>A very long quoted message that is the only content here</blockquote>Agreed</div>
</div>
</body></html>`

func TestParseThreadPage(t *testing.T) {
	t.Parallel()

	got, err := New(Config{}).Parse(threadPage, 2)
	require.NoError(t, err)
	require.Equal(t, 14, got.TotalPages)
	require.Equal(t, 2, got.Discarded)
	require.Len(t, got.Posts, 3)

	first := got.Posts[0]
	require.Equal(t, "p1001", first.ExternalID)
	require.Equal(t, "alice", first.Author)
	require.Equal(t, 2, first.Page)
	require.Equal(t,
		"Applied for ILR Route : Set(O)\nDate application sent : 19/12/2016\nFish & chips with extra spaces and a long enough tail.",
		first.Body)
	require.NotNil(t, first.PostedAt)
	require.Equal(t, time.Date(2016, time.December, 19, 15, 45, 0, 0, time.UTC), *first.PostedAt)

	second := got.Posts[1]
	require.Equal(t, "p1002", second.ExternalID, "anchor name is used when the element has no id")
	require.Equal(t, "carol", second.Author)
	require.Equal(t, time.Date(2017, time.May, 23, 9, 15, 0, 0, time.UTC), *second.PostedAt)

	third := got.Posts[2]
	require.Equal(t, "page2-post2", third.ExternalID)
	require.Equal(t, "Congratulations to everyone\nwho got approved this week!", third.Body)
	require.Equal(t, time.Date(2017, time.May, 24, 0, 5, 0, 0, time.UTC), *third.PostedAt)
}

func TestCleanBodyStripsNestedQuotes(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<div class="content">Keep me<div class="quotecontent">drop<blockquote>drop deeper<div class="quotecontent">deepest</div></blockquote></div> and me</div>`))
	require.NoError(t, err)

	got := New(Config{}).CleanBody(doc.Find("div.content").First())
	require.Equal(t, "Keep me and me", got)
	require.NotContains(t, got, "drop")
}

func TestCleanBodyIgnoresMarkupDifferences(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	body := func(markup string) string {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
		require.NoError(t, err)
		return p.CleanBody(doc.Find("div").First())
	}
	a := body(`<div class="content" id="x"><span style="color:red" class="c">Approved   today</span></div>`)
	b := body(`<div id="x" class="content"><span class="c" style="color:red">Approved today</span></div>`)
	require.Equal(t, a, b)
}

func TestTotalPagesFallbacks(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	cases := map[string]int{
		`<div class="pagination"><a>1</a><a>2</a><a>37</a><a>Next</a></div>`: 37,
		`<div class="pagination"></div>`:                                      1,
		`<p>Nothing here</p>`:                                                 1,
		`<p>Viewing page 3 of 9</p>`:                                          9,
		`<div class="post"><div class="content">I'm on page 3 of 10 of the form</div></div>`: 1,
		`<p>Page 2 of 4</p><div class="post"><div class="content">page 3 of 10 of the form</div></div>`: 4,
	}
	for markup, want := range cases {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
		require.NoError(t, err)
		require.Equal(t, want, p.TotalPages(doc), markup)
	}
}

func TestParseFreeTextStamp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"Mon Dec 19, 2016 3:45 pm", time.Date(2016, time.December, 19, 15, 45, 0, 0, time.UTC), true},
		{"Sunday January 1, 2017 12:00 am", time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC), true},
		{"Fri Mar 3 2017 12:30 PM", time.Date(2017, time.March, 3, 12, 30, 0, 0, time.UTC), true},
		{"Thu Feb 30, 2017 1:00 pm", time.Time{}, false},
		{"yesterday at noon", time.Time{}, false},
	}
	for _, tc := range cases {
		got, ok := parseFreeTextStamp(tc.in, time.UTC)
		require.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestFallbackIDsDependOnPosition(t *testing.T) {
	t.Parallel()

	page := `<div class="post"><div class="content">First anonymous post with enough text.</div></div>
<div class="post"><div class="content">Second anonymous post with enough text.</div></div>`
	got, err := New(Config{}).Parse(page, 5)
	require.NoError(t, err)
	require.Len(t, got.Posts, 2)
	require.Equal(t, "page5-post0", got.Posts[0].ExternalID)
	require.Equal(t, "page5-post1", got.Posts[1].ExternalID)
}
