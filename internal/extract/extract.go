// Package extract turns article HTML into clean plain text and runs the extraction stage.
//
// Extraction is a cascade: each strategy produces a candidate, every candidate is
// cleaned, and the first one that reaches the minimum length wins. When none does,
// the longest cleaned candidate is kept for diagnostics.
package extract

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"codeberg.org/readeck/go-readability/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultMinLength is the quality gate, in characters, for extracted text.
const DefaultMinLength = 250

// Strategy names an extraction technique.
type Strategy string

// Strategies in cascade order.
const (
	StrategyReadability Strategy = "readability"
	StrategyMainContent Strategy = "main-content"
	StrategyDOMText     Strategy = "dom-text"
	StrategyNone        Strategy = ""
)

// Result is the outcome of an extraction attempt.
type Result struct {
	Text     string
	Success  bool
	Strategy Strategy
}

const noiseSelector = "script, style, noscript, template, iframe, svg, nav, header, footer, aside, form"

var mainContentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	"div[class*=content]",
	"div[class*=article]",
	"div[class*=story]",
	"div[class*=post]",
}

// Extractor runs the strategy cascade with a configurable quality gate.
type Extractor struct {
	minLength int
	strict    *bluemonday.Policy
}

// New builds an Extractor; minLength <= 0 selects DefaultMinLength.
func New(minLength int) *Extractor {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Extractor{minLength: minLength, strict: bluemonday.StrictPolicy()}
}

// MinLength returns the configured quality gate.
func (e *Extractor) MinLength() int {
	return e.minLength
}

// Extract runs the default Extractor.
func Extract(html, pageURL string) Result {
	return New(DefaultMinLength).Extract(html, pageURL)
}

type strategyFunc func(html string, pageURL *url.URL) string

// Extract runs readability, main-content and dom-text in order.
func (e *Extractor) Extract(html, pageURL string) Result {
	if strings.TrimSpace(html) == "" {
		return Result{}
	}
	var base *url.URL
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		base = u
	}

	cascade := []struct {
		name Strategy
		run  strategyFunc
	}{
		{name: StrategyReadability, run: readabilityText},
		{name: StrategyMainContent, run: mainContentText},
		{name: StrategyDOMText, run: e.domText},
	}

	best := Result{}
	bestLen := 0
	for _, step := range cascade {
		text := Clean(step.run(html, base))
		n := utf8.RuneCountInString(text)
		if n >= e.minLength {
			return Result{Text: text, Success: true, Strategy: step.name}
		}
		if n > bestLen {
			best = Result{Text: text, Strategy: step.name}
			bestLen = n
		}
	}
	return best
}

func readabilityText(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return ""
	}
	var buf strings.Builder
	if err := article.RenderText(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func mainContentText(html string, _ *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find(noiseSelector).Remove()

	best := ""
	for _, selector := range mainContentSelectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			text := blockText(s)
			if utf8.RuneCountInString(text) > utf8.RuneCountInString(best) {
				best = text
			}
		})
	}
	return best
}

func (e *Extractor) domText(html string, _ *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return e.strict.Sanitize(html)
	}
	doc.Find(noiseSelector).Remove()
	text := blockText(doc.Find("body"))
	if strings.TrimSpace(text) == "" {
		return e.strict.Sanitize(html)
	}
	return text
}

// blockText joins paragraph-level text so adjacent blocks do not run together.
func blockText(s *goquery.Selection) string {
	var parts []string
	s.Find("h1, h2, h3, h4, h5, h6, p, li, blockquote, pre").Each(func(_ int, block *goquery.Selection) {
		if block.ParentsFiltered("p, li, blockquote").Length() > 0 {
			return
		}
		if text := strings.TrimSpace(block.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return s.Text()
	}
	return strings.Join(parts, "\n\n")
}

var boilerplate = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\badvertisement\b`),
	regexp.MustCompile(`(?i)subscribe to (?:our |the )?[^.!?]{0,80}?newsletters?[.!]?`),
	regexp.MustCompile(`(?i)sign up for [^.!?]{0,120}[.!]?`),
	regexp.MustCompile(`(?i)(?:we|this (?:web)?site) uses? cookies[^.!?]*[.!]?`),
	regexp.MustCompile(`(?i)accept (?:all )?cookies[.!]?`),
	regexp.MustCompile(`(?i)follow us on .*$`),
}

// Clean collapses whitespace and strips common page boilerplate.
func Clean(text string) string {
	out := strings.Join(strings.Fields(text), " ")
	for _, re := range boilerplate {
		out = re.ReplaceAllString(out, " ")
	}
	return strings.Join(strings.Fields(out), " ")
}
