package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Word bounds enforced on model output.
const (
	MaxTitleWords        = 15
	MaxShortSummaryWords = 120
	MinLongSummaryWords  = 300
	MaxLongSummaryWords  = 500
	DefaultSentiment     = pipeline.SentimentNeutral
	DefaultSentimentScr  = 0.5
)

// Enrichment is the validated model output.
type Enrichment struct {
	AITitle        string
	Category       pipeline.Category
	ShortSummary   string
	LongSummary    string
	SentimentLabel pipeline.Sentiment
	SentimentScore float64
	Entities       []pipeline.Entity
	Tags           []string
}

// RepairContext supplies the fallbacks used when fields must be rebuilt.
type RepairContext struct {
	OriginalTitle string
	ArticleText   string
}

var errNotObject = errors.New("model response is not a JSON object")

// ParseResponse decodes the model text and repairs every field in place. Output that is
// not a JSON object is reported as pipeline.Malformed. The returned slice names the
// fields that were repaired.
func ParseResponse(content string, rc RepairContext) (Enrichment, []string, error) {
	body := stripCodeFences(content)
	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return Enrichment{}, nil, pipeline.Malformed(fmt.Errorf("decode model response: %w", err))
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Enrichment{}, nil, pipeline.Malformed(errNotObject)
	}
	enrichment, repaired := Repair(obj, rc)
	return enrichment, repaired, nil
}

// Repair validates a decoded model object against the enrichment schema.
func Repair(obj map[string]any, rc RepairContext) (Enrichment, []string) {
	var repaired []string
	mark := func(field string) { repaired = append(repaired, field) }

	var out Enrichment

	title, _ := obj["ai_title"].(string)
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		out.AITitle = truncateWords(strings.TrimSpace(rc.OriginalTitle), MaxTitleWords)
		mark("ai_title")
	case wordCount(title) > MaxTitleWords:
		out.AITitle = truncateWords(title, MaxTitleWords)
		mark("ai_title")
	default:
		out.AITitle = title
	}

	category, _ := obj["category"].(string)
	out.Category = pipeline.Category(strings.TrimSpace(category))
	if !out.Category.Valid() {
		out.Category = pipeline.DefaultCategory
		mark("category")
	}

	label, _ := obj["sentiment_label"].(string)
	out.SentimentLabel = pipeline.Sentiment(strings.ToLower(strings.TrimSpace(label)))
	if !out.SentimentLabel.Valid() {
		out.SentimentLabel = DefaultSentiment
		mark("sentiment_label")
	}

	score, ok := toScore(obj["sentiment_score"])
	if !ok {
		score = DefaultSentimentScr
		mark("sentiment_score")
	}
	out.SentimentScore = score

	long, _ := obj["long_summary"].(string)
	long = strings.Join(strings.Fields(long), " ")
	switch n := wordCount(long); {
	case n < MinLongSummaryWords:
		out.LongSummary = padWords(long, rc.ArticleText, MinLongSummaryWords)
		mark("long_summary")
	case n > MaxLongSummaryWords:
		out.LongSummary = truncateWords(long, MaxLongSummaryWords)
		mark("long_summary")
	default:
		out.LongSummary = long
	}

	short, isString := obj["short_summary"].(string)
	short = strings.TrimSpace(short)
	switch {
	case !isString || short == "":
		out.ShortSummary = truncateWords(out.LongSummary, MaxShortSummaryWords)
		mark("short_summary")
	case wordCount(short) > MaxShortSummaryWords:
		out.ShortSummary = truncateWords(short, MaxShortSummaryWords)
		mark("short_summary")
	default:
		out.ShortSummary = short
	}

	entities, clean := repairEntities(obj["entities"])
	out.Entities = entities
	if !clean {
		mark("entities")
	}

	tags, clean := repairTags(obj["tags"])
	out.Tags = tags
	if !clean {
		mark("tags")
	}

	return out, repaired
}

func repairEntities(v any) ([]pipeline.Entity, bool) {
	list, ok := v.([]any)
	if !ok {
		return []pipeline.Entity{}, false
	}
	clean := true
	out := make([]pipeline.Entity, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			clean = false
			continue
		}
		kind, _ := obj["type"].(string)
		name, _ := obj["name"].(string)
		entity := pipeline.Entity{
			Type: pipeline.EntityType(strings.ToLower(strings.TrimSpace(kind))),
			Name: strings.TrimSpace(name),
		}
		if !entity.Type.Valid() || entity.Name == "" {
			clean = false
			continue
		}
		out = append(out, entity)
	}
	return out, clean
}

func repairTags(v any) ([]string, bool) {
	list, ok := v.([]any)
	if !ok {
		return []string{}, false
	}
	clean := true
	out := make([]string, 0, len(list))
	for _, item := range list {
		tag, ok := item.(string)
		tag = strings.TrimSpace(tag)
		if !ok || tag == "" {
			clean = false
			continue
		}
		out = append(out, tag)
	}
	return out, clean
}

// toScore accepts a JSON number or a numeric string within [0,1].
func toScore(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimPrefix(s, "JSON")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// padWords extends s with words taken from source, cycling through it, until it has minWords words.
func padWords(s, source string, minWords int) string {
	words := strings.Fields(s)
	filler := strings.Fields(source)
	if len(filler) == 0 {
		return strings.Join(words, " ")
	}
	for i := 0; len(words) < minWords; i++ {
		words = append(words, filler[i%len(filler)])
	}
	return strings.Join(words, " ")
}
