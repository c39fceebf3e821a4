package enrich

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// DefaultMaxInputChars is how much article text is sent to the model.
const DefaultMaxInputChars = 4000

const systemInstruction = "You are an expert news analyst. You must respond ONLY with a single valid JSON object."

// PromptInput is what the model is told about an article.
type PromptInput struct {
	Title     string
	Publisher string
	URL       string
	Industry  string
	Text      string
}

// BuildRequest renders the enrichment request, truncating the article text to maxChars characters.
func BuildRequest(in PromptInput, maxChars int) pipeline.ModelRequest {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	categories := make([]string, 0, len(pipeline.Categories))
	for _, c := range pipeline.Categories {
		categories = append(categories, string(c))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this %s industry article and respond with a JSON object.\n\n", industryLabel(in.Industry))
	b.WriteString("Article details:\n")
	fmt.Fprintf(&b, "- Title: %s\n", in.Title)
	fmt.Fprintf(&b, "- Publisher: %s\n", in.Publisher)
	fmt.Fprintf(&b, "- URL: %s\n", in.URL)
	fmt.Fprintf(&b, "- Text: %s\n\n", truncateRunes(in.Text, maxChars))
	b.WriteString("Required JSON fields:\n")
	b.WriteString(`- "ai_title": concise, engaging title (max 15 words)` + "\n")
	fmt.Fprintf(&b, "- \"category\": one of %s\n", strings.Join(categories, ", "))
	b.WriteString(`- "short_summary": brief summary (max 120 words)` + "\n")
	b.WriteString(`- "long_summary": detailed summary of 300 to 500 words` + "\n")
	b.WriteString(`- "sentiment_label": positive, neutral, or negative` + "\n")
	b.WriteString(`- "sentiment_score": number between 0.0 and 1.0` + "\n")
	b.WriteString(`- "entities": list of {"type": "company|product|person", "name": "..."}` + "\n")
	b.WriteString(`- "tags": list of short keyword strings` + "\n\n")
	b.WriteString("Base the analysis only on the provided text and do not invent facts. ")
	b.WriteString("Respond with JSON only, no prose and no code fences.")

	return pipeline.ModelRequest{System: systemInstruction, Prompt: b.String()}
}

func industryLabel(industry string) string {
	if strings.TrimSpace(industry) == "" {
		return "news"
	}
	return industry
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
