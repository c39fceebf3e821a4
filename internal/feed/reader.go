// Package feed polls RSS/Atom sources and admits new entries into the pipeline.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// DefaultTimeout bounds a single feed download.
const DefaultTimeout = 30 * time.Second

// Entry is one feed item as delivered by the source.
type Entry struct {
	Title       string
	Link        string
	Description string
	Published   string
	PublishedAt *time.Time
	GUID        string
	Publisher   string
}

// ReaderConfig controls feed downloads.
type ReaderConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// Reader downloads and parses feeds with gofeed.
type Reader struct {
	parser  *gofeed.Parser
	timeout time.Duration
}

// NewReader builds a Reader. client may be nil.
func NewReader(cfg ReaderConfig, client *http.Client) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	fp := gofeed.NewParser()
	fp.Client = client
	if cfg.UserAgent != "" {
		fp.UserAgent = cfg.UserAgent
	}
	return &Reader{parser: fp, timeout: cfg.Timeout}
}

// Read fetches feedURL and returns its entries. Non-2xx responses become *pipeline.StatusError.
func (r *Reader) Read(ctx context.Context, feedURL string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	parsed, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		var httpErr gofeed.HTTPError
		if errors.As(err, &httpErr) {
			return nil, &pipeline.StatusError{URL: feedURL, StatusCode: httpErr.StatusCode}
		}
		return nil, fmt.Errorf("read feed %s: %w", feedURL, err)
	}
	return entriesFrom(parsed), nil
}

// Parse reads an RSS or Atom document from r.
func Parse(r io.Reader) ([]Entry, error) {
	parsed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return entriesFrom(parsed), nil
}

func entriesFrom(parsed *gofeed.Feed) []Entry {
	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		entry := Entry{
			Title:       strings.TrimSpace(item.Title),
			Link:        strings.TrimSpace(item.Link),
			Description: strings.TrimSpace(item.Description),
			Published:   strings.TrimSpace(item.Published),
			GUID:        item.GUID,
		}
		if entry.Link == "" && len(item.Links) > 0 {
			entry.Link = strings.TrimSpace(item.Links[0])
		}
		switch {
		case item.PublishedParsed != nil:
			ts := item.PublishedParsed.UTC()
			entry.PublishedAt = &ts
		case item.UpdatedParsed != nil:
			ts := item.UpdatedParsed.UTC()
			entry.PublishedAt = &ts
		}
		if dc := item.DublinCoreExt; dc != nil && len(dc.Publisher) > 0 {
			entry.Publisher = strings.TrimSpace(dc.Publisher[0])
		}
		entries = append(entries, entry)
	}
	return entries
}
