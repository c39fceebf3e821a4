// Package postgres provides the Postgres-backed document store. Unique indexes on
// raw_articles.feed_item_id and ai_articles.raw_article_id enforce the pipeline's
// exactly-once guarantees.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements pipeline.Store on Postgres.
type Store struct {
	pool dbPool
}

var _ pipeline.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ErrNotFound
	}
	return err
}

// UpsertSource creates or updates a source, keeping last_polled_at and created_at.
func (s *Store) UpsertSource(ctx context.Context, src pipeline.Source) error {
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const query = `
INSERT INTO sources (id, name, industry, feed_url, poll_interval_seconds, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	industry = EXCLUDED.industry,
	feed_url = EXCLUDED.feed_url,
	poll_interval_seconds = EXCLUDED.poll_interval_seconds,
	active = EXCLUDED.active`
	_, err := s.pool.Exec(ctx, query,
		src.ID, src.Name, src.Industry, src.FeedURL,
		int64(src.PollInterval/time.Second), src.Active, createdAt,
	)
	if err != nil {
		return fmt.Errorf("upsert source %s: %w", src.ID, err)
	}
	return nil
}

const sourceColumns = `id, name, industry, feed_url, poll_interval_seconds, last_polled_at, active, created_at`

func scanSource(row pgx.Row) (pipeline.Source, error) {
	var (
		src      pipeline.Source
		interval int64
	)
	if err := row.Scan(&src.ID, &src.Name, &src.Industry, &src.FeedURL, &interval,
		&src.LastPolledAt, &src.Active, &src.CreatedAt); err != nil {
		return pipeline.Source{}, err
	}
	src.PollInterval = time.Duration(interval) * time.Second
	return src, nil
}

// GetSource fetches a source by id.
func (s *Store) GetSource(ctx context.Context, id string) (pipeline.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		return pipeline.Source{}, fmt.Errorf("get source %s: %w", id, notFound(err))
	}
	return src, nil
}

// ListSources returns every source ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]pipeline.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []pipeline.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// MarkSourcePolled records a completed poll.
func (s *Store) MarkSourcePolled(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET last_polled_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark source %s polled: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark source %s polled: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// InsertRawArticle inserts a raw article; a taken feed_item_id yields pipeline.ErrDuplicate.
func (s *Store) InsertRawArticle(ctx context.Context, a pipeline.RawArticle) error {
	payload, err := json.Marshal(a.FeedPayload)
	if err != nil {
		return fmt.Errorf("marshal feed payload: %w", err)
	}
	const query = `
INSERT INTO raw_articles (
	id, source_id, feed_item_id, url, feed_payload, raw_html, raw_html_uri, extracted_text,
	extracted_at, fetch_status, fetch_error, fetch_error_kind, created_at, last_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = s.pool.Exec(ctx, query,
		a.ID, a.SourceID, a.FeedItemID, a.URL, payload, a.RawHTML, a.RawHTMLURI, a.ExtractedText,
		a.ExtractedAt, string(a.FetchStatus), a.FetchError, string(a.FetchErrorKind), a.CreatedAt, a.LastSeenAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return pipeline.ErrDuplicate
		}
		return fmt.Errorf("insert raw article: %w", err)
	}
	return nil
}

const rawColumns = `id, source_id, feed_item_id, url, feed_payload, raw_html, raw_html_uri, extracted_text,
	extracted_at, fetch_status, fetch_error, fetch_error_kind, created_at, last_seen_at`

func scanRaw(row pgx.Row) (pipeline.RawArticle, error) {
	var (
		a       pipeline.RawArticle
		payload []byte
		status  string
		kind    string
	)
	if err := row.Scan(&a.ID, &a.SourceID, &a.FeedItemID, &a.URL, &payload, &a.RawHTML, &a.RawHTMLURI,
		&a.ExtractedText, &a.ExtractedAt, &status, &a.FetchError, &kind, &a.CreatedAt, &a.LastSeenAt); err != nil {
		return pipeline.RawArticle{}, err
	}
	if err := json.Unmarshal(payload, &a.FeedPayload); err != nil {
		return pipeline.RawArticle{}, fmt.Errorf("decode feed payload: %w", err)
	}
	a.FetchStatus = pipeline.FetchStatus(status)
	a.FetchErrorKind = pipeline.FetchErrorKind(kind)
	return a, nil
}

// GetRawArticle fetches a raw article by id.
func (s *Store) GetRawArticle(ctx context.Context, id string) (pipeline.RawArticle, error) {
	a, err := scanRaw(s.pool.QueryRow(ctx, `SELECT `+rawColumns+` FROM raw_articles WHERE id = $1`, id))
	if err != nil {
		return pipeline.RawArticle{}, fmt.Errorf("get raw article %s: %w", id, notFound(err))
	}
	return a, nil
}

// GetRawArticleByFeedItemID fetches a raw article by fingerprint.
func (s *Store) GetRawArticleByFeedItemID(ctx context.Context, feedItemID string) (pipeline.RawArticle, error) {
	a, err := scanRaw(s.pool.QueryRow(ctx, `SELECT `+rawColumns+` FROM raw_articles WHERE feed_item_id = $1`, feedItemID))
	if err != nil {
		return pipeline.RawArticle{}, fmt.Errorf("get raw article by feed item: %w", notFound(err))
	}
	return a, nil
}

// TouchRawArticle moves last_seen_at forward.
func (s *Store) TouchRawArticle(ctx context.Context, id string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_articles SET last_seen_at = GREATEST(last_seen_at, $1) WHERE id = $2`, seenAt, id)
	if err != nil {
		return fmt.Errorf("touch raw article %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch raw article %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// SaveExtraction writes the extraction fields of a raw article.
func (s *Store) SaveExtraction(ctx context.Context, id string, e pipeline.Extraction) error {
	var extractedAt *time.Time
	if !e.ExtractedAt.IsZero() {
		at := e.ExtractedAt
		extractedAt = &at
	}
	const query = `
UPDATE raw_articles SET
	raw_html = $1, raw_html_uri = $2, extracted_text = $3, extracted_at = $4,
	fetch_status = $5, fetch_error = $6, fetch_error_kind = $7
WHERE id = $8`
	tag, err := s.pool.Exec(ctx, query,
		e.RawHTML, e.RawHTMLURI, e.ExtractedText, extractedAt,
		string(e.Status), e.FetchError, string(e.FetchErrorKind), id,
	)
	if err != nil {
		return fmt.Errorf("save extraction for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save extraction for %s: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

// ListRawArticles returns a source's raw articles created at or after since, newest first.
// An empty sourceID lists every source; limit <= 0 means no limit.
func (s *Store) ListRawArticles(ctx context.Context, sourceID string, since time.Time, limit int) ([]pipeline.RawArticle, error) {
	query := `SELECT ` + rawColumns + ` FROM raw_articles
WHERE ($1 = '' OR source_id = $1) AND created_at >= $2
ORDER BY created_at DESC`
	args := []any{sourceID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list raw articles: %w", err)
	}
	defer rows.Close()
	var out []pipeline.RawArticle
	for rows.Next() {
		a, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw article: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list raw articles: %w", err)
	}
	return out, nil
}

// InsertAIArticle inserts an enrichment; a second one for the same raw article yields pipeline.ErrDuplicate.
func (s *Store) InsertAIArticle(ctx context.Context, a pipeline.AIArticle) error {
	entities, err := json.Marshal(nonNilEntities(a.Entities))
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	tags, err := json.Marshal(nonNilTags(a.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	audit, err := json.Marshal(a.RawResponse)
	if err != nil {
		return fmt.Errorf("marshal raw response: %w", err)
	}
	const query = `
INSERT INTO ai_articles (
	id, raw_article_id, ai_title, title_original, publisher, published_at, industry, category,
	short_summary, long_summary, sentiment_label, sentiment_score, entities, tags, ai_raw_response,
	created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = s.pool.Exec(ctx, query,
		a.ID, a.RawArticleID, a.AITitle, a.OriginalTitle, a.Publisher, a.PublishedAt, a.Industry,
		string(a.Category), a.ShortSummary, a.LongSummary, string(a.SentimentLabel), a.SentimentScore,
		entities, tags, audit, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return pipeline.ErrDuplicate
		}
		return fmt.Errorf("insert ai article: %w", err)
	}
	return nil
}

const aiColumns = `id, raw_article_id, ai_title, title_original, publisher, published_at, industry, category,
	short_summary, long_summary, sentiment_label, sentiment_score, entities, tags, ai_raw_response,
	created_at, updated_at`

func scanAI(row pgx.Row) (pipeline.AIArticle, error) {
	var (
		a                     pipeline.AIArticle
		category, sentiment   string
		entities, tags, audit []byte
	)
	if err := row.Scan(&a.ID, &a.RawArticleID, &a.AITitle, &a.OriginalTitle, &a.Publisher, &a.PublishedAt,
		&a.Industry, &category, &a.ShortSummary, &a.LongSummary, &sentiment, &a.SentimentScore,
		&entities, &tags, &audit, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return pipeline.AIArticle{}, err
	}
	a.Category = pipeline.Category(category)
	a.SentimentLabel = pipeline.Sentiment(sentiment)
	if err := json.Unmarshal(entities, &a.Entities); err != nil {
		return pipeline.AIArticle{}, fmt.Errorf("decode entities: %w", err)
	}
	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return pipeline.AIArticle{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(audit, &a.RawResponse); err != nil {
		return pipeline.AIArticle{}, fmt.Errorf("decode raw response: %w", err)
	}
	return a, nil
}

// GetAIArticle fetches an enriched article by id.
func (s *Store) GetAIArticle(ctx context.Context, id string) (pipeline.AIArticle, error) {
	a, err := scanAI(s.pool.QueryRow(ctx, `SELECT `+aiColumns+` FROM ai_articles WHERE id = $1`, id))
	if err != nil {
		return pipeline.AIArticle{}, fmt.Errorf("get ai article %s: %w", id, notFound(err))
	}
	return a, nil
}

// GetAIArticleByRawID fetches the enrichment of a raw article.
func (s *Store) GetAIArticleByRawID(ctx context.Context, rawArticleID string) (pipeline.AIArticle, error) {
	a, err := scanAI(s.pool.QueryRow(ctx, `SELECT `+aiColumns+` FROM ai_articles WHERE raw_article_id = $1`, rawArticleID))
	if err != nil {
		return pipeline.AIArticle{}, fmt.Errorf("get ai article for raw %s: %w", rawArticleID, notFound(err))
	}
	return a, nil
}

// DeleteAIArticleByRawID removes the enrichment of a raw article if there is one.
func (s *Store) DeleteAIArticleByRawID(ctx context.Context, rawArticleID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM ai_articles WHERE raw_article_id = $1`, rawArticleID); err != nil {
		return fmt.Errorf("delete ai article for raw %s: %w", rawArticleID, err)
	}
	return nil
}

// RecordTaskFailure retains a permanently failed task.
func (s *Store) RecordTaskFailure(ctx context.Context, f pipeline.TaskFailure) error {
	const query = `
INSERT INTO task_failures (task_id, kind, ref, attempts, category, last_error, failed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (task_id) DO UPDATE SET
	attempts = EXCLUDED.attempts,
	category = EXCLUDED.category,
	last_error = EXCLUDED.last_error,
	failed_at = EXCLUDED.failed_at`
	if _, err := s.pool.Exec(ctx, query, f.TaskID, f.Kind, f.Ref, f.Attempts, f.Category, f.LastError, f.FailedAt); err != nil {
		return fmt.Errorf("record task failure %s: %w", f.TaskID, err)
	}
	return nil
}

// ListTaskFailures returns the most recent failures first.
func (s *Store) ListTaskFailures(ctx context.Context, limit int) ([]pipeline.TaskFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT task_id, kind, ref, attempts, category, last_error, failed_at
FROM task_failures ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list task failures: %w", err)
	}
	defer rows.Close()
	var out []pipeline.TaskFailure
	for rows.Next() {
		var f pipeline.TaskFailure
		if err := rows.Scan(&f.TaskID, &f.Kind, &f.Ref, &f.Attempts, &f.Category, &f.LastError, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("scan task failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list task failures: %w", err)
	}
	return out, nil
}

func nonNilEntities(e []pipeline.Entity) []pipeline.Entity {
	if e == nil {
		return []pipeline.Entity{}
	}
	return e
}

func nonNilTags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}
