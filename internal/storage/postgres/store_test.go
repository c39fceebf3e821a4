package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

var storeNow = time.Unix(1704067200, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

var rawColumnNames = []string{
	"id", "source_id", "feed_item_id", "url", "feed_payload", "raw_html", "raw_html_uri", "extracted_text",
	"extracted_at", "fetch_status", "fetch_error", "fetch_error_kind", "created_at", "last_seen_at",
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sources").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, schemaSQL, "raw_articles_feed_item_id_key ON raw_articles (feed_item_id)")
	require.Contains(t, schemaSQL, "ai_articles_raw_article_id_key ON ai_articles (raw_article_id)")
}

func TestInsertRawArticle(t *testing.T) {
	t.Parallel()

	article := pipeline.RawArticle{
		ID:          "raw-1",
		SourceID:    "src-1",
		FeedItemID:  "fp-1",
		URL:         "https://n.example/a1",
		FeedPayload: pipeline.FeedPayload{Title: "A1", Link: "https://n.example/a1", Publisher: "Reuters"},
		FetchStatus: pipeline.FetchStatusFetched,
		CreatedAt:   storeNow,
		LastSeenAt:  storeNow,
	}

	t.Run("inserted", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO raw_articles").
			WithArgs(
				"raw-1", "src-1", "fp-1", "https://n.example/a1",
				[]byte(`{"title":"A1","link":"https://n.example/a1","publisher":"Reuters"}`),
				"", "", "", (*time.Time)(nil), "fetched", "", "", storeNow, storeNow,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.InsertRawArticle(context.Background(), article))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate fingerprint", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO raw_articles").
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "raw_articles_feed_item_id_key"})

		err := store.InsertRawArticle(context.Background(), article)
		require.ErrorIs(t, err, pipeline.ErrDuplicate)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetRawArticle(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		extractedAt := storeNow.Add(time.Minute)
		rows := pgxmock.NewRows(rawColumnNames).AddRow(
			"raw-1", "src-1", "fp-1", "https://n.example/a1",
			[]byte(`{"title":"A1","link":"https://n.example/a1","publisher":"Reuters"}`),
			"<html></html>", "gs://bucket/raw-1.html", "body text", &extractedAt,
			"fetched", "", "", storeNow, storeNow,
		)
		mock.ExpectQuery("SELECT (.+) FROM raw_articles WHERE id = \\$1").WithArgs("raw-1").WillReturnRows(rows)

		got, err := store.GetRawArticle(context.Background(), "raw-1")
		require.NoError(t, err)
		require.Equal(t, "Reuters", got.FeedPayload.Publisher)
		require.Equal(t, pipeline.FetchStatusFetched, got.FetchStatus)
		require.NotNil(t, got.ExtractedAt)
		require.True(t, got.Extracted())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM raw_articles WHERE id = \\$1").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

		_, err := store.GetRawArticle(context.Background(), "nope")
		require.ErrorIs(t, err, pipeline.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTouchRawArticleMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE raw_articles SET last_seen_at").
		WithArgs(storeNow, "raw-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.TouchRawArticle(context.Background(), "raw-9", storeNow)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExtractionFailureLeavesExtractedAtNull(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE raw_articles SET").
		WithArgs("", "", "", (*time.Time)(nil), "failed", "dial tcp: timeout", "network", "raw-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SaveExtraction(context.Background(), "raw-1", pipeline.Extraction{
		Status:         pipeline.FetchStatusFailed,
		FetchError:     "dial tcp: timeout",
		FetchErrorKind: pipeline.FetchErrorNetwork,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAIArticleDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO ai_articles").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "ai_articles_raw_article_id_key"})

	err := store.InsertAIArticle(context.Background(), pipeline.AIArticle{ID: "ai-2", RawArticleID: "raw-1"})
	require.ErrorIs(t, err, pipeline.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAIArticleByRawID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{
		"id", "raw_article_id", "ai_title", "title_original", "publisher", "published_at", "industry", "category",
		"short_summary", "long_summary", "sentiment_label", "sentiment_score", "entities", "tags", "ai_raw_response",
		"created_at", "updated_at",
	}).AddRow(
		"ai-1", "raw-1", "Recall widens", "A1", "Reuters", storeNow, "automotive", "recall",
		"short", "long", "negative", 0.2,
		[]byte(`[{"type":"company","name":"Acme"}]`), []byte(`["recall"]`),
		[]byte(`{"raw_response":"{}","model":"m","received_at":"2024-01-01T00:00:00Z"}`),
		storeNow, storeNow,
	)
	mock.ExpectQuery("SELECT (.+) FROM ai_articles WHERE raw_article_id = \\$1").WithArgs("raw-1").WillReturnRows(rows)

	got, err := store.GetAIArticleByRawID(context.Background(), "raw-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.CategoryRecall, got.Category)
	require.Equal(t, []pipeline.Entity{{Type: pipeline.EntityCompany, Name: "Acme"}}, got.Entities)
	require.Equal(t, []string{"recall"}, got.Tags)
	require.Equal(t, "m", got.RawResponse.Model)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteAIArticleByRawID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM ai_articles WHERE raw_article_id = \\$1").
		WithArgs("raw-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.DeleteAIArticleByRawID(context.Background(), "raw-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourcesRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	src := pipeline.Source{
		ID: "src-1", Name: "Wire", Industry: "automotive", FeedURL: "https://n.example/rss",
		PollInterval: 15 * time.Minute, Active: true, CreatedAt: storeNow,
	}
	mock.ExpectExec("INSERT INTO sources").
		WithArgs("src-1", "Wire", "automotive", "https://n.example/rss", int64(900), true, storeNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT (.+) FROM sources ORDER BY id").WillReturnRows(
		pgxmock.NewRows([]string{"id", "name", "industry", "feed_url", "poll_interval_seconds", "last_polled_at", "active", "created_at"}).
			AddRow("src-1", "Wire", "automotive", "https://n.example/rss", int64(900), nil, true, storeNow),
	)
	mock.ExpectExec("UPDATE sources SET last_polled_at").
		WithArgs(storeNow, "src-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.UpsertSource(ctx, src))
	sources, err := store.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, 15*time.Minute, sources[0].PollInterval)
	require.Nil(t, sources[0].LastPolledAt)
	require.NoError(t, store.MarkSourcePolled(ctx, "src-1", storeNow))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskFailures(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	failure := pipeline.TaskFailure{
		TaskID: "task-1", Kind: "enrich", Ref: "raw-1", Attempts: 4,
		Category: "malformed", LastError: "not json", FailedAt: storeNow,
	}
	mock.ExpectExec("INSERT INTO task_failures").
		WithArgs("task-1", "enrich", "raw-1", 4, "malformed", "not json", storeNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT task_id, kind, ref, attempts, category, last_error, failed_at").
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"task_id", "kind", "ref", "attempts", "category", "last_error", "failed_at"}).
			AddRow("task-1", "enrich", "raw-1", 4, "malformed", "not json", storeNow))

	ctx := context.Background()
	require.NoError(t, store.RecordTaskFailure(ctx, failure))
	got, err := store.ListTaskFailures(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []pipeline.TaskFailure{failure}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}
