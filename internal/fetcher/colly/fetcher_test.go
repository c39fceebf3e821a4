package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second}, nil)
	start := time.Unix(0, 0)
	req := pipeline.PageRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}

	collector := f.buildCollector(req, start, &pipeline.PageResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be respected")
	}
	if !collector.AllowURLRevisit {
		t.Fatal("expected revisits to be allowed")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := pipeline.PageRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	start := time.Unix(0, 0)
	var result pipeline.PageResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	var statusErr *pipeline.StatusError
	if !errors.As(fetchErr, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status error, got %v", fetchErr)
	}
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(pipeline.PageRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

func TestFetcherFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a1":
			if r.Header.Get("X-Trace") != "yes" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><p>hello</p></body></html>"))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	limiter := &countingWaiter{}
	f := New(Config{UserAgent: "newspipe-test", Timeout: 2 * time.Second}, limiter)

	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), pipeline.PageRequest{
			URL:     srv.URL + "/a1",
			Headers: http.Header{"X-Trace": {"yes"}},
		})
		if err != nil {
			t.Fatalf("Fetch() attempt %d error = %v", i, err)
		}
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(resp.Body), "hello") {
			t.Fatalf("unexpected response: %+v", resp)
		}
	}
	if limiter.calls != 2 {
		t.Fatalf("expected limiter to be consulted twice, got %d", limiter.calls)
	}

	for path, code := range map[string]int{"/missing": http.StatusNotFound, "/busy": http.StatusServiceUnavailable} {
		_, err := f.Fetch(context.Background(), pipeline.PageRequest{URL: srv.URL + path})
		var statusErr *pipeline.StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != code {
			t.Fatalf("expected status %d error for %s, got %v", code, path, err)
		}
	}
}

func TestFetcherFetchRobotsDisallowed(t *testing.T) {
	t.Parallel()

	var pageHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		pageHits.Add(1)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "newspipe-test", RespectRobots: true, Timeout: 2 * time.Second}, nil)
	_, err := f.Fetch(context.Background(), pipeline.PageRequest{URL: srv.URL + "/private/a1"})
	if !errors.Is(err, pipeline.ErrFetchDisallowed) {
		t.Fatalf("expected robots disallow error, got %v", err)
	}
	if pipeline.Classify(err) != pipeline.CategoryTerminal {
		t.Fatalf("expected terminal classification, got %s", pipeline.Classify(err))
	}
	if n := pageHits.Load(); n != 0 {
		t.Fatalf("disallowed page must not be requested, got %d hits", n)
	}
}

func TestFetcherFetchNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), pipeline.PageRequest{URL: addr + "/a1"})
	if err == nil {
		t.Fatal("expected network error")
	}
	var statusErr *pipeline.StatusError
	if errors.As(err, &statusErr) {
		t.Fatalf("network failure must not look like a status error: %v", err)
	}
}

func TestFetcherFetchLimiterError(t *testing.T) {
	t.Parallel()

	f := New(Config{}, &countingWaiter{err: context.Canceled})
	if _, err := f.Fetch(context.Background(), pipeline.PageRequest{URL: "https://example.com"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected limiter error, got %v", err)
	}
}

type countingWaiter struct {
	calls int
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls++
	return w.err
}
