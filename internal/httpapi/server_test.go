package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johnrirwin/samachar/internal/aggregator"
	"github.com/johnrirwin/samachar/internal/cache"
	"github.com/johnrirwin/samachar/internal/models"
	"github.com/johnrirwin/samachar/internal/newsfeed"
	"github.com/johnrirwin/samachar/internal/notify"
	"github.com/johnrirwin/samachar/internal/ratelimit"
	"github.com/johnrirwin/samachar/internal/sources"
	"github.com/johnrirwin/samachar/internal/testutil"
)

const (
	feedAURL = "https://kantipur.example/rss"
	feedBURL = "https://setopati.example/rss"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	relay   *testutil.Relay
	news    *newsfeed.Service
}

// newTestEnv wires the real pipeline against a fake relay. Feed A serves two
// items; feed B is down until a test registers a body for it.
func newTestEnv(t *testing.T, limiter ratelimit.RateLimiter) *testEnv {
	t.Helper()
	logger := testutil.NullLogger()

	relay := testutil.NewRelay(t)
	relay.Serve(feedAURL, testutil.RSS(
		testutil.RSSItem{Title: "Budget passed", Link: "https://kantipur.example/1", PubDate: "Wed, 10 Jan 2024 08:00:00 +0000"},
		testutil.RSSItem{Title: "Monsoon update", Link: "https://kantipur.example/2", PubDate: "Mon, 08 Jan 2024 08:00:00 +0000"},
	))

	config := sources.DefaultConfig()
	config.Timeout = 2 * time.Second
	fetcher := sources.NewProxyFetcher([]sources.Proxy{sources.Proxy(relay.Proxy())}, nil, config, logger)
	agg := aggregator.New(fetcher, sources.NewParser(logger), 4, logger)

	c := cache.NewMemory(time.Hour)
	t.Cleanup(c.Stop)
	seen, err := notify.NewMemorySeenStore(0)
	if err != nil {
		t.Fatalf("NewMemorySeenStore() error = %v", err)
	}

	news, err := newsfeed.New(newsfeed.Options{
		Aggregator: agg,
		Manifest: sources.StaticManifest{
			{Name: "Kantipur", URL: feedAURL, Category: "news"},
			{Name: "Setopati", URL: feedBURL, Category: "sports"},
		},
		Cache:  c,
		Seen:   seen,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("newsfeed.New() error = %v", err)
	}

	s := New(news, limiter, logger)
	return &testEnv{server: s, handler: s.Handler(), relay: relay, news: news}
}

func (e *testEnv) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestRefreshThenItems(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var refresh struct {
		Status      string        `json:"status"`
		RunID       string        `json:"runId"`
		Items       int           `json:"items"`
		FailedFeeds []models.Feed `json:"failedFeeds"`
	}
	decode(t, w, &refresh)
	if refresh.Items != 2 || len(refresh.FailedFeeds) != 1 || refresh.FailedFeeds[0].URL != feedBURL {
		t.Errorf("refresh = %+v", refresh)
	}

	w = env.do(t, http.MethodGet, "/api/items?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("items status = %d", w.Code)
	}
	var items models.ItemsResponse
	decode(t, w, &items)
	if items.TotalCount != 2 || len(items.Items) != 1 {
		t.Fatalf("items = %+v", items)
	}
	if items.Items[0].Title != "Budget passed" || items.RunID != refresh.RunID {
		t.Errorf("items[0] = %+v, run = %s", items.Items[0], items.RunID)
	}
}

func TestItems_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/refresh", "")

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"category", "/api/items?category=news", 2},
		{"other category", "/api/items?category=sports", 0},
		{"search", "/api/items?q=monsoon", 1},
		{"sources", "/api/items?sources=Setopati,%20kantipur", 2},
		{"date range", "/api/items?fromDate=2024-01-09", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, tt.query, "")
			var resp models.ItemsResponse
			decode(t, w, &resp)
			if resp.TotalCount != tt.want {
				t.Errorf("TotalCount = %d, want %d", resp.TotalCount, tt.want)
			}
		})
	}
}

func TestSourcesAndFailedFeeds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/refresh", "")

	w := env.do(t, http.MethodGet, "/api/sources", "")
	var srcs struct {
		Sources []models.SourceStatus `json:"sources"`
		Count   int                   `json:"count"`
	}
	decode(t, w, &srcs)
	if srcs.Count != 2 || srcs.Sources[0].ItemCount != 2 || !srcs.Sources[1].Failed {
		t.Errorf("sources = %+v", srcs)
	}

	w = env.do(t, http.MethodGet, "/api/failed-feeds", "")
	var failed struct {
		FailedFeeds []models.Feed `json:"failedFeeds"`
		Count       int           `json:"count"`
	}
	decode(t, w, &failed)
	if failed.Count != 1 || failed.FailedFeeds[0].Name != "Setopati" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/refresh", "")

	w := env.do(t, http.MethodPost, "/api/retry", `{"url":"`+feedBURL+`"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("retry of a down feed: status = %d, want %d", w.Code, http.StatusBadGateway)
	}

	env.relay.Serve(feedBURL, testutil.RSS(
		testutil.RSSItem{Title: "Cricket win", Link: "https://setopati.example/1", PubDate: "Tue, 09 Jan 2024 08:00:00 +0000"},
	))

	w = env.do(t, http.MethodPost, "/api/retry", `{"url":"`+feedBURL+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d: %s", w.Code, w.Body.String())
	}
	var retry struct {
		Count int `json:"count"`
	}
	decode(t, w, &retry)
	if retry.Count != 1 {
		t.Errorf("retry count = %d, want 1", retry.Count)
	}

	w = env.do(t, http.MethodGet, "/api/items", "")
	var items models.ItemsResponse
	decode(t, w, &items)
	if items.TotalCount != 3 || items.Items[1].Title != "Cricket win" {
		t.Errorf("merged items = %+v", items.Items)
	}

	w = env.do(t, http.MethodGet, "/api/failed-feeds", "")
	var failed struct {
		Count int `json:"count"`
	}
	decode(t, w, &failed)
	if failed.Count != 0 {
		t.Errorf("failed feeds after retry = %d, want 0", failed.Count)
	}
}

func TestRetry_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, ""},
		{"empty body", http.MethodPost, "", http.StatusBadRequest, "invalid_request"},
		{"invalid json", http.MethodPost, `{"url":}`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, `{"feed":"x"}`, http.StatusBadRequest, "invalid_request"},
		{"missing url", http.MethodPost, `{"url":"  "}`, http.StatusBadRequest, "invalid_request"},
		{"unknown feed", http.MethodPost, `{"url":"https://nowhere.example/rss"}`, http.StatusNotFound, "unknown_feed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, "/api/retry", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode == "" {
				return
			}
			var resp map[string]string
			decode(t, w, &resp)
			if resp["code"] != tt.wantCode {
				t.Errorf("code = %s, want %s", resp["code"], tt.wantCode)
			}
		})
	}
}

func TestRefresh_RateLimited(t *testing.T) {
	env := newTestEnv(t, ratelimit.New(time.Minute))

	if w := env.do(t, http.MethodPost, "/api/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("first refresh status = %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/refresh", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second refresh status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestRetry_ThrottledPerFeed(t *testing.T) {
	env := newTestEnv(t, ratelimit.New(2*time.Minute))

	steps := []struct {
		name       string
		target     string
		body       string
		wantStatus int
	}{
		{"refresh", "/api/refresh", "", http.StatusOK},
		{"retry after refresh", "/api/retry", `{"url":"` + feedBURL + `"}`, http.StatusBadGateway},
		{"retry another feed", "/api/retry", `{"url":"` + feedAURL + `"}`, http.StatusOK},
		{"same feed again", "/api/retry", `{"url":"` + feedBURL + `"}`, http.StatusTooManyRequests},
		{"refresh again", "/api/refresh", "", http.StatusTooManyRequests},
	}

	for _, step := range steps {
		if w := env.do(t, http.MethodPost, step.target, step.body); w.Code != step.wantStatus {
			t.Errorf("%s: status = %d, want %d (%s)", step.name, w.Code, step.wantStatus, w.Body.String())
		}
	}
}

func TestRefresh_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.DisableManualRefresh()

	if w := env.do(t, http.MethodPost, "/api/refresh", ""); w.Code != http.StatusForbidden {
		t.Errorf("refresh status = %d, want %d", w.Code, http.StatusForbidden)
	}
	// Retries stay available so a reader can recover a single feed.
	w := env.do(t, http.MethodPost, "/api/retry", `{"url":"`+feedAURL+`"}`)
	if w.Code != http.StatusOK {
		t.Errorf("retry status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewItems(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/refresh", "")

	var resp struct {
		Notifications []notify.Notification `json:"notifications"`
		Count         int                   `json:"count"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/new", ""), &resp)
	if resp.Count != 0 {
		t.Errorf("first visit count = %d, want 0", resp.Count)
	}

	env.relay.Serve(feedAURL, testutil.RSS(
		testutil.RSSItem{Title: "Breaking", Link: "https://kantipur.example/3", PubDate: "Thu, 11 Jan 2024 08:00:00 +0000"},
		testutil.RSSItem{Title: "Budget passed", Link: "https://kantipur.example/1", PubDate: "Wed, 10 Jan 2024 08:00:00 +0000"},
	))
	env.do(t, http.MethodPost, "/api/refresh", "")

	decode(t, env.do(t, http.MethodGet, "/api/new", ""), &resp)
	if resp.Count != 1 || resp.Notifications[0].Body != "Breaking" || resp.Notifications[0].Title != "Kantipur" {
		t.Errorf("new = %+v", resp)
	}
}

func TestArchive_Disabled(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/archive", "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotImplemented)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/health", "")
	var resp map[string]string
	decode(t, w, &resp)
	if w.Code != http.StatusOK || resp["status"] != "healthy" {
		t.Errorf("health = %d %v", w.Code, resp)
	}
}

func TestWriteJSON(t *testing.T) {
	s := &Server{logger: testutil.NullLogger()}

	tests := []struct {
		name       string
		status     int
		data       interface{}
		wantStatus int
	}{
		{
			name:       "success response",
			status:     http.StatusOK,
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "created response",
			status:     http.StatusCreated,
			data:       models.NewsItem{ID: "123", Title: "Test"},
			wantStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.writeJSON(w, tt.status, tt.data)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			contentType := w.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("Content-Type = %s, want application/json", contentType)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	s := &Server{logger: testutil.NullLogger()}

	handler := s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("OPTIONS request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/items", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if w.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Error("Missing Access-Control-Allow-Origin header")
		}
	})

	t.Run("GET request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
		w := httptest.NewRecorder()

		handler(w, req)

		if w.Code != http.StatusTeapot {
			t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
		}
	})
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name         string
		queryParams  map[string]string
		defaultLimit int
		maxLimit     int
		wantLimit    int
		wantOffset   int
	}{
		{
			name:         "default values",
			queryParams:  map[string]string{},
			defaultLimit: 20,
			maxLimit:     100,
			wantLimit:    20,
			wantOffset:   0,
		},
		{
			name:         "custom limit",
			queryParams:  map[string]string{"limit": "50"},
			defaultLimit: 20,
			maxLimit:     100,
			wantLimit:    50,
			wantOffset:   0,
		},
		{
			name:         "limit exceeds max",
			queryParams:  map[string]string{"limit": "200"},
			defaultLimit: 20,
			maxLimit:     100,
			wantLimit:    100,
			wantOffset:   0,
		},
		{
			name:         "negative values ignored",
			queryParams:  map[string]string{"limit": "-5", "offset": "-1"},
			defaultLimit: 20,
			maxLimit:     100,
			wantLimit:    20,
			wantOffset:   0,
		},
		{
			name:         "with offset",
			queryParams:  map[string]string{"limit": "20", "offset": "40"},
			defaultLimit: 20,
			maxLimit:     100,
			wantLimit:    20,
			wantOffset:   40,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
			q := req.URL.Query()
			for k, v := range tt.queryParams {
				q.Add(k, v)
			}
			req.URL.RawQuery = q.Encode()

			limit, offset := parsePagination(req, tt.defaultLimit, tt.maxLimit)

			if limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", limit, tt.wantLimit)
			}
			if offset != tt.wantOffset {
				t.Errorf("offset = %d, want %d", offset, tt.wantOffset)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "127.0.0.1:1234", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "5.6.7.8"}, "127.0.0.1:1234", "5.6.7.8"},
		{"remote addr", nil, "9.9.9.9:5555", "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
