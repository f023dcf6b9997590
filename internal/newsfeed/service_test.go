package newsfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/johnrirwin/samachar/internal/aggregator"
	"github.com/johnrirwin/samachar/internal/cache"
	"github.com/johnrirwin/samachar/internal/models"
	"github.com/johnrirwin/samachar/internal/notify"
	"github.com/johnrirwin/samachar/internal/sources"
	"github.com/johnrirwin/samachar/internal/testutil"
)

var (
	feedA = models.Feed{Name: "Kantipur", URL: "https://a.example/rss", Category: "news"}
	feedB = models.Feed{Name: "Setopati", URL: "https://b.example/rss", Category: "sports"}
)

// fakeAggregator serves per-feed items from a table. Feeds listed in failing
// return an exhausted-proxy error. Like the real aggregator it returns items
// deduplicated and newest first.
type fakeAggregator struct {
	mu      sync.Mutex
	items   map[string][]models.NewsItem
	failing map[string]bool
	retries int
}

func (f *fakeAggregator) AggregateManifest(ctx context.Context, manifest aggregator.Manifest) (models.AggregationResult, error) {
	feeds, err := manifest.Load(ctx)
	if err != nil {
		return models.AggregationResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	result := models.AggregationResult{
		Items:       []models.NewsItem{},
		Sources:     []string{},
		FailedFeeds: []models.Feed{},
	}
	for _, feed := range feeds {
		if f.failing[feed.URL] {
			result.FailedFeeds = append(result.FailedFeeds, feed)
			continue
		}
		if items := f.items[feed.URL]; len(items) > 0 {
			result.Items = append(result.Items, items...)
			result.Sources = append(result.Sources, feed.Name)
		}
	}
	result.Items = aggregator.MergeItems(nil, result.Items)
	return result, nil
}

func (f *fakeAggregator) RetryFeed(ctx context.Context, feed models.Feed) ([]models.NewsItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.retries++
	if f.failing[feed.URL] {
		return nil, fmt.Errorf("retry feed %s: %w", feed.Name, &sources.FetchExhaustedError{URL: feed.URL})
	}
	return f.items[feed.URL], nil
}

func (f *fakeAggregator) setFailing(url string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[url] = failing
}

func newsItem(source, category, title, link string, published time.Time) models.NewsItem {
	return models.NewsItem{
		ID:          link,
		Title:       title,
		Link:        link,
		PubDate:     published.Format(time.RFC3339),
		PublishedAt: published,
		Description: title + " description",
		Source:      source,
		Categories:  []string{category},
	}
}

var day = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Service, *fakeAggregator, *cache.MemoryCache) {
	t.Helper()

	agg := &fakeAggregator{
		items: map[string][]models.NewsItem{
			feedA.URL: {
				newsItem("Kantipur", "news", "Budget passed", "https://a.example/1", day),
				newsItem("Kantipur", "news", "Monsoon update", "https://a.example/2", day.Add(-48*time.Hour)),
			},
			feedB.URL: {
				newsItem("Setopati", "sports", "Cricket win", "https://b.example/1", day.Add(-24*time.Hour)),
			},
		},
		failing: map[string]bool{feedB.URL: true},
	}

	c := cache.NewMemory(time.Hour)
	t.Cleanup(c.Stop)

	seen, err := notify.NewMemorySeenStore(0)
	if err != nil {
		t.Fatalf("NewMemorySeenStore() error = %v", err)
	}

	svc, err := New(Options{
		Aggregator: agg,
		Manifest:   sources.StaticManifest{feedA, feedB},
		Cache:      c,
		Seen:       seen,
		Logger:     testutil.NullLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, agg, c
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Manifest: sources.StaticManifest{}}); err == nil {
		t.Error("New() without aggregator should fail")
	}
	if _, err := New(Options{Aggregator: &fakeAggregator{}}); err == nil {
		t.Error("New() without manifest should fail")
	}
}

func TestSnapshot_BeforeRefresh(t *testing.T) {
	svc, _, _ := newFixture(t)

	snap, err := svc.Snapshot(context.Background())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Snapshot() error = %v, want ErrNoSnapshot", err)
	}
	if snap.Items == nil || snap.FailedFeeds == nil {
		t.Error("empty snapshot should carry non-nil slices")
	}

	resp := svc.GetItems(context.Background(), models.FilterParams{})
	if len(resp.Items) != 0 || resp.TotalCount != 0 {
		t.Errorf("GetItems() = %+v, want empty", resp)
	}
}

func TestRefresh(t *testing.T) {
	svc, _, c := newFixture(t)
	ctx := context.Background()

	snap, err := svc.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if snap.RunID == "" {
		t.Error("Refresh() should assign a run id")
	}
	if len(snap.Items) != 2 {
		t.Errorf("Items = %d, want 2", len(snap.Items))
	}
	if len(snap.FailedFeeds) != 1 || snap.FailedFeeds[0].URL != feedB.URL {
		t.Errorf("FailedFeeds = %+v, want [%s]", snap.FailedFeeds, feedB.URL)
	}

	var cached models.Snapshot
	if err := c.Get(snapshotCacheKey, &cached); err != nil {
		t.Fatalf("snapshot was not cached: %v", err)
	}
	if cached.RunID != snap.RunID {
		t.Errorf("cached RunID = %q, want %q", cached.RunID, snap.RunID)
	}
}

func TestRefresh_ManifestError(t *testing.T) {
	svc, err := New(Options{
		Aggregator: &fakeAggregator{},
		Manifest:   sources.NewManifestLoader("", time.Second, testutil.NullLogger()),
		Logger:     testutil.NullLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.Refresh(context.Background()); !errors.Is(err, sources.ErrManifestUnavailable) {
		t.Errorf("Refresh() error = %v, want ErrManifestUnavailable", err)
	}
}

func TestSnapshot_WarmsFromCache(t *testing.T) {
	svc, agg, c := newFixture(t)
	ctx := context.Background()

	first, err := svc.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// A second instance sharing the cache sees the same snapshot.
	other, err := New(Options{
		Aggregator: agg,
		Manifest:   sources.StaticManifest{feedA, feedB},
		Cache:      c,
		Logger:     testutil.NullLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	snap, err := other.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.RunID != first.RunID || len(snap.Items) != len(first.Items) {
		t.Errorf("Snapshot() = %+v, want run %s", snap, first.RunID)
	}
}

func TestRetryFeed_SuccessMergesAndClearsFailure(t *testing.T) {
	svc, agg, _ := newFixture(t)
	ctx := context.Background()

	before, _ := svc.Refresh(ctx)
	agg.setFailing(feedB.URL, false)

	items, err := svc.RetryFeed(ctx, feedB.URL)
	if err != nil {
		t.Fatalf("RetryFeed() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("RetryFeed() = %d items, want 1", len(items))
	}

	snap, _ := svc.Snapshot(ctx)
	if len(snap.FailedFeeds) != 0 {
		t.Errorf("FailedFeeds = %+v, want empty after successful retry", snap.FailedFeeds)
	}
	if len(snap.Items) != 3 {
		t.Fatalf("Items = %d, want 3", len(snap.Items))
	}
	for i := 1; i < len(snap.Items); i++ {
		if snap.Items[i].PublishedAt.After(snap.Items[i-1].PublishedAt) {
			t.Errorf("merged items not sorted newest first at %d", i)
		}
	}
	if snap.Items[1].Source != "Setopati" {
		t.Errorf("Items[1].Source = %q, want the retried feed's item in date order", snap.Items[1].Source)
	}
	if snap.RunID != before.RunID {
		t.Error("retry should keep the snapshot's run id")
	}

	var hasB bool
	for _, s := range snap.Sources {
		if s == "Setopati" {
			hasB = true
		}
	}
	if !hasB {
		t.Errorf("Sources = %v, want Setopati added", snap.Sources)
	}
}

func TestRetryFeed_FailureKeepsState(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()

	before, _ := svc.Refresh(ctx)

	_, err := svc.RetryFeed(ctx, feedB.URL)
	if !errors.Is(err, sources.ErrFetchExhausted) {
		t.Fatalf("RetryFeed() error = %v, want ErrFetchExhausted", err)
	}

	after, _ := svc.Snapshot(ctx)
	if len(after.FailedFeeds) != 1 || len(after.Items) != len(before.Items) {
		t.Errorf("snapshot changed after failed retry: %+v", after)
	}
}

func TestRetryFeed_UnknownFeed(t *testing.T) {
	svc, agg, _ := newFixture(t)

	_, err := svc.RetryFeed(context.Background(), "https://nowhere.example/rss")
	if !errors.Is(err, ErrUnknownFeed) {
		t.Errorf("RetryFeed() error = %v, want ErrUnknownFeed", err)
	}
	if agg.retries != 0 {
		t.Errorf("aggregator retried %d times for an unknown feed", agg.retries)
	}
}

func TestRetryFeed_HealthyFeedRefreshesItems(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	svc.Refresh(ctx)

	items, err := svc.RetryFeed(ctx, " "+feedA.URL+" ")
	if err != nil {
		t.Fatalf("RetryFeed() error = %v", err)
	}
	if len(items) != 2 {
		t.Errorf("RetryFeed() = %d items, want 2", len(items))
	}

	snap, _ := svc.Snapshot(ctx)
	if len(snap.Items) != 2 {
		t.Errorf("Items = %d, re-fetched links must replace, not duplicate", len(snap.Items))
	}
}

func TestGetItems_FiltersAndPaginates(t *testing.T) {
	svc, agg, _ := newFixture(t)
	agg.setFailing(feedB.URL, false)
	ctx := context.Background()
	svc.Refresh(ctx)

	tests := []struct {
		name      string
		params    models.FilterParams
		wantTotal int
		wantLinks []string
	}{
		{
			name:      "everything",
			params:    models.FilterParams{},
			wantTotal: 3,
			wantLinks: []string{"https://a.example/1", "https://b.example/1", "https://a.example/2"},
		},
		{
			name:      "category tab",
			params:    models.FilterParams{Category: "Sports"},
			wantTotal: 1,
			wantLinks: []string{"https://b.example/1"},
		},
		{
			name:      "all tab",
			params:    models.FilterParams{Category: "all", Limit: 1},
			wantTotal: 3,
			wantLinks: []string{"https://a.example/1"},
		},
		{
			name:      "source filter",
			params:    models.FilterParams{Sources: []string{"kantipur"}},
			wantTotal: 2,
			wantLinks: []string{"https://a.example/1", "https://a.example/2"},
		},
		{
			name:      "search",
			params:    models.FilterParams{Query: "MONSOON"},
			wantTotal: 1,
			wantLinks: []string{"https://a.example/2"},
		},
		{
			name:      "date range",
			params:    models.FilterParams{FromDate: "2024-01-09", ToDate: "2024-01-09"},
			wantTotal: 1,
			wantLinks: []string{"https://b.example/1"},
		},
		{
			name:      "offset",
			params:    models.FilterParams{Limit: 2, Offset: 2},
			wantTotal: 3,
			wantLinks: []string{"https://a.example/2"},
		},
		{
			name:      "offset past end",
			params:    models.FilterParams{Limit: 2, Offset: 10},
			wantTotal: 3,
			wantLinks: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := svc.GetItems(ctx, tt.params)
			if resp.TotalCount != tt.wantTotal {
				t.Errorf("TotalCount = %d, want %d", resp.TotalCount, tt.wantTotal)
			}
			if len(resp.Items) != len(tt.wantLinks) {
				t.Fatalf("Items = %d, want %d", len(resp.Items), len(tt.wantLinks))
			}
			for i, link := range tt.wantLinks {
				if resp.Items[i].Link != link {
					t.Errorf("Items[%d].Link = %q, want %q", i, resp.Items[i].Link, link)
				}
			}
		})
	}
}

func TestFilterItems_UndatedExcludedByDateBounds(t *testing.T) {
	items := []models.NewsItem{
		{Link: "dated", PublishedAt: day},
		{Link: "undated"},
	}

	got := FilterItems(items, models.FilterParams{FromDate: "2024-01-01"})
	if len(got) != 1 || got[0].Link != "dated" {
		t.Errorf("FilterItems() = %+v", got)
	}

	all := FilterItems(items, models.FilterParams{})
	if len(all) != 2 {
		t.Errorf("FilterItems() without filters = %d items, want 2", len(all))
	}
}

func TestSources(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx := context.Background()
	svc.Refresh(ctx)

	statuses, err := svc.Sources(ctx)
	if err != nil {
		t.Fatalf("Sources() error = %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Sources() = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "Kantipur" || statuses[0].ItemCount != 2 || statuses[0].Failed {
		t.Errorf("statuses[0] = %+v", statuses[0])
	}
	if statuses[1].Name != "Setopati" || statuses[1].ItemCount != 0 || !statuses[1].Failed {
		t.Errorf("statuses[1] = %+v", statuses[1])
	}

	failed := svc.FailedFeeds(ctx)
	if len(failed) != 1 || failed[0] != feedB {
		t.Errorf("FailedFeeds() = %+v", failed)
	}
}

func TestNewItems(t *testing.T) {
	svc, agg, _ := newFixture(t)
	ctx := context.Background()
	svc.Refresh(ctx)

	first, err := svc.NewItems(ctx)
	if err != nil {
		t.Fatalf("NewItems() error = %v", err)
	}
	if len(first) != 0 {
		t.Errorf("first NewItems() = %d, want 0 (baseline)", len(first))
	}

	agg.setFailing(feedB.URL, false)
	svc.Refresh(ctx)

	next, err := svc.NewItems(ctx)
	if err != nil {
		t.Fatalf("NewItems() error = %v", err)
	}
	if len(next) != 1 || next[0].Link != "https://b.example/1" || next[0].Title != "Setopati" {
		t.Errorf("NewItems() = %+v", next)
	}
}

func TestNewItems_NoStore(t *testing.T) {
	svc, err := New(Options{
		Aggregator: &fakeAggregator{},
		Manifest:   sources.StaticManifest{},
		Logger:     testutil.NullLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := svc.NewItems(context.Background())
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("NewItems() = %v, %v; want empty", got, err)
	}
}

type fakeArchive struct {
	mu       sync.Mutex
	upserted []models.NewsItem
	runs     []string
	failNext bool
}

func (a *fakeArchive) UpsertItems(ctx context.Context, runID string, items []models.NewsItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext {
		a.failNext = false
		return errors.New("db down")
	}
	a.upserted = append(a.upserted, items...)
	return nil
}

func (a *fakeArchive) RecordRun(ctx context.Context, snap models.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, snap.RunID)
	return nil
}

func (a *fakeArchive) QueryItems(ctx context.Context, params models.FilterParams) ([]models.NewsItem, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return FilterItems(a.upserted, params), len(a.upserted), nil
}

func TestArchive(t *testing.T) {
	archive := &fakeArchive{}
	agg := &fakeAggregator{
		items:   map[string][]models.NewsItem{feedA.URL: {newsItem("Kantipur", "news", "T", "l1", day)}},
		failing: map[string]bool{},
	}
	svc, err := New(Options{
		Aggregator: agg,
		Manifest:   sources.StaticManifest{feedA},
		Archive:    archive,
		Logger:     testutil.NullLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	archive.failNext = true
	if _, err := svc.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() should not fail on archive errors: %v", err)
	}
	if len(archive.runs) != 0 {
		t.Error("run should not be recorded when the item upsert failed")
	}

	snap, _ := svc.Refresh(ctx)
	if len(archive.runs) != 1 || archive.runs[0] != snap.RunID {
		t.Errorf("runs = %v, want [%s]", archive.runs, snap.RunID)
	}

	resp, err := svc.Archive(ctx, models.FilterParams{})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if resp.TotalCount != 1 {
		t.Errorf("Archive() total = %d, want 1", resp.TotalCount)
	}
}

func TestArchive_Disabled(t *testing.T) {
	svc, _, _ := newFixture(t)
	if _, err := svc.Archive(context.Background(), models.FilterParams{}); !errors.Is(err, ErrArchiveDisabled) {
		t.Errorf("Archive() error = %v, want ErrArchiveDisabled", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	svc, _, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if _, err := svc.Snapshot(context.Background()); err != nil {
		t.Errorf("Run() should have refreshed at least once: %v", err)
	}
}
