// Package newsfeed owns the reader-facing state built on top of the
// aggregator: the latest snapshot, single-feed retries merged back into it,
// filtering, and "new since last seen" notifications.
package newsfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnrirwin/samachar/internal/aggregator"
	"github.com/johnrirwin/samachar/internal/cache"
	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
	"github.com/johnrirwin/samachar/internal/notify"
)

const snapshotCacheKey = "snapshot:latest"

var (
	ErrUnknownFeed     = errors.New("feed is not in the manifest")
	ErrArchiveDisabled = errors.New("article archive is not configured")
	ErrNoSnapshot      = errors.New("no aggregation has completed yet")
)

// Aggregator is the subset of *aggregator.Aggregator the service drives.
type Aggregator interface {
	AggregateManifest(ctx context.Context, manifest aggregator.Manifest) (models.AggregationResult, error)
	RetryFeed(ctx context.Context, feed models.Feed) ([]models.NewsItem, error)
}

// Archive persists articles beyond the feeds' rolling windows.
// *database.FeedItemStore implements it.
type Archive interface {
	UpsertItems(ctx context.Context, runID string, items []models.NewsItem) error
	RecordRun(ctx context.Context, snap models.Snapshot) error
	QueryItems(ctx context.Context, params models.FilterParams) ([]models.NewsItem, int, error)
}

type Options struct {
	Aggregator Aggregator
	Manifest   aggregator.Manifest
	Cache      cache.Cache
	Seen       notify.SeenStore
	Archive    Archive
	Logger     *logging.Logger
}

type Service struct {
	agg      Aggregator
	manifest aggregator.Manifest
	cache    cache.Cache
	seen     notify.SeenStore
	archive  Archive
	logger   *logging.Logger
	now      func() time.Time

	// writeMu serializes Refresh and RetryFeed so a retry never merges into
	// a snapshot that a concurrent refresh is about to replace.
	writeMu sync.Mutex

	mu       sync.RWMutex
	snapshot *models.Snapshot
}

func New(opts Options) (*Service, error) {
	if opts.Aggregator == nil {
		return nil, errors.New("newsfeed: aggregator is required")
	}
	if opts.Manifest == nil {
		return nil, errors.New("newsfeed: manifest is required")
	}
	return &Service{
		agg:      opts.Aggregator,
		manifest: opts.Manifest,
		cache:    opts.Cache,
		seen:     opts.Seen,
		archive:  opts.Archive,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// Refresh runs a full aggregation over the manifest and replaces the current
// snapshot. Only a manifest failure is returned; per-feed failures end up in
// the snapshot's FailedFeeds.
func (s *Service) Refresh(ctx context.Context) (models.Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.agg.AggregateManifest(ctx, s.manifest)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("refresh: %w", err)
	}

	snap := models.Snapshot{
		RunID:       uuid.NewString(),
		FetchedAt:   s.now().UTC(),
		Items:       result.Items,
		Sources:     result.Sources,
		FailedFeeds: result.FailedFeeds,
	}
	s.store(ctx, snap)

	if s.archive != nil {
		if err := s.archive.UpsertItems(ctx, snap.RunID, snap.Items); err != nil {
			s.logger.Warn("Failed to archive items", logging.WithFields(map[string]interface{}{
				"run_id": snap.RunID,
				"error":  err.Error(),
			}))
		} else if err := s.archive.RecordRun(ctx, snap); err != nil {
			s.logger.Warn("Failed to record aggregation run", logging.WithField("error", err.Error()))
		}
	}

	return snap, nil
}

// RetryFeed refetches one feed by URL and merges its items into the current
// snapshot. On success the feed leaves the failed list; on failure the
// snapshot is untouched and the error is returned.
func (s *Service) RetryFeed(ctx context.Context, feedURL string) ([]models.NewsItem, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	feedURL = strings.TrimSpace(feedURL)
	snap, _ := s.Snapshot(ctx)

	feed, ok := findFeed(snap.FailedFeeds, feedURL)
	if !ok {
		feeds, err := s.manifest.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("retry %s: %w", feedURL, err)
		}
		if feed, ok = findFeed(feeds, feedURL); !ok {
			return nil, fmt.Errorf("retry %s: %w", feedURL, ErrUnknownFeed)
		}
	}

	items, err := s.agg.RetryFeed(ctx, feed)
	if err != nil {
		return nil, err
	}

	next := models.Snapshot{
		RunID:       snap.RunID,
		FetchedAt:   snap.FetchedAt,
		Items:       aggregator.MergeItems(snap.Items, items),
		Sources:     append([]string{}, snap.Sources...),
		FailedFeeds: make([]models.Feed, 0, len(snap.FailedFeeds)),
	}
	if next.RunID == "" {
		next.RunID = uuid.NewString()
		next.FetchedAt = s.now().UTC()
	}
	for _, f := range snap.FailedFeeds {
		if f.URL != feed.URL {
			next.FailedFeeds = append(next.FailedFeeds, f)
		}
	}
	if len(items) > 0 && !containsFold(next.Sources, feed.Name) {
		next.Sources = append(next.Sources, feed.Name)
	}
	s.store(ctx, next)

	if s.archive != nil {
		if err := s.archive.UpsertItems(ctx, next.RunID, items); err != nil {
			s.logger.Warn("Failed to archive retried items", logging.WithFields(map[string]interface{}{
				"source": feed.Name,
				"error":  err.Error(),
			}))
		}
	}

	s.logger.Info("Feed retry succeeded", logging.WithFields(map[string]interface{}{
		"source": feed.Name,
		"count":  len(items),
	}))

	return items, nil
}

// Snapshot returns the latest aggregation. A cold process warms itself from
// the shared cache before reporting ErrNoSnapshot.
func (s *Service) Snapshot(ctx context.Context) (models.Snapshot, error) {
	s.mu.RLock()
	snap := s.snapshot
	s.mu.RUnlock()
	if snap != nil {
		return *snap, nil
	}

	if s.cache != nil {
		var cached models.Snapshot
		if err := s.cache.Get(snapshotCacheKey, &cached); err == nil {
			s.mu.Lock()
			if s.snapshot == nil {
				s.snapshot = &cached
			}
			snap = s.snapshot
			s.mu.Unlock()
			return *snap, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("Failed to read cached snapshot", logging.WithField("error", err.Error()))
		}
	}

	return models.Snapshot{
		Items:       []models.NewsItem{},
		Sources:     []string{},
		FailedFeeds: []models.Feed{},
	}, ErrNoSnapshot
}

// GetItems filters and paginates the current snapshot.
func (s *Service) GetItems(ctx context.Context, params models.FilterParams) models.ItemsResponse {
	snap, _ := s.Snapshot(ctx)

	filtered := FilterItems(snap.Items, params)
	total := len(filtered)

	return models.ItemsResponse{
		Items:       paginate(filtered, params.Limit, params.Offset),
		TotalCount:  total,
		FetchedAt:   snap.FetchedAt,
		RunID:       snap.RunID,
		SourceCount: len(snap.Sources),
	}
}

// Sources reports every manifest feed with its item count and failure state.
func (s *Service) Sources(ctx context.Context) ([]models.SourceStatus, error) {
	feeds, err := s.manifest.Load(ctx)
	if err != nil {
		return nil, err
	}
	snap, _ := s.Snapshot(ctx)

	counts := make(map[string]int)
	for _, item := range snap.Items {
		counts[item.Source]++
	}
	failed := make(map[string]bool, len(snap.FailedFeeds))
	for _, f := range snap.FailedFeeds {
		failed[f.URL] = true
	}

	statuses := make([]models.SourceStatus, 0, len(feeds))
	for _, feed := range feeds {
		statuses = append(statuses, models.SourceStatus{
			Feed:      feed,
			ItemCount: counts[feed.Name],
			Failed:    failed[feed.URL],
		})
	}
	return statuses, nil
}

func (s *Service) FailedFeeds(ctx context.Context) []models.Feed {
	snap, _ := s.Snapshot(ctx)
	return snap.FailedFeeds
}

// NewItems reports items the reader has not been notified about yet and
// marks them seen. It returns an empty list when no seen store is set.
func (s *Service) NewItems(ctx context.Context) ([]notify.Notification, error) {
	if s.seen == nil {
		return []notify.Notification{}, nil
	}
	snap, _ := s.Snapshot(ctx)
	return notify.Diff(ctx, s.seen, snap.Items)
}

// Archive searches the Postgres archive with the same filters as GetItems.
func (s *Service) Archive(ctx context.Context, params models.FilterParams) (models.ItemsResponse, error) {
	if s.archive == nil {
		return models.ItemsResponse{}, ErrArchiveDisabled
	}
	items, total, err := s.archive.QueryItems(ctx, params)
	if err != nil {
		return models.ItemsResponse{}, err
	}
	return models.ItemsResponse{
		Items:      items,
		TotalCount: total,
		FetchedAt:  s.now().UTC(),
	}, nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.refreshLogged(ctx)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshLogged(ctx)
		}
	}
}

func (s *Service) refreshLogged(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Error("Scheduled refresh failed", logging.WithField("error", err.Error()))
	}
}

func (s *Service) store(ctx context.Context, snap models.Snapshot) {
	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Set(snapshotCacheKey, snap); err != nil {
			s.logger.Warn("Failed to cache snapshot", logging.WithField("error", err.Error()))
		}
	}
}

func findFeed(feeds []models.Feed, feedURL string) (models.Feed, bool) {
	for _, f := range feeds {
		if f.URL == feedURL {
			return f, true
		}
	}
	return models.Feed{}, false
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
