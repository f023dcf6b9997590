package aggregator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
)

// Fetcher retrieves a feed body. *sources.ProxyFetcher is the production
// implementation.
type Fetcher interface {
	FetchWithFallbacks(ctx context.Context, url string) ([]byte, error)
}

// Parser normalizes a feed body. It must not fail; unparseable input yields
// no items.
type Parser interface {
	ParseFeed(raw []byte, source, category string) []models.NewsItem
}

// Manifest supplies the feed list for an aggregation pass.
type Manifest interface {
	Load(ctx context.Context) ([]models.Feed, error)
}

type Aggregator struct {
	fetcher       Fetcher
	parser        Parser
	maxConcurrent int
	logger        *logging.Logger
}

// New builds an Aggregator. maxConcurrent <= 0 runs every feed at once.
func New(fetcher Fetcher, parser Parser, maxConcurrent int, logger *logging.Logger) *Aggregator {
	return &Aggregator{
		fetcher:       fetcher,
		parser:        parser,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

type feedOutcome struct {
	items []models.NewsItem
	err   error
}

// Aggregate fetches and parses every feed concurrently and waits for all of
// them to settle. A feed whose fetch fails lands in FailedFeeds; it never
// affects the others and never makes Aggregate fail.
//
// Items are deduplicated by link (first feed in list order wins) and sorted
// newest first. Equal dates keep feed-list order.
func (a *Aggregator) Aggregate(ctx context.Context, feeds []models.Feed) models.AggregationResult {
	start := time.Now()

	// Each branch owns one slot, so no locking is needed for the fan-in.
	outcomes := make([]feedOutcome, len(feeds))

	var g errgroup.Group
	if a.maxConcurrent > 0 {
		g.SetLimit(a.maxConcurrent)
	}
	for i, feed := range feeds {
		g.Go(func() error {
			items, err := a.fetchFeed(ctx, feed)
			outcomes[i] = feedOutcome{items: items, err: err}
			return nil
		})
	}
	g.Wait()

	result := models.AggregationResult{
		Items:       make([]models.NewsItem, 0),
		Sources:     make([]string, 0),
		FailedFeeds: make([]models.Feed, 0),
	}
	seenSources := make(map[string]bool)

	for i, outcome := range outcomes {
		feed := feeds[i]
		if outcome.err != nil {
			a.logger.Warn("Failed to fetch feed", logging.WithFields(map[string]interface{}{
				"source": feed.Name,
				"url":    feed.URL,
				"error":  outcome.err.Error(),
			}))
			result.FailedFeeds = append(result.FailedFeeds, feed)
			continue
		}

		a.logger.Debug("Fetched items from feed", logging.WithFields(map[string]interface{}{
			"source": feed.Name,
			"count":  len(outcome.items),
		}))

		result.Items = append(result.Items, outcome.items...)
		if len(outcome.items) > 0 && !seenSources[feed.Name] {
			seenSources[feed.Name] = true
			result.Sources = append(result.Sources, feed.Name)
		}
	}

	result.Items = deduplicate(result.Items)
	sortByDate(result.Items)

	a.logger.Info("Aggregation complete", logging.WithFields(map[string]interface{}{
		"feeds":        len(feeds),
		"total_items":  len(result.Items),
		"sources":      len(result.Sources),
		"failed_feeds": len(result.FailedFeeds),
		"duration_ms":  time.Since(start).Milliseconds(),
	}))

	return result
}

// AggregateManifest loads the feed list and aggregates it. Failing to obtain
// the list is the only error it returns.
func (a *Aggregator) AggregateManifest(ctx context.Context, manifest Manifest) (models.AggregationResult, error) {
	feeds, err := manifest.Load(ctx)
	if err != nil {
		a.logger.Error("Error loading feed manifest", logging.WithField("error", err.Error()))
		return models.AggregationResult{}, err
	}
	return a.Aggregate(ctx, feeds), nil
}

// RetryFeed runs the fetch and parse path for a single feed. Unlike
// Aggregate, failures are returned to the caller. Merging the items back is
// the caller's job; see MergeItems.
func (a *Aggregator) RetryFeed(ctx context.Context, feed models.Feed) ([]models.NewsItem, error) {
	items, err := a.fetchFeed(ctx, feed)
	if err != nil {
		a.logger.Error("Error retrying feed", logging.WithFields(map[string]interface{}{
			"source": feed.Name,
			"error":  err.Error(),
		}))
		return nil, fmt.Errorf("retry feed %s: %w", feed.Name, err)
	}
	return items, nil
}

func (a *Aggregator) fetchFeed(ctx context.Context, feed models.Feed) ([]models.NewsItem, error) {
	body, err := a.fetcher.FetchWithFallbacks(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	return a.parser.ParseFeed(body, feed.Name, feed.Category), nil
}

// MergeItems folds freshly fetched items into an existing collection. Items
// sharing a link are replaced by the fresh copy and the result is re-sorted
// newest first. Neither input is modified.
func MergeItems(existing, fresh []models.NewsItem) []models.NewsItem {
	freshLinks := make(map[string]bool, len(fresh))
	for _, item := range fresh {
		freshLinks[item.Link] = true
	}

	merged := make([]models.NewsItem, 0, len(existing)+len(fresh))
	for _, item := range existing {
		if freshLinks[item.Link] {
			continue
		}
		merged = append(merged, item)
	}
	merged = append(merged, deduplicate(fresh)...)

	sortByDate(merged)
	return merged
}

func deduplicate(items []models.NewsItem) []models.NewsItem {
	seen := make(map[string]bool, len(items))
	result := make([]models.NewsItem, 0, len(items))

	for _, item := range items {
		if seen[item.Link] {
			continue
		}
		seen[item.Link] = true
		result = append(result, item)
	}

	return result
}

func sortByDate(items []models.NewsItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
}
