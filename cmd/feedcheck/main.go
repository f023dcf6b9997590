package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/johnrirwin/samachar/internal/aggregator"
	"github.com/johnrirwin/samachar/internal/config"
	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
	"github.com/johnrirwin/samachar/internal/sources"
)

// feedcheck runs the fetch and parse pipeline for one feed, or for the whole
// manifest, and prints what a reader would see. Useful for checking a new
// feed or a proxy outage without starting the server.
func main() {
	feedURL := flag.String("url", os.Getenv("FEED_URL"), "single feed URL to check")
	name := flag.String("name", "Check", "source name for a single feed")
	category := flag.String("category", "news", "category for a single feed")
	limit := flag.Int("limit", 5, "items to print per feed")
	verbose := flag.Bool("v", false, "log every proxy attempt")
	flag.Parse()

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(level)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	feedsCfg, err := config.LoadFeeds(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid feed configuration: %v\n", err)
		os.Exit(1)
	}

	fc := sources.DefaultConfig()
	fc.Timeout = feedsCfg.Timeout
	fc.MaxBodyBytes = feedsCfg.MaxBodyBytes
	fc.UserAgent = feedsCfg.UserAgent
	fc.Origin = feedsCfg.Origin
	fc.APIKey = feedsCfg.APIKey

	proxies := sources.DefaultProxies()
	if len(feedsCfg.Proxies) > 0 {
		proxies = proxies[:0]
		for _, p := range feedsCfg.Proxies {
			proxies = append(proxies, sources.Proxy(p))
		}
	}

	fetcher := sources.NewProxyFetcher(proxies, nil, fc, logger)
	agg := aggregator.New(fetcher, sources.NewParser(logger), feedsCfg.MaxConcurrent, logger)

	fmt.Println("Proxy chain:")
	for i, p := range fetcher.Proxies() {
		fmt.Printf("  %d. %s\n", i+1, p)
	}

	if *feedURL != "" {
		feed := models.Feed{Name: *name, URL: *feedURL, Category: *category}
		items, err := agg.RetryFeed(ctx, feed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch failed: %v\n", err)
			if errors.Is(err, sources.ErrFetchExhausted) {
				fmt.Fprintf(os.Stderr, "tried %d proxies\n", len(fetcher.Proxies()))
			}
			os.Exit(1)
		}
		printItems(feed.Name, items, *limit)
		return
	}

	var manifest aggregator.Manifest = sources.StaticManifest(sources.DefaultFeeds())
	location := feedsCfg.Manifest
	if location == "" {
		location = sources.FindManifest()
	}
	if location != "" {
		loader := sources.NewManifestLoader(location, feedsCfg.ManifestTimeout, logger)
		fmt.Printf("Manifest: %s\n", loader.Location())
		manifest = loader
	} else {
		fmt.Println("Manifest: built-in feed list")
	}

	start := time.Now()
	result, err := agg.AggregateManifest(ctx, manifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manifest failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Items: %d from %d sources in %s\n", len(result.Items), len(result.Sources), time.Since(start).Round(time.Millisecond))
	perSource := make(map[string][]models.NewsItem)
	for _, item := range result.Items {
		perSource[item.Source] = append(perSource[item.Source], item)
	}
	for _, source := range result.Sources {
		printItems(source, perSource[source], *limit)
	}

	if len(result.FailedFeeds) > 0 {
		fmt.Println("Failed feeds:")
		for _, feed := range result.FailedFeeds {
			fmt.Printf("  - %s (%s)\n", feed.Name, feed.URL)
		}
		os.Exit(2)
	}
}

func printItems(source string, items []models.NewsItem, limit int) {
	fmt.Printf("%s: %d items\n", source, len(items))
	for i, item := range items {
		if i == limit {
			fmt.Printf("  ... %d more\n", len(items)-limit)
			break
		}
		date := "undated"
		if !item.PublishedAt.IsZero() {
			date = item.PublishedAt.Format(time.RFC3339)
		}
		fmt.Printf("  - [%s] %s\n", date, item.Title)
		if item.ImageURL != "" {
			fmt.Printf("    image: %s\n", item.ImageURL)
		}
	}
}
