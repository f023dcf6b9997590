package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
)

// ErrManifestUnavailable means the feed list itself could not be obtained, so
// there is nothing to aggregate.
var ErrManifestUnavailable = errors.New("feed manifest unavailable")

// ManifestLoader reads the feed list from an http(s) URL or a local file.
type ManifestLoader struct {
	location    string
	client      *http.Client
	logger      *logging.Logger
	maxRetries  uint64
	baseBackoff time.Duration
}

func NewManifestLoader(location string, timeout time.Duration, logger *logging.Logger) *ManifestLoader {
	return &ManifestLoader{
		location:    location,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
		maxRetries:  2,
		baseBackoff: 500 * time.Millisecond,
	}
}

func (m *ManifestLoader) Location() string {
	return m.location
}

// Load returns the normalized feed list. Any failure wraps
// ErrManifestUnavailable.
func (m *ManifestLoader) Load(ctx context.Context) ([]models.Feed, error) {
	if strings.TrimSpace(m.location) == "" {
		return nil, fmt.Errorf("%w: no manifest location configured", ErrManifestUnavailable)
	}

	var data []byte
	var err error
	if isRemote(m.location) {
		data, err = m.download(ctx)
	} else {
		data, err = os.ReadFile(m.location)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrManifestUnavailable, m.location, err)
	}

	feeds, err := DecodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	}

	return m.normalize(feeds), nil
}

func (m *ManifestLoader) download(ctx context.Context) ([]byte, error) {
	var body []byte

	backoff := retry.WithMaxRetries(m.maxRetries, retry.NewFibonacci(m.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.location, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := m.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("manifest returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("manifest returned status %d", resp.StatusCode)
		}

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeManifest accepts either a bare JSON array of feeds or an object with
// a "feeds" array.
func DecodeManifest(data []byte) ([]models.Feed, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("manifest is empty")
	}

	if trimmed[0] == '[' {
		var feeds []models.Feed
		if err := json.Unmarshal(trimmed, &feeds); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		return feeds, nil
	}

	var wrapped struct {
		Feeds []models.Feed `json:"feeds"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return wrapped.Feeds, nil
}

// normalize drops entries with no name or URL and collapses duplicate URLs,
// keeping the first occurrence.
func (m *ManifestLoader) normalize(feeds []models.Feed) []models.Feed {
	seen := make(map[string]bool, len(feeds))
	out := make([]models.Feed, 0, len(feeds))

	for _, f := range feeds {
		f.Name = strings.TrimSpace(f.Name)
		f.URL = strings.TrimSpace(f.URL)
		f.Category = strings.TrimSpace(f.Category)

		if f.Name == "" || f.URL == "" {
			m.logger.Warn("Skipping manifest entry without name or url", logging.WithFields(map[string]interface{}{
				"name": f.Name,
				"url":  f.URL,
			}))
			continue
		}
		if seen[f.URL] {
			m.logger.Debug("Skipping duplicate feed url", logging.WithField("url", f.URL))
			continue
		}
		seen[f.URL] = true
		out = append(out, f)
	}

	return out
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// FindManifest searches for feeds.json in common locations
func FindManifest() string {
	locations := []string{
		"feeds.json",
		"../feeds.json",
		"/app/feeds.json",
		"config/feeds.json",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			absPath, _ := filepath.Abs(loc)
			return absPath
		}
	}

	return ""
}

// DefaultFeeds is used when no manifest can be located at startup.
func DefaultFeeds() []models.Feed {
	return []models.Feed{
		{Name: "Onlinekhabar", URL: "https://www.onlinekhabar.com/feed", Category: "news"},
		{Name: "Setopati", URL: "https://www.setopati.com/feed", Category: "news"},
		{Name: "Ratopati", URL: "https://www.ratopati.com/feed", Category: "news"},
		{Name: "The Himalayan Times", URL: "https://thehimalayantimes.com/feed", Category: "english"},
		{Name: "The Kathmandu Post", URL: "https://kathmandupost.com/rss", Category: "english"},
		{Name: "Nepali Times", URL: "https://www.nepalitimes.com/feed", Category: "english"},
		{Name: "BBC Nepali", URL: "https://feeds.bbci.co.uk/nepali/rss.xml", Category: "international"},
	}
}

// StaticManifest serves a fixed feed list, for defaults and tests.
type StaticManifest []models.Feed

func (s StaticManifest) Load(ctx context.Context) ([]models.Feed, error) {
	out := make([]models.Feed, len(s))
	copy(out, s)
	return out, nil
}
