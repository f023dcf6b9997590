package models

import "time"

// Feed is one configured RSS/Atom endpoint. URL is its identity.
type Feed struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Category string `json:"category"`
}

// NewsItem is the normalized shape of one article across feed formats.
type NewsItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PubDate     string    `json:"pubDate"`
	PublishedAt time.Time `json:"publishedAt"`
	Description string    `json:"description"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Source      string    `json:"source"`
	Categories  []string  `json:"categories"`
}

// AggregationResult is the outcome of one aggregation pass over a feed list.
// Items are sorted newest first; FailedFeeds only holds fetch-level failures.
type AggregationResult struct {
	Items       []NewsItem `json:"items"`
	Sources     []string   `json:"sources"`
	FailedFeeds []Feed     `json:"failedFeeds"`
}

type FilterParams struct {
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
	Sources  []string `json:"sources"`
	Category string   `json:"category"`
	Query    string   `json:"query"`
	FromDate string   `json:"fromDate"`
	ToDate   string   `json:"toDate"`
}

type ItemsResponse struct {
	Items       []NewsItem `json:"items"`
	TotalCount  int        `json:"totalCount"`
	FetchedAt   time.Time  `json:"fetchedAt"`
	RunID       string     `json:"runId,omitempty"`
	SourceCount int        `json:"sourceCount"`
}

// Snapshot is the caller-owned view of the latest aggregation.
type Snapshot struct {
	RunID       string     `json:"runId"`
	FetchedAt   time.Time  `json:"fetchedAt"`
	Items       []NewsItem `json:"items"`
	Sources     []string   `json:"sources"`
	FailedFeeds []Feed     `json:"failedFeeds"`
}

// SourceStatus describes one configured feed as of the latest snapshot.
type SourceStatus struct {
	Feed
	ItemCount int  `json:"itemCount"`
	Failed    bool `json:"failed"`
}
