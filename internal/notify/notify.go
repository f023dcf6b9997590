package notify

import (
	"context"
	"sort"

	"github.com/johnrirwin/samachar/internal/models"
)

// Notification announces one article the reader has not seen yet.
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Link      string `json:"link"`
	Timestamp int64  `json:"timestamp"`
	Read      bool   `json:"read"`
}

// Diff returns notifications for items whose links are not in store, newest
// first, and records those links as seen.
//
// An empty store is treated as a first visit: every current link is recorded
// and nothing is reported, so a new reader is not flooded with the backlog.
func Diff(ctx context.Context, store SeenStore, items []models.NewsItem) ([]Notification, error) {
	links := make([]string, len(items))
	for i, item := range items {
		links[i] = item.Link
	}

	n, err := store.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if err := store.Add(ctx, links...); err != nil {
			return nil, err
		}
		return []Notification{}, nil
	}

	seen, err := store.Seen(ctx, links)
	if err != nil {
		return nil, err
	}

	fresh := make([]models.NewsItem, 0)
	freshLinks := make([]string, 0)
	reported := make(map[string]bool)
	for i, item := range items {
		if seen[i] || reported[item.Link] {
			continue
		}
		reported[item.Link] = true
		fresh = append(fresh, item)
		freshLinks = append(freshLinks, item.Link)
	}

	if len(fresh) == 0 {
		return []Notification{}, nil
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].PublishedAt.After(fresh[j].PublishedAt)
	})

	notifications := make([]Notification, len(fresh))
	for i, item := range fresh {
		notifications[i] = Notification{
			ID:        item.Link,
			Title:     item.Source,
			Body:      item.Title,
			Link:      item.Link,
			Timestamp: item.PublishedAt.UnixMilli(),
		}
	}

	if err := store.Add(ctx, freshLinks...); err != nil {
		return nil, err
	}
	return notifications, nil
}
