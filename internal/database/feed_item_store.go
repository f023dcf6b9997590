package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/johnrirwin/samachar/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// FeedItemStore archives aggregated articles in Postgres so they outlive the
// feeds' own rolling windows.
type FeedItemStore struct {
	db *DB
}

func NewFeedItemStore(db *DB) *FeedItemStore {
	return &FeedItemStore{db: db}
}

// UpsertItems stores items keyed by link. A re-fetched article overwrites the
// archived copy.
func (s *FeedItemStore) UpsertItems(ctx context.Context, runID string, items []models.NewsItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feed_items (
			id, title, link, pub_date, published_at,
			description, image_url, source, categories, run_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			NOW(), NOW()
		)
		ON CONFLICT (link) DO UPDATE SET
			id = EXCLUDED.id,
			title = EXCLUDED.title,
			pub_date = EXCLUDED.pub_date,
			published_at = EXCLUDED.published_at,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			source = EXCLUDED.source,
			categories = EXCLUDED.categories,
			run_id = EXCLUDED.run_id,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		categories := item.Categories
		if categories == nil {
			categories = []string{}
		}

		if _, err := stmt.ExecContext(ctx,
			item.ID,
			item.Title,
			item.Link,
			item.PubDate,
			nullTime(item.PublishedAt),
			nullString(item.Description),
			nullString(item.ImageURL),
			item.Source,
			pq.Array(categories),
			nullString(runID),
		); err != nil {
			return fmt.Errorf("upsert feed item %s: %w", item.Link, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RecordRun stores the summary of one aggregation pass.
func (s *FeedItemStore) RecordRun(ctx context.Context, snap models.Snapshot) error {
	failed := make([]string, 0, len(snap.FailedFeeds))
	for _, feed := range snap.FailedFeeds {
		failed = append(failed, feed.URL)
	}
	sources := snap.Sources
	if sources == nil {
		sources = []string{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO aggregation_runs (id, fetched_at, item_count, sources, failed_feeds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, snap.RunID, snap.FetchedAt, len(snap.Items), pq.Array(sources), pq.Array(failed))
	if err != nil {
		return fmt.Errorf("record run %s: %w", snap.RunID, err)
	}
	return nil
}

func (s *FeedItemStore) DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feed_items WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old feed items: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// QueryItems returns items + total matching count (before limit/offset).
func (s *FeedItemStore) QueryItems(ctx context.Context, params models.FilterParams) ([]models.NewsItem, int, error) {
	countQuery, countArgs, selectQuery, selectArgs, err := buildItemQueries(params)
	if err != nil {
		return nil, 0, fmt.Errorf("build feed item query: %w", err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count feed items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectQuery, selectArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query feed items: %w", err)
	}
	defer rows.Close()

	items := make([]models.NewsItem, 0)
	for rows.Next() {
		var item models.NewsItem
		var publishedAt sql.NullTime
		var description, imageURL sql.NullString
		var categories pq.StringArray

		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.Link,
			&item.PubDate,
			&publishedAt,
			&description,
			&imageURL,
			&item.Source,
			&categories,
		); err != nil {
			return nil, 0, fmt.Errorf("scan feed item: %w", err)
		}

		if publishedAt.Valid {
			item.PublishedAt = publishedAt.Time
		}
		item.Description = description.String
		item.ImageURL = imageURL.String
		item.Categories = []string(categories)
		if item.Categories == nil {
			item.Categories = []string{}
		}

		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate feed items: %w", err)
	}

	return items, total, nil
}

// buildItemQueries renders the count and page queries for params with
// Postgres placeholders.
func buildItemQueries(params models.FilterParams) (countSQL string, countArgs []interface{}, selectSQL string, selectArgs []interface{}, err error) {
	filter := buildItemFilter(params)

	countSQL, countArgs, err = psql.Select("COUNT(*)").From("feed_items").Where(filter).ToSql()
	if err != nil {
		return "", nil, "", nil, err
	}

	page := psql.Select(
		"id", "title", "link", "pub_date", "published_at",
		"description", "image_url", "source", "categories",
	).From("feed_items").Where(filter).OrderBy("published_at DESC NULLS LAST", "link")
	if params.Limit > 0 {
		page = page.Limit(uint64(params.Limit)).Offset(uint64(params.Offset))
	}

	selectSQL, selectArgs, err = page.ToSql()
	if err != nil {
		return "", nil, "", nil, err
	}
	return countSQL, countArgs, selectSQL, selectArgs, nil
}

// buildItemFilter turns filter params into a conjunction. An empty filter
// renders as (1=1).
func buildItemFilter(params models.FilterParams) sq.And {
	filter := sq.And{}

	if len(params.Sources) > 0 {
		lowered := make([]string, 0, len(params.Sources))
		for _, src := range params.Sources {
			trimmed := strings.TrimSpace(src)
			if trimmed == "" {
				continue
			}
			lowered = append(lowered, strings.ToLower(trimmed))
		}
		if len(lowered) > 0 {
			filter = append(filter, sq.Expr("LOWER(source) = ANY(?)", pq.Array(lowered)))
		}
	}

	if category := strings.TrimSpace(params.Category); category != "" && !strings.EqualFold(category, "all") {
		filter = append(filter, sq.Expr("EXISTS (SELECT 1 FROM unnest(categories) c WHERE LOWER(c) = LOWER(?))", category))
	}

	if query := strings.TrimSpace(params.Query); query != "" {
		like := "%" + query + "%"
		filter = append(filter, sq.Expr("(title ILIKE ? OR description ILIKE ? OR source ILIKE ?)", like, like, like))
	}

	if fromTime, ok := models.ParseDateFilter(params.FromDate); ok {
		filter = append(filter, sq.GtOrEq{"published_at": fromTime})
	}
	if toTime, ok := models.ParseDateFilter(params.ToDate); ok {
		// End of day for inclusive filter.
		filter = append(filter, sq.LtOrEq{"published_at": toTime.Add(24*time.Hour - time.Nanosecond)})
	}

	return filter
}
