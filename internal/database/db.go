package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
)

// Config describes the archive database. The pool is small: the archive is
// written once per aggregation run and read by /api/archive.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectRetries bounds the pings made while PostgreSQL is starting.
	ConnectRetries uint64
	ConnectBackoff time.Duration
	PingTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "samachar",
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectRetries:  3,
		ConnectBackoff:  500 * time.Millisecond,
		PingTimeout:     5 * time.Second,
	}
}

// URL renders the config as a postgres:// connection string. Credentials
// are escaped, so passwords may contain any character.
func (c Config) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// DB is the archive connection pool.
type DB struct {
	*sql.DB
	config Config
}

// New opens the pool and waits for the server to answer a ping, retrying
// with exponential backoff. It fails once ctx is done or retries run out.
func New(ctx context.Context, config Config) (*DB, error) {
	db, err := sql.Open("postgres", config.URL())
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	backoff := retry.WithMaxRetries(config.ConnectRetries, retry.NewExponential(config.ConnectBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, config.PingTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s:%d/%s: %w", config.Host, config.Port, config.Database, err)
	}

	return &DB{DB: db, config: config}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Migrate creates the archive schema. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationFeedItems,
		migrationFeedItemIndexes,
		migrationAggregationRuns,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

const migrationFeedItems = `
CREATE TABLE IF NOT EXISTS feed_items (
    id VARCHAR(64) PRIMARY KEY,
    title TEXT NOT NULL,
    link TEXT NOT NULL UNIQUE,
    pub_date VARCHAR(128) NOT NULL,
    published_at TIMESTAMPTZ,
    description TEXT,
    image_url TEXT,
    source VARCHAR(255) NOT NULL,
    categories TEXT[] NOT NULL DEFAULT '{}',
    run_id UUID,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
)`

const migrationFeedItemIndexes = `
CREATE INDEX IF NOT EXISTS idx_feed_items_published_at ON feed_items(published_at DESC NULLS LAST);
CREATE INDEX IF NOT EXISTS idx_feed_items_source ON feed_items(LOWER(source));
`

const migrationAggregationRuns = `
CREATE TABLE IF NOT EXISTS aggregation_runs (
    id UUID PRIMARY KEY,
    fetched_at TIMESTAMPTZ NOT NULL,
    item_count INTEGER NOT NULL,
    sources TEXT[] NOT NULL DEFAULT '{}',
    failed_feeds TEXT[] NOT NULL DEFAULT '{}'
)`

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
