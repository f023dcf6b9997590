package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnrirwin/samachar/internal/aggregator"
	"github.com/johnrirwin/samachar/internal/cache"
	"github.com/johnrirwin/samachar/internal/config"
	"github.com/johnrirwin/samachar/internal/database"
	"github.com/johnrirwin/samachar/internal/httpapi"
	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/mcp"
	"github.com/johnrirwin/samachar/internal/newsfeed"
	"github.com/johnrirwin/samachar/internal/notify"
	"github.com/johnrirwin/samachar/internal/ratelimit"
	"github.com/johnrirwin/samachar/internal/sources"
)

// App holds all application dependencies
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Cache      cache.Cache
	Aggregator *aggregator.Aggregator
	News       *newsfeed.Service
	HTTPServer *httpapi.Server
	MCPServer  *mcp.Server

	redisClient    *redis.Client
	memoryCache    *cache.MemoryCache
	db             *database.DB
	archive        newsfeed.Archive
	itemStore      *database.FeedItemStore
	seen           notify.SeenStore
	refreshLimiter ratelimit.RateLimiter
}

// New creates and initializes a new App instance
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	// Initialize logger
	app.Logger = logging.New(logging.ParseLevel(cfg.Logging.Level))

	feeds, err := config.LoadFeeds(ctx)
	if err != nil {
		return nil, err
	}
	cfg.Feeds = feeds

	// Cache, refresh limiter and seen-link store share one Redis client
	app.Cache = app.initCache()
	if err := app.initSeenStore(); err != nil {
		return nil, err
	}

	// Relay politeness and feed fetching
	limiter := ratelimit.New(cfg.Server.RateLimitDur)
	fetcher := sources.NewProxyFetcher(app.proxyChain(), limiter, app.fetcherConfig(), app.Logger.WithPrefix("fetch"))

	app.Aggregator = aggregator.New(fetcher, sources.NewParser(app.Logger), cfg.Feeds.MaxConcurrent, app.Logger)

	app.initArchive(ctx)

	app.News, err = newsfeed.New(newsfeed.Options{
		Aggregator: app.Aggregator,
		Manifest:   app.initManifest(),
		Cache:      app.Cache,
		Seen:       app.seen,
		Archive:    app.archive,
		Logger:     app.Logger,
	})
	if err != nil {
		return nil, err
	}

	app.initServers()

	return app, nil
}

// Run starts the application in the appropriate mode
func (a *App) Run(ctx context.Context) error {
	switch {
	case a.Config.Server.RefreshOnceMode:
		return a.runRefreshOnce(ctx)
	case a.Config.Server.MCPMode:
		return a.runMCPMode(ctx)
	default:
		return a.runHTTPMode(ctx)
	}
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("HTTP server shutdown error", logging.WithField("error", err.Error()))
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error("Database close error", logging.WithField("error", err.Error()))
		}
	}

	if a.memoryCache != nil {
		a.memoryCache.Stop()
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.Logger.Error("Redis close error", logging.WithField("error", err.Error()))
		}
	}

	return nil
}

func (a *App) initCache() cache.Cache {
	cooldown := a.Config.Server.RefreshCooldown

	if a.Config.Cache.Backend == "redis" {
		a.Logger.Info("Using Redis cache backend", logging.WithField("addr", a.Config.Cache.RedisAddr))
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Addr:   a.Config.Cache.RedisAddr,
			Prefix: cache.DefaultPrefix,
		}, a.Config.Cache.TTL)
		if err == nil {
			a.redisClient = redisCache.Client()
			// Use Redis for distributed rate limiting when available
			a.refreshLimiter = ratelimit.NewRedis(a.redisClient, cache.DefaultPrefix+"ratelimit:refresh:", cooldown)
			a.Logger.Info("Using Redis for distributed rate limiting")
			return redisCache
		}
		a.Logger.Error("Failed to connect to Redis, falling back to memory cache", logging.WithField("error", err.Error()))
	} else {
		a.Logger.Info("Using in-memory cache backend")
	}

	a.refreshLimiter = ratelimit.New(cooldown)
	a.memoryCache = cache.NewMemory(a.Config.Cache.TTL)
	return a.memoryCache
}

func (a *App) initSeenStore() error {
	if a.redisClient != nil {
		a.seen = notify.NewRedisSeenStore(a.redisClient, "", 0)
		return nil
	}

	seen, err := notify.NewMemorySeenStore(a.Config.Feeds.SeenCapacity)
	if err != nil {
		return fmt.Errorf("init seen store: %w", err)
	}
	a.seen = seen
	return nil
}

func (a *App) proxyChain() []sources.Proxy {
	if len(a.Config.Feeds.Proxies) == 0 {
		return sources.DefaultProxies()
	}

	chain := make([]sources.Proxy, 0, len(a.Config.Feeds.Proxies))
	for _, p := range a.Config.Feeds.Proxies {
		chain = append(chain, sources.Proxy(p))
	}
	a.Logger.Info("Using configured proxy chain", logging.WithField("proxies", len(chain)))
	return chain
}

func (a *App) fetcherConfig() sources.FetcherConfig {
	fc := sources.DefaultConfig()
	fc.Timeout = a.Config.Feeds.Timeout
	fc.MaxBodyBytes = a.Config.Feeds.MaxBodyBytes
	fc.UserAgent = a.Config.Feeds.UserAgent
	fc.Origin = a.Config.Feeds.Origin
	fc.APIKey = a.Config.Feeds.APIKey
	return fc
}

// initManifest prefers an explicit location, then a feeds.json found on disk,
// then the built-in list.
func (a *App) initManifest() aggregator.Manifest {
	location := a.Config.Feeds.Manifest
	if location == "" {
		location = sources.FindManifest()
	}
	if location == "" {
		a.Logger.Info("No feeds.json found, using default sources", logging.WithField("sources", len(sources.DefaultFeeds())))
		return sources.StaticManifest(sources.DefaultFeeds())
	}

	a.Logger.Info("Loading feed manifest", logging.WithField("location", location))
	return sources.NewManifestLoader(location, a.Config.Feeds.ManifestTimeout, a.Logger)
}

func (a *App) initArchive(ctx context.Context) {
	if !a.Config.Database.Enabled {
		return
	}

	dbConfig := database.DefaultConfig()
	dbConfig.Host = a.Config.Database.Host
	dbConfig.Port = a.Config.Database.Port
	dbConfig.User = a.Config.Database.User
	dbConfig.Password = a.Config.Database.Password
	dbConfig.Database = a.Config.Database.Database
	dbConfig.SSLMode = a.Config.Database.SSLMode

	db, err := database.New(ctx, dbConfig)
	if err != nil {
		a.Logger.Warn("Failed to connect to PostgreSQL, archive disabled", logging.WithField("error", err.Error()))
		return
	}

	if err := db.Migrate(ctx); err != nil {
		a.Logger.Warn("Failed to run migrations, archive disabled", logging.WithField("error", err.Error()))
		db.Close()
		return
	}

	a.Logger.Info("Connected to PostgreSQL, archiving articles")
	a.db = db
	a.itemStore = database.NewFeedItemStore(db)
	a.archive = a.itemStore
}

func (a *App) initServers() {
	a.HTTPServer = httpapi.New(a.News, a.refreshLimiter, a.Logger.WithPrefix("http"))
	if !a.Config.Server.EnableManualRefresh {
		a.HTTPServer.DisableManualRefresh()
	}

	mcpLogger := a.Logger.WithPrefix("mcp")
	a.MCPServer = mcp.NewServer(mcp.NewHandler(a.News, mcpLogger), mcpLogger)
}

func (a *App) runMCPMode(ctx context.Context) error {
	a.Logger.Info("Starting MCP server in stdio mode")

	a.Logger.Info("Pre-fetching feeds...")
	if _, err := a.News.Refresh(ctx); err != nil {
		a.Logger.Warn("Initial fetch had errors", logging.WithField("error", err.Error()))
	}

	return a.MCPServer.Run(ctx)
}

func (a *App) runHTTPMode(ctx context.Context) error {
	a.Logger.Info("Starting HTTP server", logging.WithField("addr", a.Config.Server.HTTPAddr))

	// Initial fetch and periodic refresh in background
	go func() {
		a.Logger.Info("Pre-fetching feeds in background...", logging.WithField("interval", a.Config.Server.RefreshInterval.String()))
		a.News.Run(ctx, a.Config.Server.RefreshInterval)
	}()

	err := a.HTTPServer.Start(a.Config.Server.HTTPAddr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// runRefreshOnce aggregates a single time, which also archives when the
// database is configured, and returns. Intended for cron jobs.
func (a *App) runRefreshOnce(ctx context.Context) error {
	start := time.Now()
	snap, err := a.News.Refresh(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info("Refresh complete", logging.WithFields(map[string]interface{}{
		"run_id":       snap.RunID,
		"items":        len(snap.Items),
		"sources":      len(snap.Sources),
		"failed_feeds": len(snap.FailedFeeds),
		"archived":     a.archive != nil,
		"duration":     time.Since(start).String(),
	}))

	a.pruneArchive(ctx)
	return nil
}

func (a *App) pruneArchive(ctx context.Context) {
	retention := a.Config.Database.Retention
	if a.itemStore == nil || retention <= 0 {
		return
	}

	deleted, err := a.itemStore.DeleteItemsOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		a.Logger.Warn("Failed to prune archive", logging.WithField("error", err.Error()))
		return
	}
	a.Logger.Info("Pruned archive", logging.WithFields(map[string]interface{}{
		"deleted":   deleted,
		"retention": retention.String(),
	}))
}
