package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
	"github.com/johnrirwin/samachar/internal/newsfeed"
)

const defaultNewsLimit = 20

type Handler struct {
	news   *newsfeed.Service
	logger *logging.Logger
}

func NewHandler(news *newsfeed.Service, logger *logging.Logger) *Handler {
	return &Handler{
		news:   news,
		logger: logger,
	}
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type GetNewsParams struct {
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
	Sources  []string `json:"sources"`
	Category string   `json:"category"`
	Query    string   `json:"query"`
	FromDate string   `json:"fromDate"`
	ToDate   string   `json:"toDate"`
}

type RetryFeedParams struct {
	URL string `json:"url"`
}

func (h *Handler) GetTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get_news",
			Description: "Get the latest Nepali news items aggregated from all configured RSS/Atom feeds, newest first.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {
						"type": "integer",
						"description": "Maximum number of items to return (default: 20)"
					},
					"offset": {
						"type": "integer",
						"description": "Number of items to skip"
					},
					"sources": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Only include these source names"
					},
					"category": {
						"type": "string",
						"description": "Category tab, e.g. news, sports, business ('all' for everything)"
					},
					"query": {
						"type": "string",
						"description": "Search title, description and source"
					},
					"fromDate": {
						"type": "string",
						"description": "Earliest publish date (YYYY-MM-DD)"
					},
					"toDate": {
						"type": "string",
						"description": "Latest publish date, inclusive (YYYY-MM-DD)"
					}
				}
			}`),
		},
		{
			Name:        "get_news_sources",
			Description: "List configured feeds with their item counts and whether the last fetch failed.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
		{
			Name:        "refresh_news",
			Description: "Fetch every configured feed again and replace the current news list.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
		{
			Name:        "retry_feed",
			Description: "Retry a single feed that failed to load and merge its items into the news list.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {
						"type": "string",
						"description": "Feed URL as listed by get_news_sources"
					}
				},
				"required": ["url"]
			}`),
		},
	}
}

func (h *Handler) HandleToolCall(ctx context.Context, name string, arguments json.RawMessage) (interface{}, error) {
	switch name {
	case "get_news":
		return h.handleGetNews(ctx, arguments)
	case "get_news_sources":
		return h.handleGetSources(ctx)
	case "refresh_news":
		return h.handleRefresh(ctx)
	case "retry_feed":
		return h.handleRetryFeed(ctx, arguments)
	default:
		return nil, &ToolError{Message: "Unknown tool: " + name}
	}
}

func (h *Handler) handleGetNews(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var params GetNewsParams
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &params); err != nil {
			return nil, &ToolError{Message: "Invalid arguments: " + err.Error()}
		}
	}

	if params.Limit <= 0 {
		params.Limit = defaultNewsLimit
	}

	// The stdio server pre-fetches, but a client may call before that lands.
	if _, err := h.news.Snapshot(ctx); errors.Is(err, newsfeed.ErrNoSnapshot) {
		if _, err := h.news.Refresh(ctx); err != nil {
			return nil, &ToolError{Message: "Failed to load news: " + err.Error()}
		}
	}

	return h.news.GetItems(ctx, models.FilterParams{
		Limit:    params.Limit,
		Offset:   params.Offset,
		Sources:  params.Sources,
		Category: params.Category,
		Query:    params.Query,
		FromDate: params.FromDate,
		ToDate:   params.ToDate,
	}), nil
}

func (h *Handler) handleGetSources(ctx context.Context) (interface{}, error) {
	statuses, err := h.news.Sources(ctx)
	if err != nil {
		return nil, &ToolError{Message: "Failed to load sources: " + err.Error()}
	}
	return map[string]interface{}{
		"sources": statuses,
		"count":   len(statuses),
	}, nil
}

func (h *Handler) handleRefresh(ctx context.Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	snap, err := h.news.Refresh(ctx)
	if err != nil {
		return nil, &ToolError{Message: "Failed to refresh: " + err.Error()}
	}

	return map[string]interface{}{
		"status":      "success",
		"items":       len(snap.Items),
		"sources":     snap.Sources,
		"failedFeeds": snap.FailedFeeds,
	}, nil
}

func (h *Handler) handleRetryFeed(ctx context.Context, arguments json.RawMessage) (interface{}, error) {
	var params RetryFeedParams
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &params); err != nil {
			return nil, &ToolError{Message: "Invalid arguments: " + err.Error()}
		}
	}
	if strings.TrimSpace(params.URL) == "" {
		return nil, &ToolError{Message: "url is required"}
	}

	items, err := h.news.RetryFeed(ctx, params.URL)
	if err != nil {
		h.logger.Warn("Feed retry failed", logging.WithFields(map[string]interface{}{
			"url":   params.URL,
			"error": err.Error(),
		}))
		return nil, &ToolError{Message: "Failed to reload feed, try again later: " + err.Error()}
	}

	return map[string]interface{}{
		"status": "success",
		"items":  items,
		"count":  len(items),
	}, nil
}

type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	return e.Message
}
