package newsfeed

import (
	"strings"
	"time"

	"github.com/johnrirwin/samachar/internal/models"
)

// FilterItems applies category, source, search and date filters. The input
// order (newest first) is preserved. A category of "" or "all" matches
// everything.
func FilterItems(items []models.NewsItem, params models.FilterParams) []models.NewsItem {
	category := strings.TrimSpace(params.Category)
	if strings.EqualFold(category, "all") {
		category = ""
	}
	search := strings.ToLower(strings.TrimSpace(params.Query))

	sourceSet := make(map[string]bool, len(params.Sources))
	for _, src := range params.Sources {
		if src = strings.TrimSpace(src); src != "" {
			sourceSet[strings.ToLower(src)] = true
		}
	}

	fromTime, hasFrom := models.ParseDateFilter(params.FromDate)
	toTime, hasTo := models.ParseDateFilter(params.ToDate)
	if hasTo {
		toTime = toTime.Add(24*time.Hour - time.Nanosecond) // End of day
	}

	if category == "" && search == "" && len(sourceSet) == 0 && !hasFrom && !hasTo {
		return items
	}

	filtered := make([]models.NewsItem, 0)
	for _, item := range items {
		if len(sourceSet) > 0 && !sourceSet[strings.ToLower(item.Source)] {
			continue
		}

		if category != "" && !containsFold(item.Categories, category) {
			continue
		}

		if search != "" {
			title := strings.ToLower(item.Title)
			description := strings.ToLower(item.Description)
			source := strings.ToLower(item.Source)
			if !strings.Contains(title, search) && !strings.Contains(description, search) && !strings.Contains(source, search) {
				continue
			}
		}

		// Undated items cannot satisfy a date bound.
		if (hasFrom || hasTo) && item.PublishedAt.IsZero() {
			continue
		}
		if hasFrom && item.PublishedAt.Before(fromTime) {
			continue
		}
		if hasTo && item.PublishedAt.After(toTime) {
			continue
		}

		filtered = append(filtered, item)
	}

	return filtered
}

func paginate(items []models.NewsItem, limit, offset int) []models.NewsItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []models.NewsItem{}
	}
	if limit <= 0 {
		return items[offset:]
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
