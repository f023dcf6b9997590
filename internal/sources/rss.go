package sources

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"golang.org/x/text/unicode/norm"

	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
)

const descriptionLimit = 200

// isoMillis matches the timestamp shape browsers emit for Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z"

var stripPolicy = bluemonday.StrictPolicy()

// Parser turns raw RSS/Atom text into NewsItems.
type Parser struct {
	logger *logging.Logger
	now    func() time.Time
}

func NewParser(logger *logging.Logger) *Parser {
	return &Parser{
		logger: logger,
		now:    time.Now,
	}
}

// ParseFeed normalizes every entry of raw. Entries without a title or link are
// dropped. A document that cannot be parsed is logged and yields no items.
func (p *Parser) ParseFeed(raw []byte, source, category string) []models.NewsItem {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		p.logger.Error("Error parsing feed", logging.WithFields(map[string]interface{}{
			"source": source,
			"error":  err.Error(),
		}))
		return []models.NewsItem{}
	}

	// Only worth a second pass when some element carries a medium attribute.
	var contentURLs []string
	if bytes.Contains(raw, []byte("medium")) {
		contentURLs = contentImages(raw)
		if len(contentURLs) != len(feed.Items) {
			contentURLs = nil
		}
	}

	items := make([]models.NewsItem, 0, len(feed.Items))
	for i, entry := range feed.Items {
		if entry == nil {
			continue
		}
		image := imageCandidate{item: entry, link: strings.TrimSpace(entry.Link)}
		if contentURLs != nil {
			image.contentURL = contentURLs[i]
		}
		item, ok := p.normalize(entry, image, source, category)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	return items
}

func (p *Parser) normalize(entry *gofeed.Item, image imageCandidate, source, category string) (models.NewsItem, bool) {
	title := norm.NFC.String(strings.TrimSpace(entry.Title))
	link := strings.TrimSpace(entry.Link)
	if title == "" || link == "" {
		return models.NewsItem{}, false
	}

	pubDate := strings.TrimSpace(entry.Published)
	if pubDate == "" {
		pubDate = strings.TrimSpace(entry.Updated)
	}

	var publishedAt time.Time
	switch {
	case pubDate == "":
		publishedAt = p.now().UTC()
		pubDate = publishedAt.Format(isoMillis)
	case entry.PublishedParsed != nil:
		publishedAt = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		publishedAt = *entry.UpdatedParsed
	default:
		publishedAt = models.ParsePubDate(pubDate)
	}

	rawDescription := entry.Description
	if strings.TrimSpace(rawDescription) == "" {
		rawDescription = entry.Content
	}

	return models.NewsItem{
		ID:          generateID(source, link),
		Title:       title,
		Link:        link,
		PubDate:     pubDate,
		PublishedAt: publishedAt,
		Description: truncate(plainText(rawDescription), descriptionLimit),
		ImageURL:    extractImage(image),
		Source:      source,
		Categories:  []string{category},
	}, true
}

// plainText strips all markup and collapses whitespace.
func plainText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(stripPolicy.Sanitize(s))
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// truncate cuts s to at most n runes so Devanagari text is never split
// mid-character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func generateID(source, link string) string {
	hash := sha256.Sum256([]byte(source + link))
	return fmt.Sprintf("%x", hash[:8])
}
