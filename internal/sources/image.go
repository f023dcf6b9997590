package sources

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	xpp "github.com/mmcdole/goxpp"
	"golang.org/x/net/html/charset"
)

// imageCandidate is what the image search sees for one entry. contentURL is
// the url of a bare <content medium="image"> element, which gofeed parses
// without its attributes.
type imageCandidate struct {
	item       *gofeed.Item
	link       string
	contentURL string
}

// ImageExtractor is one step of the image search. It reports ok=false when it
// has no candidate so the next step runs.
type ImageExtractor func(c imageCandidate) (string, bool)

// imageCascade is consulted in order; the first hit wins.
var imageCascade = []ImageExtractor{
	mediaContentImage,
	contentElementImage,
	mediaThumbnailImage,
	enclosureImage,
	inlineHTMLImage,
}

// ExtractImage returns the best illustrative image URL for item, or "" when
// none of the strategies find one. It never fails.
func ExtractImage(item *gofeed.Item, link string) string {
	return extractImage(imageCandidate{item: item, link: link})
}

func extractImage(c imageCandidate) string {
	if c.item == nil {
		return ""
	}
	for _, extract := range imageCascade {
		if u, ok := extract(c); ok {
			return u
		}
	}
	return ""
}

// mediaContentImage reads the url attribute of media:content, including
// entries nested in media:group.
func mediaContentImage(c imageCandidate) (string, bool) {
	return mediaURL(c.item, "content")
}

func contentElementImage(c imageCandidate) (string, bool) {
	u := strings.TrimSpace(c.contentURL)
	return u, u != ""
}

func mediaThumbnailImage(c imageCandidate) (string, bool) {
	return mediaURL(c.item, "thumbnail")
}

// mediaURL returns the first url attribute of the named media: element,
// looking inside media:group when it is not a direct child.
func mediaURL(item *gofeed.Item, name string) (string, bool) {
	media, ok := item.Extensions["media"]
	if !ok {
		return "", false
	}

	if u, ok := firstURLAttr(media[name]); ok {
		return u, true
	}
	for _, group := range media["group"] {
		if u, ok := firstURLAttr(group.Children[name]); ok {
			return u, true
		}
	}
	return "", false
}

// contentImages scans raw for a <content medium="image" url="..."> in each
// item or entry. The result is indexed by entry position, with "" where an
// entry has none. A document that stops parsing early yields what was read.
func contentImages(raw []byte) []string {
	p := xpp.NewXMLPullParser(bytes.NewReader(raw), false, charset.NewReaderLabel)

	var urls []string
	inEntry := false
	for {
		event, err := p.Next()
		if err != nil || event == xpp.EndDocument {
			return urls
		}

		switch event {
		case xpp.StartTag:
			switch {
			case isEntryTag(p.Name):
				inEntry = true
				urls = append(urls, "")
			case inEntry && p.Name == "content" && urls[len(urls)-1] == "":
				if strings.EqualFold(strings.TrimSpace(p.Attribute("medium")), "image") {
					urls[len(urls)-1] = strings.TrimSpace(p.Attribute("url"))
				}
			}
		case xpp.EndTag:
			if isEntryTag(p.Name) {
				inEntry = false
			}
		}
	}
}

func isEntryTag(name string) bool {
	return name == "item" || name == "entry"
}

func firstURLAttr(elems []ext.Extension) (string, bool) {
	for _, e := range elems {
		if u := strings.TrimSpace(e.Attrs["url"]); u != "" {
			return u, true
		}
	}
	return "", false
}

func enclosureImage(c imageCandidate) (string, bool) {
	for _, enc := range c.item.Enclosures {
		if enc == nil {
			continue
		}
		u := strings.TrimSpace(enc.URL)
		if u != "" && strings.HasPrefix(strings.ToLower(enc.Type), "image") {
			return u, true
		}
	}
	return "", false
}

// inlineHTMLImage finds the first <img src> in the full content, falling back
// to the summary, and resolves it against the article link.
func inlineHTMLImage(c imageCandidate) (string, bool) {
	html := c.item.Content
	if strings.TrimSpace(html) == "" {
		html = c.item.Description
	}
	if !strings.Contains(html, "<img") {
		return "", false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	src, ok := doc.Find("img[src]").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", false
	}

	return resolveURL(c.link, src)
}

// resolveURL resolves ref against base. A malformed reference, or a relative
// one with no usable base, yields ok=false.
func resolveURL(base, ref string) (string, bool) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	if r.IsAbs() {
		return r.String(), true
	}

	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil || !b.IsAbs() {
		return "", false
	}
	return b.ResolveReference(r).String(), true
}
