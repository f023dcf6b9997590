package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RSSItem is one <item> for RSS.
type RSSItem struct {
	Title   string
	Link    string
	PubDate string
}

// RSS renders a minimal RSS 2.0 document.
func RSS(items ...RSSItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>test</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, "<item><title>%s</title><link>%s</link><pubDate>%s</pubDate></item>", it.Title, it.Link, it.PubDate)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

// Relay is a fake CORS relay. It answers /?url=<target> with the body
// registered for target and 502 for anything else.
type Relay struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]string
}

func NewRelay(t *testing.T) *Relay {
	t.Helper()

	relay := &Relay{bodies: make(map[string]string)}
	relay.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.mu.Lock()
		body, ok := relay.bodies[r.URL.Query().Get("url")]
		relay.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(relay.Close)

	return relay
}

// Proxy returns the relay's query-style template.
func (r *Relay) Proxy() string {
	return r.URL + "/?url="
}

// Serve registers body for target. An empty body removes it.
func (r *Relay) Serve(target, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if body == "" {
		delete(r.bodies, target)
		return
	}
	r.bodies[target] = body
}
