package sources

import (
	"time"
)

type FetcherConfig struct {
	// Timeout bounds a single proxy attempt, not the whole fallback chain.
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	// Origin is sent on every relay request; several proxies reject requests
	// without one.
	Origin string
	// APIKey is sent as x-cors-api-key, required by proxy.cors.sh.
	APIKey string
}

func DefaultConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:      15 * time.Second,
		MaxBodyBytes: 10 << 20,
		UserAgent:    "Samachar/1.0",
		Origin:       "http://localhost:8080",
		APIKey:       "temp_1234567890",
	}
}

// DefaultProxies is the relay chain in priority order. The first entries are
// the most reliable and support the headers we send.
func DefaultProxies() []Proxy {
	return []Proxy{
		"https://api.allorigins.win/raw?url=",
		"https://corsproxy.io/?",
		"https://cors.eu.org/",
		"https://proxy.cors.sh/",
		"https://cors-anywhere.herokuapp.com/",
		"https://thingproxy.freeboard.io/fetch/",
		"https://api.codetabs.com/v1/proxy/?quest=",
		"https://cors-proxy.fringe.zone/",
		"https://cors.bridged.cc/",
		"https://yacdn.org/proxy/",
		"https://api.consumet.org/utils/cors?url=",
		"https://cors-proxy.fly.dev/",
		"https://proxy.link.raw.im/?url=",
	}
}
