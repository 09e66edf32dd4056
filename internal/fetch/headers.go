package fetch

import (
	"math/rand"
	"net/http"
)

// Rotation pools for request headers. A fresh combination is drawn per
// attempt so repeated retries do not present an identical fingerprint.
var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	}

	acceptValues = []string{
		"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	}

	acceptLanguages = []string{
		"en-US,en;q=0.9",
		"en-US,en;q=0.8",
		"en-GB,en;q=0.9,en-US;q=0.8",
		"en-US,en;q=0.9,es;q=0.6",
	}
)

// headerSource draws randomized request headers, layering any configured
// baseline overrides on top of the rotated values.
type headerSource struct {
	overrides map[string]string
}

func newHeaderSource(overrides map[string]string) *headerSource {
	return &headerSource{overrides: overrides}
}

// next returns a freshly drawn header set.
func (h *headerSource) next() http.Header {
	headers := http.Header{}
	headers.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	headers.Set("Accept", acceptValues[rand.Intn(len(acceptValues))])
	headers.Set("Accept-Language", acceptLanguages[rand.Intn(len(acceptLanguages))])
	headers.Set("Cache-Control", "no-cache")
	headers.Set("DNT", "1")
	for k, v := range h.overrides {
		headers.Set(k, v)
	}
	return headers
}
