// Package content defines core types shared across subsystems.
package content

import (
	"strings"
	"time"
)

// CanonicalTarget is one entry of the candidate roster: the authoritative
// record a free-text query resolves to. Aliases come from pipe-delimited
// name fields in the source table.
type CanonicalTarget struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases,omitempty"`
	SourceURL string   `json:"source_url"`
}

// Names returns the canonical name followed by all aliases.
func (t CanonicalTarget) Names() []string {
	names := make([]string, 0, len(t.Aliases)+1)
	names = append(names, t.Name)
	names = append(names, t.Aliases...)
	return names
}

// SplitAliases parses a pipe-delimited name field into a canonical name and
// its aliases. The first non-empty segment becomes the canonical name.
func SplitAliases(field string) (string, []string) {
	parts := strings.Split(field, "|")
	var name string
	var aliases []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if name == "" {
			name = p
			continue
		}
		aliases = append(aliases, p)
	}
	return name, aliases
}

// MediaKind classifies a media link.
type MediaKind string

// Media kinds stored with each creator record.
const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// Media is a single preview image or video link.
type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Item is one structured content row extracted from a creator's pages.
type Item struct {
	Title    string     `json:"title"`
	URL      string     `json:"url"`
	PostedAt *time.Time `json:"posted_at,omitempty"`
}

// CreatorRecord is the durable cache entry for one canonical name. Writers
// replace the whole record; readers never see a partial mix of old and new.
type CreatorRecord struct {
	CanonicalName string            `json:"canonical_name"`
	SourceURL     string            `json:"source_url"`
	Items         []Item            `json:"items"`
	PreviewImages []Media           `json:"preview_images"`
	VideoLinks    []Media           `json:"video_links"`
	SocialLinks   map[string]string `json:"social_links"`
	TotalPages    int               `json:"total_pages"`
	LastScrapedAt time.Time         `json:"last_scraped_at"`
}

// Extraction is the structured output of parsing one page of markup.
type Extraction struct {
	SocialLinks   map[string]string
	PreviewImages []Media
	VideoLinks    []Media
	Items         []Item
	MaxPageNumber int
}

// Extractor turns fetched markup into structured content. Implementations
// are pure functions over their input; the engine only consumes the output
// shape and treats parsing itself as a black box.
type Extractor interface {
	Extract(html string) (Extraction, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc func(html string) (Extraction, error)

// Extract calls f(html).
func (f ExtractorFunc) Extract(html string) (Extraction, error) {
	return f(html)
}

// DedupeItems removes items whose URL was already seen, preserving the
// first occurrence order. Items with empty URLs are kept as-is.
func DedupeItems(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		if it.URL == "" {
			out = append(out, it)
			continue
		}
		if _, ok := seen[it.URL]; ok {
			continue
		}
		seen[it.URL] = struct{}{}
		out = append(out, it)
	}
	return out
}
