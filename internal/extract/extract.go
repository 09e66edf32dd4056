// Package extract implements the default forum-page parser: it pulls
// social links, preview media, content items, and the pagination count out
// of a creator's thread markup.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/creatorcache/creatorcache/internal/content"
)

// socialHosts maps hostname suffixes to the platform key stored on the
// creator record. First anchor per platform wins.
var socialHosts = map[string]string{
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"instagram.com": "instagram",
	"youtube.com":   "youtube",
	"youtu.be":      "youtube",
	"tiktok.com":    "tiktok",
	"reddit.com":    "reddit",
	"twitch.tv":     "twitch",
	"onlyfans.com":  "onlyfans",
	"fansly.com":    "fansly",
	"patreon.com":   "patreon",
	"facebook.com":  "facebook",
}

var (
	imageExt = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}
	videoExt = []string{".mp4", ".webm", ".m3u8", ".mov"}

	pagePattern = regexp.MustCompile(`page-(\d+)`)
)

// Forum parses creator thread pages. Stateless and safe for concurrent
// use.
type Forum struct{}

// NewForum returns the default page parser.
func NewForum() *Forum {
	return &Forum{}
}

// Extract parses one page of markup into its structured content.
func (f *Forum) Extract(html string) (content.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return content.Extraction{}, fmt.Errorf("parse page: %w", err)
	}

	ext := content.Extraction{
		SocialLinks: map[string]string{},
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if platform, ok := socialPlatform(href); ok {
			if _, exists := ext.SocialLinks[platform]; !exists {
				ext.SocialLinks[platform] = href
			}
			return
		}
		if hasAnyExt(href, videoExt) {
			ext.VideoLinks = append(ext.VideoLinks, content.Media{URL: href, Kind: content.MediaKindVideo})
			return
		}
		if m := pagePattern.FindStringSubmatch(href); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > ext.MaxPageNumber {
				ext.MaxPageNumber = n
			}
		}
	})

	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		src = strings.TrimSpace(src)
		if src != "" && hasAnyExt(src, imageExt) {
			ext.PreviewImages = append(ext.PreviewImages, content.Media{URL: src, Kind: content.MediaKindImage})
		}
	})

	doc.Find("video source[src], video[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if src = strings.TrimSpace(src); src != "" {
			ext.VideoLinks = append(ext.VideoLinks, content.Media{URL: src, Kind: content.MediaKindVideo})
		}
	})

	doc.Find("article").Each(func(_ int, sel *goquery.Selection) {
		item := content.Item{}
		if link := sel.Find("a[href]").First(); link.Length() > 0 {
			item.URL, _ = link.Attr("href")
			item.Title = strings.TrimSpace(link.Text())
		}
		if heading := sel.Find("h1, h2, h3").First(); heading.Length() > 0 {
			if title := strings.TrimSpace(heading.Text()); title != "" {
				item.Title = title
			}
		}
		if ts, ok := sel.Find("time[datetime]").First().Attr("datetime"); ok {
			if t, err := parseTimestamp(ts); err == nil {
				item.PostedAt = &t
			}
		}
		if item.Title != "" || item.URL != "" {
			ext.Items = append(ext.Items, item)
		}
	})

	ext.Items = content.DedupeItems(ext.Items)
	return ext, nil
}

// socialPlatform reports the platform key for a link pointing at a known
// social host. Subdomains count; path-only matches do not.
func socialPlatform(href string) (string, bool) {
	host := hostOf(href)
	if host == "" {
		return "", false
	}
	for suffix, platform := range socialHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return platform, true
		}
	}
	return "", false
}

func hostOf(href string) string {
	rest, found := strings.CutPrefix(href, "https://")
	if !found {
		rest, found = strings.CutPrefix(href, "http://")
	}
	if !found {
		return ""
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}

// parseTimestamp accepts RFC 3339 or a bare date, the two formats the
// source forum emits in datetime attributes.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func hasAnyExt(link string, exts []string) bool {
	link = strings.ToLower(link)
	if i := strings.IndexAny(link, "?#"); i >= 0 {
		link = link[:i]
	}
	for _, e := range exts {
		if strings.HasSuffix(link, e) {
			return true
		}
	}
	return false
}
