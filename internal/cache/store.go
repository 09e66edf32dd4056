// Package cache provides the durable creator store backed by embedded
// SQLite. Records survive process restarts; freshness is a read-time
// concern, physical deletion happens only through Sweep.
package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/content"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrMiss is returned by Get when no record exists or the record is older
// than the requested freshness window. A miss is a normal outcome, not a
// storage failure.
var ErrMiss = errors.New("cache miss")

// StaleCreator is one row of a ListStale result: enough to re-scrape.
type StaleCreator struct {
	Name          string
	SourceURL     string
	LastScrapedAt *time.Time
}

// Stats summarizes store contents for reporting.
type Stats struct {
	Creators     int64      `json:"creators"`
	ContentItems int64      `json:"content_items"`
	OldestScrape *time.Time `json:"oldest_scrape,omitempty"`
	NewestScrape *time.Time `json:"newest_scrape,omitempty"`
}

// Store is the SQLite-backed creator cache. Mutating operations are
// serialized through one coarse lock; batch throughput is bounded by
// network latency, not storage.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu sync.Mutex
}

// Open creates a Store at the given path, configures pragmas, and runs
// schema migration.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for name, case-insensitively. A record older than
// maxAge is a miss even though the row still exists; maxAge 0 disables the
// freshness check.
func (s *Store) Get(ctx context.Context, name string, maxAge time.Duration) (content.CreatorRecord, error) {
	var (
		id          int64
		record      content.CreatorRecord
		socialJSON  sql.NullString
		lastScraped sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, social_links, total_pages, last_scraped
		 FROM creators WHERE name = ?`, name)
	err := row.Scan(&id, &record.CanonicalName, &record.SourceURL, &socialJSON,
		&record.TotalPages, &lastScraped)
	if errors.Is(err, sql.ErrNoRows) {
		return content.CreatorRecord{}, ErrMiss
	}
	if err != nil {
		return content.CreatorRecord{}, fmt.Errorf("query creator: %w", err)
	}

	if lastScraped.Valid {
		ts, err := parseTime(lastScraped.String)
		if err != nil {
			return content.CreatorRecord{}, fmt.Errorf("parse last_scraped: %w", err)
		}
		record.LastScrapedAt = ts
	}
	if maxAge > 0 {
		if !lastScraped.Valid || time.Since(record.LastScrapedAt) > maxAge {
			return content.CreatorRecord{}, ErrMiss
		}
	}

	if socialJSON.Valid && socialJSON.String != "" {
		if err := json.Unmarshal([]byte(socialJSON.String), &record.SocialLinks); err != nil {
			return content.CreatorRecord{}, fmt.Errorf("decode social links: %w", err)
		}
	}

	if err := s.loadChildren(ctx, id, &record); err != nil {
		return content.CreatorRecord{}, err
	}
	return record, nil
}

// Has reports whether a fresh record exists for name.
func (s *Store) Has(ctx context.Context, name string, maxAge time.Duration) bool {
	var lastScraped sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT last_scraped FROM creators WHERE name = ?`, name)
	if err := row.Scan(&lastScraped); err != nil {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	if !lastScraped.Valid {
		return false
	}
	ts, err := parseTime(lastScraped.String)
	if err != nil {
		return false
	}
	return time.Since(ts) <= maxAge
}

// Put overwrites the record for record.CanonicalName: the parent row is
// upserted and all child rows are deleted and re-inserted in a single
// transaction, so readers never observe a mix of old and new content.
func (s *Store) Put(ctx context.Context, record content.CreatorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	socialJSON, err := json.Marshal(record.SocialLinks)
	if err != nil {
		return fmt.Errorf("encode social links: %w", err)
	}
	if record.LastScrapedAt.IsZero() {
		record.LastScrapedAt = time.Now()
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO creators (name, url, social_links, total_pages, last_scraped)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   url = excluded.url,
		   social_links = excluded.social_links,
		   total_pages = excluded.total_pages,
		   last_scraped = excluded.last_scraped
		 RETURNING id`,
		record.CanonicalName, record.SourceURL, string(socialJSON),
		record.TotalPages, formatTime(record.LastScrapedAt)).Scan(&id)
	if err != nil {
		return fmt.Errorf("upsert creator: %w", err)
	}

	for _, table := range []string{"content_items", "preview_images", "video_links"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE creator_id = ?", table), id); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, item := range record.Items {
		var postedAt sql.NullString
		if item.PostedAt != nil {
			postedAt = sql.NullString{String: formatTime(*item.PostedAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_items (creator_id, title, url, posted_at) VALUES (?, ?, ?, ?)`,
			id, item.Title, item.URL, postedAt); err != nil {
			return fmt.Errorf("insert content item: %w", err)
		}
	}
	for _, img := range record.PreviewImages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO preview_images (creator_id, url) VALUES (?, ?)`, id, img.URL); err != nil {
			return fmt.Errorf("insert preview image: %w", err)
		}
	}
	for _, vid := range record.VideoLinks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO video_links (creator_id, url) VALUES (?, ?)`, id, vid.URL); err != nil {
			return fmt.Errorf("insert video link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

// ListStale returns creators whose record is older than maxAge, never-
// scraped rows first, then oldest first. limit 0 means no cap.
func (s *Store) ListStale(ctx context.Context, maxAge time.Duration, limit int) ([]StaleCreator, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))
	query := `SELECT name, url, last_scraped FROM creators
		 WHERE last_scraped IS NULL OR last_scraped < ?
		 ORDER BY (last_scraped IS NULL) DESC, last_scraped ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale creators: %w", err)
	}
	defer rows.Close()

	var out []StaleCreator
	for rows.Next() {
		var (
			sc          StaleCreator
			lastScraped sql.NullString
		)
		if err := rows.Scan(&sc.Name, &sc.SourceURL, &lastScraped); err != nil {
			return nil, fmt.Errorf("scan stale creator: %w", err)
		}
		if lastScraped.Valid {
			ts, err := parseTime(lastScraped.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_scraped: %w", err)
			}
			sc.LastScrapedAt = &ts
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Sweep physically deletes records older than maxAge and returns the
// number of creators removed. Child rows go with their parent via cascade.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM creators WHERE last_scraped IS NOT NULL AND last_scraped < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep creators: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("retention sweep removed records", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// CacheStats reports row counts and scrape-time bounds.
func (s *Store) CacheStats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(last_scraped), MAX(last_scraped) FROM creators`)
	var oldest, newest sql.NullString
	if err := row.Scan(&stats.Creators, &oldest, &newest); err != nil {
		return Stats{}, fmt.Errorf("query creator stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items`).Scan(&stats.ContentItems); err != nil {
		return Stats{}, fmt.Errorf("query item stats: %w", err)
	}
	for dst, src := range map[**time.Time]sql.NullString{
		&stats.OldestScrape: oldest,
		&stats.NewestScrape: newest,
	} {
		if !src.Valid {
			continue
		}
		ts, err := parseTime(src.String)
		if err != nil {
			return Stats{}, fmt.Errorf("parse scrape bound: %w", err)
		}
		*dst = &ts
	}
	return stats, nil
}

func (s *Store) loadChildren(ctx context.Context, id int64, record *content.CreatorRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, url, posted_at FROM content_items WHERE creator_id = ? ORDER BY id`, id)
	if err != nil {
		return fmt.Errorf("query content items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item     content.Item
			postedAt sql.NullString
		)
		if err := rows.Scan(&item.Title, &item.URL, &postedAt); err != nil {
			return fmt.Errorf("scan content item: %w", err)
		}
		if postedAt.Valid {
			ts, err := parseTime(postedAt.String)
			if err != nil {
				return fmt.Errorf("parse posted_at: %w", err)
			}
			item.PostedAt = &ts
		}
		record.Items = append(record.Items, item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate content items: %w", err)
	}

	record.PreviewImages, err = s.loadMedia(ctx, id, "preview_images", content.MediaKindImage)
	if err != nil {
		return err
	}
	record.VideoLinks, err = s.loadMedia(ctx, id, "video_links", content.MediaKindVideo)
	return err
}

func (s *Store) loadMedia(ctx context.Context, id int64, table string, kind content.MediaKind) ([]content.Media, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT url FROM %s WHERE creator_id = ? ORDER BY id", table), id)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []content.Media
	for rows.Next() {
		var m content.Media
		if err := rows.Scan(&m.URL); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		m.Kind = kind
		out = append(out, m)
	}
	return out, rows.Err()
}

// formatTime formats a time.Time to RFC3339Nano for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses an RFC3339Nano string back to time.Time.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
