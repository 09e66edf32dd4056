// Package roster loads the candidate table: one row per canonical target,
// read from a flat CSV file. The table is cached in memory and reloaded
// wholesale when its TTL expires or the file changes on disk.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/content"
)

// Config locates the roster file and sets its reload cadence.
type Config struct {
	Path string
	TTL  time.Duration
}

// Roster is the in-memory candidate table. Reads are served from the
// cached copy; a file-change notification or TTL expiry marks it dirty so
// the next read reloads.
type Roster struct {
	cfg     Config
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	targets  []content.CanonicalTarget
	byName   map[string]content.CanonicalTarget
	loadedAt time.Time
	dirty    bool

	closeOnce sync.Once
	done      chan struct{}
}

// New loads the table and starts watching the file for changes. A watcher
// setup failure is not fatal: the roster degrades to TTL-only reloads.
func New(cfg Config, logger *zap.Logger) (*Roster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}

	r := &Roster{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(cfg.Path)
	}
	if err != nil {
		logger.Warn("roster file watch unavailable, falling back to TTL reloads",
			zap.String("path", cfg.Path), zap.Error(err))
	} else {
		r.watcher = watcher
		go r.watch()
	}
	return r, nil
}

// Close stops the file watcher.
func (r *Roster) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}

func (r *Roster) watch() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.mu.Lock()
				r.dirty = true
				r.mu.Unlock()
				r.logger.Debug("roster file changed", zap.String("path", r.cfg.Path))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("roster watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads the table from disk, replacing the cached copy.
func (r *Roster) Reload() error {
	targets, err := loadCSV(r.cfg.Path)
	if err != nil {
		return err
	}

	byName := make(map[string]content.CanonicalTarget, len(targets))
	for _, t := range targets {
		for _, name := range t.Names() {
			byName[strings.ToLower(name)] = t
		}
	}

	r.mu.Lock()
	r.targets = targets
	r.byName = byName
	r.loadedAt = time.Now()
	r.dirty = false
	r.mu.Unlock()

	r.logger.Info("roster loaded",
		zap.String("path", r.cfg.Path), zap.Int("targets", len(targets)))
	return nil
}

func (r *Roster) ensureFresh() {
	r.mu.RLock()
	stale := r.dirty || time.Since(r.loadedAt) > r.cfg.TTL
	r.mu.RUnlock()
	if !stale {
		return
	}
	if err := r.Reload(); err != nil {
		// Keep serving the previous table when the reload fails.
		r.logger.Warn("roster reload failed, serving previous table", zap.Error(err))
		r.mu.Lock()
		r.dirty = false
		r.loadedAt = time.Now()
		r.mu.Unlock()
	}
}

// All returns up to limit targets (0 = no cap) from the cached table.
func (r *Roster) All(limit int) []content.CanonicalTarget {
	r.ensureFresh()
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.targets)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]content.CanonicalTarget, n)
	copy(out, r.targets[:n])
	return out
}

// Lookup finds a target by exact (case-insensitive) name or alias.
func (r *Roster) Lookup(name string) (content.CanonicalTarget, bool) {
	r.ensureFresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Len reports the number of loaded targets.
func (r *Roster) Len() int {
	r.ensureFresh()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// loadCSV parses the roster file: rows of {name, url}, the name field
// optionally carrying pipe-delimited aliases. A header row and malformed
// rows are skipped.
func loadCSV(path string) ([]content.CanonicalTarget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var targets []content.CanonicalTarget
	seen := make(map[string]struct{})
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster row: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		nameField := strings.TrimSpace(row[0])
		url := strings.TrimSpace(row[1])
		if nameField == "" || url == "" {
			continue
		}
		if strings.EqualFold(nameField, "name") && !strings.HasPrefix(url, "http") {
			continue // header row
		}

		name, aliases := content.SplitAliases(nameField)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, content.CanonicalTarget{
			Name:      name,
			Aliases:   aliases,
			SourceURL: url,
		})
	}
	return targets, nil
}
