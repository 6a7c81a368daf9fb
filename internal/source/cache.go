package source

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"segment-dashboard/internal/observability"
	"segment-dashboard/internal/table"
)

const cacheVersion = "v1"

type cacheEntry struct {
	Table     *table.Table
	FetchedAt time.Time
}

// Cached keeps fetched tables as gob files. An entry is reused while it is
// younger than the TTL and newer than the dataset's modification time, when
// the source tracks one.
type Cached struct {
	src    Source
	dir    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func WithCache(src Source, dir string, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{src: src, dir: dir, ttl: ttl, logger: logger, now: time.Now}
}

func (c *Cached) Name() string {
	return c.src.Name()
}

func (c *Cached) filename(q Query) string {
	sum := sha256.Sum256([]byte(c.src.Name() + "|" + q.String()))
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s_%s.gob", q.Dataset, hex.EncodeToString(sum[:8]), cacheVersion))
}

func (c *Cached) Fetch(ctx context.Context, q Query) (*table.Table, error) {
	path := c.filename(q)
	if entry, err := c.load(path); err == nil && c.fresh(entry, q) {
		observability.SourceFetches.WithLabelValues(c.src.Name(), "cache_hit").Inc()
		c.logger.Info("loaded from cache", "dataset", q.Dataset, "rows", entry.Table.Len(), "fetched_at", entry.FetchedAt)
		return entry.Table, nil
	}

	t, err := c.src.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := c.save(path, &cacheEntry{Table: t, FetchedAt: c.now()}); err != nil {
		c.logger.Warn("failed to save cache", "dataset", q.Dataset, "error", err)
	}
	return t, nil
}

// Invalidate drops the cached entry of q.
func (c *Cached) Invalidate(q Query) error {
	err := os.Remove(c.filename(q))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cached) fresh(entry *cacheEntry, q Query) bool {
	if c.ttl > 0 && c.now().Sub(entry.FetchedAt) > c.ttl {
		return false
	}
	if m, ok := c.src.(Modifier); ok {
		modified, err := m.Modified(q)
		if err == nil && !modified.Before(entry.FetchedAt) {
			return false
		}
	}
	return true
}

// save writes the entry to a temp file in the cache dir and renames it into
// place, so readers never see a partial entry.
func (c *Cached) save(path string, entry *cacheEntry) (err error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}

	file, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(file.Name())
		}
	}()

	if err := gob.NewEncoder(file).Encode(entry); err != nil {
		file.Close()
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	return os.Rename(file.Name(), path)
}

func (c *Cached) load(path string) (*cacheEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entry cacheEntry
	if err := gob.NewDecoder(file).Decode(&entry); err != nil {
		return nil, err
	}
	if entry.Table == nil {
		return nil, fmt.Errorf("cache entry without table")
	}
	return &entry, nil
}
