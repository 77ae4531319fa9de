// Package rescache is the LRU disk cache backing the resource sub-route
// (§4.H): thumbnails and other small auxiliary fields fetched once from the
// upstream and served from disk on subsequent requests. Bookkeeping (which
// URL hash maps to which cached file, its size, and its last access time)
// lives in a small sqlite table rather than an in-memory map, so eviction
// state survives a restart — the same reason the teacher's plex package
// reaches for modernc.org/sqlite for small persisted bookkeeping tables.
package rescache

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andybalholm/brotli"
	_ "modernc.org/sqlite"
)

// Cache is a byte-budget-bounded, brotli-compressed disk cache keyed by the
// sha256 of the source URL.
type Cache struct {
	dir      string
	db       *sql.DB
	maxBytes int64
}

// Open opens (creating if necessary) a Cache rooted at dir with an eviction
// budget of maxBytes total compressed bytes on disk.
func Open(dir string, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rescache: mkdir %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "rescache.db"))
	if err != nil {
		return nil, fmt.Errorf("rescache: open sqlite: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS entries (
	url_hash   TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	last_access INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("rescache: create schema: %w", err)
	}
	return &Cache{dir: dir, db: db, maxBytes: maxBytes}, nil
}

// Close releases the underlying sqlite handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached, decompressed bytes for url, or ok=false on a miss.
func (c *Cache) Get(url string) ([]byte, bool, error) {
	hash := hashURL(url)
	var path string
	var size int64
	row := c.db.QueryRow(`SELECT path, size_bytes FROM entries WHERE url_hash = ?`, hash)
	if err := row.Scan(&path, &size); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("rescache: lookup %s: %w", hash, err)
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = c.db.Exec(`DELETE FROM entries WHERE url_hash = ?`, hash)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("rescache: read %s: %w", path, err)
	}
	data, err := decompress(compressed)
	if err != nil {
		return nil, false, err
	}
	_, _ = c.db.Exec(`UPDATE entries SET last_access = ? WHERE url_hash = ?`, time.Now().Unix(), hash)
	return data, true, nil
}

// Put stores data for url, compressing it with brotli, and evicts older
// entries if the total cache size exceeds the configured budget.
func (c *Cache) Put(url string, data []byte) error {
	hash := hashURL(url)
	compressed, err := compress(data)
	if err != nil {
		return err
	}
	path := filepath.Join(c.dir, hash+".br")
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return fmt.Errorf("rescache: write %s: %w", path, err)
	}
	_, err = c.db.Exec(`
INSERT INTO entries (url_hash, path, size_bytes, last_access) VALUES (?, ?, ?, ?)
ON CONFLICT(url_hash) DO UPDATE SET path = excluded.path, size_bytes = excluded.size_bytes, last_access = excluded.last_access`,
		hash, path, len(compressed), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("rescache: upsert %s: %w", hash, err)
	}
	return c.evictToBudget()
}

// evictToBudget removes least-recently-accessed entries until total stored
// size is under maxBytes.
func (c *Cache) evictToBudget() error {
	if c.maxBytes <= 0 {
		return nil
	}
	for {
		var total int64
		if err := c.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM entries`).Scan(&total); err != nil {
			return fmt.Errorf("rescache: sum sizes: %w", err)
		}
		if total <= c.maxBytes {
			return nil
		}
		var hash, path string
		row := c.db.QueryRow(`SELECT url_hash, path FROM entries ORDER BY last_access ASC LIMIT 1`)
		if err := row.Scan(&hash, &path); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("rescache: pick eviction victim: %w", err)
		}
		os.Remove(path)
		if _, err := c.db.Exec(`DELETE FROM entries WHERE url_hash = ?`, hash); err != nil {
			return fmt.Errorf("rescache: evict %s: %w", hash, err)
		}
	}
}

// resourceChunk is the serving granularity named in §4.H.
const resourceChunk = 8 * 1024

// ChunkedReader returns an io.Reader over data that yields at most
// resourceChunk bytes per Read call, matching the spec's 8 KiB serving
// granularity for resource bytes.
func ChunkedReader(data []byte) io.Reader {
	return &chunker{data: data}
}

type chunker struct {
	data []byte
	off  int
}

func (c *chunker) Read(p []byte) (int, error) {
	if c.off >= len(c.data) {
		return 0, io.EOF
	}
	n := resourceChunk
	if n > len(p) {
		n = len(p)
	}
	if c.off+n > len(c.data) {
		n = len(c.data) - c.off
	}
	copy(p, c.data[c.off:c.off+n])
	c.off += n
	return n, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("rescache: brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("rescache: brotli close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("rescache: brotli read: %w", err)
	}
	return out, nil
}
