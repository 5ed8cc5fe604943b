// Package retrieval merges web search providers behind a two-tier cache so
// the rest of the system asks one question ("what is known about X right
// now") and never deals with vendor quirks, quotas or outages.
package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mohammad-safakhou/playbook/models"
)

// UnionProvider is the pseudo-provider name under which merged results are
// cached. A union entry answers the whole query; per-provider entries only
// feed the merge.
const UnionProvider = "union"

// Key derives the cache key for one (query, provider) pair: sha256 over the
// canonical JSON of the request parameters. Marshalling a map makes
// encoding/json sort the keys, so equal requests always hash equal.
func Key(text, provider string, maxResults int, topic models.SearchTopic, depth models.SearchDepth) string {
	canonical, _ := json.Marshal(map[string]interface{}{
		"q":     text,
		"p":     provider,
		"n":     maxResults,
		"topic": topic,
		"depth": depth,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// CacheStore is the storage behind the search cache. Implementations never
// report errors: a failed read is a miss, a failed write is dropped.
type CacheStore interface {
	Get(key string) ([]models.SearchResult, bool)
	Put(key string, results []models.SearchResult)
}

type cacheEnvelope struct {
	TS         int64                 `json:"ts"`
	SavedAt    string                `json:"saved_at"`
	TTLSeconds int64                 `json:"ttl_seconds"`
	Results    []models.SearchResult `json:"results"`
}

// FileCache stores one JSON file per key under a single directory. Entries
// carry their write timestamp and are expired lazily on read.
type FileCache struct {
	dir    string
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewFileCache(dir string, ttl time.Duration) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating search cache dir: %w", err)
	}
	return &FileCache{
		dir:    dir,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		now:    time.Now,
	}, nil
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get returns the cached results for key. Corrupt and expired entries are
// removed best-effort and reported as misses. An entry that cached an empty
// result set is still a hit.
func (c *FileCache) Get(key string) ([]models.SearchResult, bool) {
	raw, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Printf("dropping corrupt cache entry %s: %v", key, err)
		_ = os.Remove(c.path(key))
		return nil, false
	}
	ttl := c.ttl
	if env.TTLSeconds > 0 {
		ttl = time.Duration(env.TTLSeconds) * time.Second
	}
	if c.now().Sub(time.Unix(env.TS, 0)) > ttl {
		_ = os.Remove(c.path(key))
		return nil, false
	}
	if env.Results == nil {
		return []models.SearchResult{}, true
	}
	return env.Results, true
}

// Put writes the entry through a temp file and a rename, so a concurrent Get
// never observes a half-written entry.
func (c *FileCache) Put(key string, results []models.SearchResult) {
	if results == nil {
		results = []models.SearchResult{}
	}
	now := c.now()
	env := cacheEnvelope{
		TS:         now.Unix(),
		SavedAt:    now.UTC().Format(time.RFC3339),
		TTLSeconds: int64(c.ttl / time.Second),
		Results:    results,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		c.logger.Printf("encoding cache entry %s: %v", key, err)
		return
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Printf("writing cache entry %s: %v", key, err)
		return
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		c.logger.Printf("replacing cache entry %s: %v", key, err)
		_ = os.Remove(tmp)
	}
}
