// Package cache implements the content-addressed result cache: a
// directory per fingerprint key holding a serialized output manifest
// plus the output files it references, with LRU eviction by last-access
// timestamp. Saves are first-writer-wins at key granularity, which is
// what makes concurrent writers to the same key safe.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/metrics"
	"github.com/gridforge/gridforge/internal/schema"
)

const (
	manifestFileName   = "response.json"
	lastAccessFileName = "last_accessed.txt"
	filesDirName       = "files"
)

// Cache is a content-addressed store of output records rooted at Root,
// with LRU eviction keeping at most MaxEntries entries.
type Cache struct {
	Root       string
	MaxEntries int
}

// New creates a Cache rooted at root, evicting down to maxEntries entries
// after every Save/Load. maxEntries <= 0 disables eviction.
func New(root string, maxEntries int) *Cache {
	return &Cache{Root: root, MaxEntries: maxEntries}
}

func (c *Cache) entryDir(key string) string { return filepath.Join(c.Root, key) }
func (c *Cache) manifestPath(key string) string {
	return filepath.Join(c.entryDir(key), manifestFileName)
}
func (c *Cache) filesDir(key string) string { return filepath.Join(c.entryDir(key), filesDirName) }
func (c *Cache) lastAccessPath(key string) string {
	return filepath.Join(c.entryDir(key), lastAccessFileName)
}

// Lookup returns the cached manifest for key, or (nil, nil) on a clean
// miss. If the entry directory exists but is missing a file it references,
// that is reported as apierrors.ErrCacheCorrupted, a fatal local failure
// the caller treats as a miss and recomputes.
func (c *Cache) Lookup(s schema.Schema, key string) (schema.Record, error) {
	data, err := os.ReadFile(c.manifestPath(key))
	if os.IsNotExist(err) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache manifest: %w", err)
	}

	var manifest schema.Record
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, apierrors.Wrap(apierrors.KindCacheCorrupted, "cache manifest is not valid JSON", err.Error())
	}

	for _, name := range s.FileFieldNames() {
		v, ok := manifest[name]
		if !ok || v == nil {
			continue
		}
		rel, ok := v.(string)
		if !ok {
			continue
		}
		full := filepath.Join(c.entryDir(key), rel)
		if _, err := os.Stat(full); err != nil {
			metrics.CacheLookups.WithLabelValues("corrupted").Inc()
			return nil, apierrors.Wrap(apierrors.KindCacheCorrupted,
				fmt.Sprintf("referenced file missing for field %q", name), full)
		}
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return manifest, nil
}

// Load copies the entry's files/ tree into destDir, returns the manifest
// with file paths rewritten to live under destDir, bumps the entry's
// last-access timestamp, and runs eviction.
func (c *Cache) Load(s schema.Schema, key, destDir string) (schema.Record, error) {
	manifest, err := c.Lookup(s, key)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create destination dir: %w", err)
	}
	if err := copyTree(c.filesDir(key), destDir); err != nil {
		return nil, fmt.Errorf("copy cached files: %w", err)
	}

	rewritten := schema.RewriteFiles(s, manifest, func(_, rel string) string {
		return filepath.Join(destDir, strings.TrimPrefix(rel, filesDirName+string(filepath.Separator)))
	})

	if err := c.touch(key); err != nil {
		logging.Log.WithError(err).Warn("failed to update cache last-access timestamp")
	}
	if err := c.Evict(); err != nil {
		logging.Log.WithError(err).Warn("cache eviction failed after load")
	}
	return rewritten, nil
}

// Save writes srcDir's file tree and manifest under key, unless key
// already exists (first-writer-wins: save is idempotent, the second
// writer's call is a silent no-op). The entry is built in a temp
// directory and renamed into place so a concurrent reader never observes
// a partially-written entry.
func (c *Cache) Save(s schema.Schema, key string, manifest schema.Record, srcDir string) error {
	if _, err := os.Stat(c.entryDir(key)); err == nil {
		metrics.CacheSaves.WithLabelValues("skipped_exists").Inc()
		return nil
	}

	tmp, err := os.MkdirTemp(c.Root, "tmp-"+key+"-")
	if err != nil {
		return fmt.Errorf("create temp entry dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := copyTree(srcDir, filepath.Join(tmp, filesDirName)); err != nil {
		return fmt.Errorf("copy output tree into cache: %w", err)
	}

	rewritten := schema.RewriteFiles(s, manifest, func(_, abs string) string {
		rel, err := filepath.Rel(srcDir, abs)
		if err != nil {
			return abs
		}
		return filepath.Join(filesDirName, rel)
	})

	data, err := json.Marshal(rewritten)
	if err != nil {
		return fmt.Errorf("marshal cache manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("write cache manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, lastAccessFileName), []byte(nowString()), 0o644); err != nil {
		return fmt.Errorf("write last-access file: %w", err)
	}

	if err := os.Rename(tmp, c.entryDir(key)); err != nil {
		// Another writer may have won the race between the Stat above and
		// this Rename; that is also first-writer-wins, not an error.
		if _, statErr := os.Stat(c.entryDir(key)); statErr == nil {
			metrics.CacheSaves.WithLabelValues("skipped_race").Inc()
			return nil
		}
		return fmt.Errorf("rename temp entry into place: %w", err)
	}

	metrics.CacheSaves.WithLabelValues("written").Inc()
	return c.Evict()
}

func (c *Cache) touch(key string) error {
	return os.WriteFile(c.lastAccessPath(key), []byte(nowString()), 0o644)
}

func nowString() string {
	return strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
}

type entryAge struct {
	key string
	at  float64
}

// Evict removes the least-recently-accessed entries until at most
// MaxEntries remain.
func (c *Cache) Evict() error {
	if c.MaxEntries <= 0 {
		return nil
	}
	dirEntries, err := os.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list cache root: %w", err)
	}

	var entries []entryAge
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), "tmp-") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.Root, de.Name(), lastAccessFileName))
		if err != nil {
			continue
		}
		at, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			continue
		}
		entries = append(entries, entryAge{key: de.Name(), at: at})
	}

	if len(entries) <= c.MaxEntries {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	toRemove := entries[:len(entries)-c.MaxEntries]
	for _, e := range toRemove {
		if err := os.RemoveAll(filepath.Join(c.Root, e.key)); err != nil {
			logging.Log.WithError(err).WithField("key", e.key).Warn("failed to evict cache entry")
			continue
		}
		metrics.CacheEvictions.Inc()
	}
	return nil
}
