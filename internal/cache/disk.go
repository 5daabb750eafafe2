package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// entryPath returns the on-disk path for a namespace/keyHash pair, matching
// the layout in spec §6: "<cache_root>/namespaces/<ns>/<keyHash>.json".
func (c *Cache) entryPath(namespace, keyHash string) string {
	return filepath.Join(c.cfg.StoragePath, "namespaces", namespace, keyHash+".json")
}

// writeAtomic writes data to path via a temp-file-then-rename, fsync'd
// before the rename, mirroring the teacher's envelope-persistence idiom
// (cmd/skyline/crypto.go + cache.go) generalized to cache entries.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// PersistNow forces a disk write of every dirty in-memory entry (spec
// §4.1's public contract). Each disk failure is logged and its entry is
// re-marked dirty so the next interval flush retries it; the last such
// error is returned. Persist failures never fail reads.
func (c *Cache) PersistNow() error {
	if c.cfg.StoragePath == "" {
		return nil
	}

	c.mu.Lock()
	type dirtyEntry struct {
		namespace, keyHash string
		snapshot           Entry
	}
	var dirty []dirtyEntry
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok || !e.dirty {
			continue
		}
		dirty = append(dirty, dirtyEntry{e.Namespace, e.KeyHash, *e})
		e.dirty = false
	}
	c.mu.Unlock()

	var lastErr error
	for _, d := range dirty {
		raw, err := json.Marshal(d.snapshot)
		if err != nil {
			lastErr = err
			c.logger.Error("cache: marshal entry for persist", "namespace", d.namespace, "error", err)
			continue
		}
		if err := writeAtomic(c.entryPath(d.namespace, d.keyHash), raw); err != nil {
			lastErr = err
			c.logger.Error("cache: write entry", "namespace", d.namespace, "error", err)
			// Re-mark dirty so the next flush retries.
			c.mu.Lock()
			if e, ok := c.lru.Peek(storageKey(d.namespace, d.keyHash)); ok {
				e.dirty = true
			}
			c.mu.Unlock()
		}
	}
	return lastErr
}

// loadFromDisk populates the in-memory tier from the persisted namespace
// directories at startup. Corrupt files are quarantined (renamed aside) and
// skipped; the in-memory image remains authoritative per spec §4.1.
func (c *Cache) loadFromDisk() error {
	root := filepath.Join(c.cfg.StoragePath, "namespaces")
	namespaces, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	for _, nsDir := range namespaces {
		if !nsDir.IsDir() {
			continue
		}
		nsPath := filepath.Join(root, nsDir.Name())
		files, err := os.ReadDir(nsPath)
		if err != nil {
			c.logger.Warn("cache: read namespace dir", "namespace", nsDir.Name(), "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			full := filepath.Join(nsPath, f.Name())
			data, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				c.quarantine(full)
				continue
			}
			if !e.ExpiresAt.After(now) && !e.isStaleServable(now) {
				// Expired already; don't bother reloading it.
				_ = os.Remove(full)
				continue
			}
			e.dirty = false
			c.mu.Lock()
			storeKey := storageKey(e.Namespace, e.KeyHash)
			if _, existed := c.lru.Peek(storeKey); !existed {
				c.nsCounts[e.Namespace]++
			}
			entryCopy := e
			c.lru.Add(storeKey, &entryCopy)
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Cache) quarantine(path string) {
	quarantined := path + ".corrupt"
	if err := os.Rename(path, quarantined); err != nil {
		c.logger.Warn("cache: failed to quarantine corrupt entry", "path", path, "error", err)
	} else {
		c.logger.Warn("cache: quarantined corrupt entry", "path", path, "quarantined", quarantined)
	}
}

// flushLoop persists dirty entries on a fixed interval until stopCh closes.
func (c *Cache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.PersistNow(); err != nil {
				c.logger.Warn("cache: periodic flush encountered errors", "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}
