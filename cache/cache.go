// Package cache implements the client-side content-addressed cache (spec
// §4.5): a directory tree rooted at $CACHE_PATH mapping
// (build-id, kind, suffix) to a cached file, with bounded-age eviction
// and race-free concurrent fills. It is used both by the client library
// and, per spec §1, by the server itself when answering on behalf of a
// build-id it does not know locally.
//
// The atomic-rename publish discipline here is the same one the teacher
// repo's storage/filesystem/dotgit.PackWriter uses for packfiles: write
// to a sibling temp file, then rename into place, so a reader never
// observes a partial file at the target path.
package cache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/locator"
)

// DefaultInterval is the fallback sweep cadence and eviction age that
// Open uses when given a non-positive interval: one week, matching the
// default "don't evict anything recently useful" window real debuginfo
// clients use.
const DefaultInterval = 7 * 24 * time.Hour

const intervalFileName = "cache_clean_interval_s"

// Cache is a handle on one cache root. It keeps no per-call state:
// concurrent Fill calls for the same key are collapsed by singleflight,
// but the eviction sweep run from Query is not coordinated with other
// calls, so two Query calls may sweep at once and a sweep may run while
// a fill is in progress. upstream.Client, and through it the server's
// HTTP handlers, call one shared Cache from concurrent goroutines
// without further locking.
type Cache struct {
	root     string
	interval time.Duration

	fillGroup singleflight.Group
}

// Open returns a Cache rooted at root, creating it if necessary.
func Open(root string, interval time.Duration) (*Cache, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("cache: creating root: %w", err)
	}
	return &Cache{root: root, interval: interval}, nil
}

// Root returns the cache's root directory, used by callers (e.g. the
// client CLI front-end) that print the resolved path.
func (c *Cache) Root() string {
	return c.root
}

// Escape implements spec §6's on-wire escaping rule for a cache file
// name's source-path suffix: every '/' and '.' byte becomes '#'. It must
// be reproduced bit-exact. The mapping is not injective: '/' and '.'
// both become '#', so two paths that differ only by a '/' versus a '.'
// at the same position (e.g. "/a/b.c" and "/a.b/c") escape to the same
// name.
func Escape(sourcePath string) string {
	r := strings.NewReplacer("/", "#", ".", "#")
	return r.Replace(sourcePath)
}

func (c *Cache) targetPath(id buildid.ID, kind locator.Kind, suffix string) string {
	name := kind.String() + suffix
	return filepath.Join(c.root, id.String(), name)
}

// Query looks up (id, kind, suffix) in the cache. On a hit it returns an
// open read-only file handle the caller owns and must Close. On a miss
// it returns (nil, false, nil); it does not return the target path, which
// Fill computes itself from the same (id, kind, suffix).
func (c *Cache) Query(id buildid.ID, kind locator.Kind, suffix string) (*os.File, bool, error) {
	c.maintain()

	f, err := os.Open(c.targetPath(id, kind, suffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

// Producer writes the artifact's bytes into w and reports the upstream
// modification time to stamp the cache file with.
type Producer func(w io.Writer) (mtime time.Time, err error)

// Fill atomically publishes the bytes written by produce as the cache
// entry for (id, kind, suffix). Concurrent Fill calls for the same key
// within one process are collapsed into a single invocation of produce
// via singleflight; concurrent Fill calls from different processes are
// not coordinated beyond the rename itself, which is fine per spec §8:
// both producers are expected to produce identical bytes, so whichever
// rename lands last simply overwrites the other with equivalent content.
func (c *Cache) Fill(id buildid.ID, kind locator.Kind, suffix string, produce Producer) error {
	target := c.targetPath(id, kind, suffix)
	_, err, _ := c.fillGroup.Do(target, func() (interface{}, error) {
		return nil, c.fillOnce(id, target, produce)
	})
	return err
}

func (c *Cache) fillOnce(id buildid.ID, target string, produce Producer) error {
	dir := filepath.Join(c.root, id.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cache: creating build-id directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
		removeIfEmpty(dir)
	}

	mtime, err := produce(tmp)
	if err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
			// Best effort per spec §4.5; a failure to stamp the mtime
			// does not invalidate the downloaded content.
			_ = err
		}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return fmt.Errorf("cache: publishing fill: %w", err)
	}
	return nil
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}

// maintain runs the eviction sweep if the interval marker is stale
// enough, per spec §4.5's "Maintain" operation.
func (c *Cache) maintain() {
	markerPath := filepath.Join(c.root, intervalFileName)
	info, err := os.Stat(markerPath)
	if err == nil && time.Since(info.ModTime()) < c.interval {
		return
	}
	c.sweep()
	_ = os.WriteFile(markerPath, []byte(strconv.Itoa(int(c.interval.Seconds()))+"\n"), 0o600)
}

func (c *Cache) sweep() {
	threshold := time.Now().Add(-c.interval)
	var dirs []string

	_ = filepath.WalkDir(c.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == c.root {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if filepath.Base(path) == intervalFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(threshold) {
			os.Remove(path)
		}
		return nil
	})

	// Remove now-empty build-id directories, deepest first so a
	// directory's children are gone before we consider it for removal.
	for i := len(dirs) - 1; i >= 0; i-- {
		removeIfEmpty(dirs[i])
	}
}
