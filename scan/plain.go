package scan

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/log/level"

	"github.com/dbgserver/dbgserver/index"
	"github.com/dbgserver/dbgserver/locator"
)

// RunPlain loops ScanPlainOnce over root on interval until Interrupted
// reports true, per spec §4.4a's scanner loop and §5's "1-second sleep"
// suspension point between checks.
func (s *Scanner) RunPlain(root string, interval time.Duration) {
	for !s.interrupted() {
		start := time.Now()
		stats, err := s.ScanPlainOnce(root)
		stats.Elapsed = time.Since(start)
		s.logPass("plain-file", root, stats, err)

		sleepInterruptible(interval, s.interrupted)
	}
}

func sleepInterruptible(d time.Duration, interrupted func() bool) {
	const tick = time.Second
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if interrupted != nil && interrupted() {
			return
		}
		time.Sleep(tick)
	}
}

// ScanPlainOnce performs one traversal of root, per spec §4.4a.
func (s *Scanner) ScanPlainOnce(root string) (Stats, error) {
	var stats Stats
	abs, err := filepath.Abs(root)
	if err != nil {
		return stats, err
	}

	rootDev, hasDev := deviceOf(abs)
	err = s.walkPlainDir(abs, rootDev, hasDev, &stats)
	return stats, err
}

// walkPlainDir processes every regular file directly inside dir, then
// recurses into subdirectories (pre-order for files/recursion, and the
// scratch-table join happens post-order as the last thing this call
// does, once every child's traversal has returned) — matching spec
// §4.4a step 7's "on leaving a directory".
func (s *Scanner) walkPlainDir(dir string, rootDev uint64, hasDev bool, stats *Stats) error {
	if s.interrupted() {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		level.Warn(s.Logger).Log("msg", "cannot read directory", "dir", dir, "err", err)
		return nil
	}

	var subdirs []string
	for _, e := range entries {
		if s.interrupted() {
			return nil
		}
		if e.Type()&os.ModeSymlink != 0 {
			continue // never follow symlinks, spec §4.4a step 1
		}
		full := filepath.Join(dir, e.Name())

		if e.IsDir() {
			if hasDev {
				if dev, ok := deviceOf(full); !ok || dev != rootDev {
					continue // do not cross mount points
				}
			}
			subdirs = append(subdirs, full)
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}

		if err := s.processPlainFile(dir, full, stats); err != nil {
			level.Warn(s.Logger).Log("msg", "error processing file", "file", full, "err", err)
		}
	}

	for _, sub := range subdirs {
		if err := s.walkPlainDir(sub, rootDev, hasDev, stats); err != nil {
			return err
		}
	}

	return s.joinPendingSources(dir, stats)
}

func (s *Scanner) processPlainFile(dir, path string, stats *Stats) error {
	stats.Scanned++

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mtime := info.ModTime()

	fresh, err := s.Store.ProbeFresh(path, mtime)
	if err != nil {
		return err
	}
	if fresh {
		stats.Cached++
		return nil
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return s.Store.UpsertNegative(path, mtime)
	}
	defer f.Close()

	rec, err := s.Classify(f, info.Size())
	if err != nil {
		level.Debug(s.Logger).Log("msg", "classify failed, negative-caching", "file", path, "err", err)
		if nerr := s.Store.UpsertNegative(path, mtime); nerr != nil {
			return nerr
		}
		return s.Store.DeleteStale(path, mtime)
	}

	loc := locator.Loc{Tag: locator.File, Path: path}

	if !rec.BuildID.Empty() {
		if rec.IsExecutable {
			if err := s.Store.UpsertArtifact(rec.BuildID, locator.Executable, "", loc, mtime); err != nil {
				return err
			}
			stats.ExecutableFound++
		}
		if rec.IsDebugInfo {
			if err := s.Store.UpsertArtifact(rec.BuildID, locator.DebugInfo, "", loc, mtime); err != nil {
				return err
			}
			stats.DebugInfoFound++
		}
		for _, src := range rec.SourcePaths {
			if err := s.Store.ScratchInsertPending(index.PendingSourceLookup{
				Dir: dir, BuildID: rec.BuildID, Name: src,
			}); err != nil {
				return err
			}
		}
	} else {
		if err := s.Store.UpsertNegative(path, mtime); err != nil {
			return err
		}
	}

	return s.Store.DeleteStale(path, mtime)
}

// joinPendingSources implements spec §4.4a step 7: for every pending
// (build-id, source-name) pair filed under dir, try to resolve
// source-name against dir itself (the usual case: a relative debug-line
// file name resolved against the compile directory happens to live right
// next to the binary that referenced it), then drop the scratch rows.
func (s *Scanner) joinPendingSources(dir string, stats *Stats) error {
	pending, err := s.Store.ScratchPending(dir)
	if err != nil {
		return err
	}
	for _, p := range pending {
		candidate := resolveUnderDir(dir, p.Name)
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		loc := locator.Loc{Tag: locator.File, Path: candidate}
		if err := s.Store.UpsertArtifact(p.BuildID, locator.Source, p.Name, loc, info.ModTime()); err != nil {
			return err
		}
		stats.SourceFound++
	}
	return s.Store.ScratchDrop(dir)
}

// resolveUnderDir canonicalizes a (possibly absolute) source name rooted
// at dir: an absolute source-name is tried relative to dir by stripping
// its leading separator, since debug line programs reference the
// original build host's absolute paths, not the serving host's.
func resolveUnderDir(dir, name string) string {
	if filepath.IsAbs(name) {
		return filepath.Join(dir, filepath.Clean(name))
	}
	return filepath.Join(dir, name)
}
