package scan

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"

	"github.com/dbgserver/dbgserver/archive"
	"github.com/dbgserver/dbgserver/index"
	"github.com/dbgserver/dbgserver/locator"
)

// archiveSuffix is the only packaging format the scanner recognizes by
// name, per spec §4.4b; magic-byte sniffing inside archive.Open still
// guards against a same-named file that isn't actually a valid archive
// (spec §8's boundary behavior).
const archiveSuffix = ".rpm"

// RunArchive is the archive-scanner analogue of RunPlain.
func (s *Scanner) RunArchive(root string, interval time.Duration) {
	for !s.interrupted() {
		start := time.Now()
		stats, err := s.ScanArchiveOnce(root)
		stats.Elapsed = time.Since(start)
		s.logPass("archive", root, stats, err)

		sleepInterruptible(interval, s.interrupted)
	}
}

// ScanArchiveOnce performs one traversal of root, per spec §4.4b.
func (s *Scanner) ScanArchiveOnce(root string) (Stats, error) {
	var stats Stats
	abs, err := filepath.Abs(root)
	if err != nil {
		return stats, err
	}
	rootDev, hasDev := deviceOf(abs)
	err = s.walkArchiveDir(abs, rootDev, hasDev, &stats)
	return stats, err
}

func (s *Scanner) walkArchiveDir(dir string, rootDev uint64, hasDev bool, stats *Stats) error {
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
			continue
		}
		full := filepath.Join(dir, e.Name())

		if e.IsDir() {
			if hasDev {
				if dev, ok := deviceOf(full); !ok || dev != rootDev {
					continue
				}
			}
			subdirs = append(subdirs, full)
			continue
		}
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), archiveSuffix) {
			continue
		}

		if err := s.processArchiveFile(dir, full, stats); err != nil {
			level.Warn(s.Logger).Log("msg", "error processing archive", "file", full, "err", err)
		}
	}

	for _, sub := range subdirs {
		if err := s.walkArchiveDir(sub, rootDev, hasDev, stats); err != nil {
			return err
		}
	}

	return s.joinArchiveSources(dir, stats)
}

func (s *Scanner) processArchiveFile(dir, path string, stats *Stats) error {
	stats.Scanned++

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	archiveMtime := info.ModTime()

	fresh, err := s.Store.ProbeFresh(path, archiveMtime)
	if err != nil {
		return err
	}
	if fresh {
		stats.Cached++
		return nil
	}

	f, err := s.fs.Open(path)
	if err != nil {
		return s.Store.UpsertNegative(path, archiveMtime)
	}
	defer f.Close()

	reader, err := s.ArchiveOpen(f)
	if err != nil {
		level.Debug(s.Logger).Log("msg", "malformed archive, negative-caching", "file", path, "err", err)
		if nerr := s.Store.UpsertNegative(path, archiveMtime); nerr != nil {
			return nerr
		}
		return s.Store.DeleteStale(path, archiveMtime)
	}
	defer reader.Close()

	foundAny, err := s.scanArchiveMembers(dir, path, archiveMtime, reader, stats)
	if err != nil {
		return err
	}
	if !foundAny {
		if err := s.Store.UpsertNegative(path, archiveMtime); err != nil {
			return err
		}
	}
	return s.Store.DeleteStale(path, archiveMtime)
}

func (s *Scanner) scanArchiveMembers(dir, archivePath string, archiveMtime time.Time, reader archive.Reader, stats *Stats) (bool, error) {
	foundAny := false

	for {
		if s.interrupted() {
			return foundAny, nil
		}
		entry, err := reader.Next()
		if err != nil {
			break // io.EOF or a mid-stream decode error: stop at what we have
		}
		if err := s.Store.ScratchInsertArchiveContent(index.ArchiveContent{
			Dir: dir, Archive: archivePath, Member: entry.Path, Mtime: entry.Mtime,
		}); err != nil {
			return foundAny, err
		}
		if !entry.IsRegular() {
			continue
		}

		tmp, err := openTempExtract(reader)
		if err != nil {
			level.Debug(s.Logger).Log("msg", "extract failed", "archive", archivePath, "member", entry.Path, "err", err)
			continue
		}

		rec, cerr := s.Classify(tmp, entry.Size)
		tmp.Close()
		if cerr != nil {
			level.Debug(s.Logger).Log("msg", "classify failed for archive member", "archive", archivePath, "member", entry.Path, "err", cerr)
			continue
		}
		if rec.BuildID.Empty() {
			continue
		}

		loc := locator.Loc{Tag: locator.Archive, Path: archivePath, Member: entry.Path}
		if rec.IsExecutable {
			if err := s.Store.UpsertArtifact(rec.BuildID, locator.Executable, "", loc, entry.Mtime); err != nil {
				return foundAny, err
			}
			stats.ExecutableFound++
			foundAny = true
		}
		if rec.IsDebugInfo {
			if err := s.Store.UpsertArtifact(rec.BuildID, locator.DebugInfo, "", loc, entry.Mtime); err != nil {
				return foundAny, err
			}
			stats.DebugInfoFound++
			foundAny = true
		}

		for _, src := range rec.SourcePaths {
			// Intern both the raw source name and the "." prefixed form
			// it will carry inside a separate -debuginfo archive (spec
			// §4.4b step 3), so the join in joinArchiveSources matches
			// either packaging convention.
			if err := s.Store.ScratchInsertPending(index.PendingSourceLookup{Dir: dir, BuildID: rec.BuildID, Name: src}); err != nil {
				return foundAny, err
			}
			if err := s.Store.ScratchInsertPending(index.PendingSourceLookup{Dir: dir, BuildID: rec.BuildID, Name: "." + src}); err != nil {
				return foundAny, err
			}
		}
	}

	return foundAny, nil
}

func openTempExtract(reader archive.Reader) (*os.File, error) {
	tmp, err := os.CreateTemp("", ".dbgserver-archive-*")
	if err != nil {
		return nil, err
	}
	_ = os.Remove(tmp.Name())

	if err := reader.Extract(tmp); err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, err
	}
	return tmp, nil
}

// joinArchiveSources implements spec §4.4b step 5: the relational join
// between pending-source-lookup and archive-contents, both scoped to
// dir, emitting one source row per matching member name.
func (s *Scanner) joinArchiveSources(dir string, stats *Stats) error {
	pending, err := s.Store.ScratchPending(dir)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return s.Store.ScratchDrop(dir)
	}

	contents, err := s.Store.ScratchArchiveContents(dir)
	if err != nil {
		return err
	}

	byMember := make(map[string][]index.ArchiveContent, len(contents))
	for _, c := range contents {
		byMember[c.Member] = append(byMember[c.Member], c)
	}

	for _, p := range pending {
		for _, c := range matchMember(byMember, p.Name) {
			loc := locator.Loc{Tag: locator.Archive, Path: c.Archive, Member: c.Member}
			if err := s.Store.UpsertArtifact(p.BuildID, locator.Source, p.Name, loc, c.Mtime); err != nil {
				return err
			}
			stats.SourceFound++
		}
	}

	return s.Store.ScratchDrop(dir)
}

func matchMember(byMember map[string][]index.ArchiveContent, name string) []index.ArchiveContent {
	if c, ok := byMember[name]; ok {
		return c
	}
	// Archive members are typically recorded with a "./" prefix by the
	// packaging tool; try that form too before giving up. name may itself
	// be an absolute source path ("/usr/src/foo/main.c"), so strip any
	// leading "/" before re-prepending "./" rather than stacking onto it.
	rel := strings.TrimPrefix(strings.TrimPrefix(name, "./"), "/")
	return byMember["./"+rel]
}
