package server

import (
	"io"
	"os"
	"time"

	"github.com/dbgserver/dbgserver/archive"
	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/internal/service"
	"github.com/dbgserver/dbgserver/locator"
)

// probeLocal implements spec §4.7 steps 2-3: probe the index store for
// candidate rows newest-first, and for each try to produce an open file
// handle plus the Last-Modified time to report, skipping a row whose
// backing file has since changed mtime.
func probeLocal(ctx *service.Context, id buildid.ID, kind locator.Kind, sourcePath string) (*os.File, time.Time, bool) {
	entries, err := ctx.Store.ProbeHit(id, kind, sourcePath)
	if err != nil {
		return nil, time.Time{}, false
	}

	for _, e := range entries {
		switch e.Loc.Tag {
		case locator.File:
			f, modTime, ok := openPlainCandidate(e.Loc.Path, e.Mtime)
			if ok {
				return f, modTime, true
			}
		case locator.Archive:
			f, modTime, ok := openArchiveCandidate(e.Loc.Path, e.Loc.Member, e.Mtime)
			if ok {
				return f, modTime, true
			}
		}
	}
	return nil, time.Time{}, false
}

// openPlainCandidate implements spec §4.7 step 3's file locator rule: the
// file's current mtime must still match the indexed one, otherwise the
// row is considered stale and skipped (a rescan will notice and correct
// the index).
func openPlainCandidate(path string, indexedMtime time.Time) (*os.File, time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Equal(indexedMtime) {
		return nil, time.Time{}, false
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, false
	}
	return f, info.ModTime(), true
}

// openArchiveCandidate implements spec §4.7 step 3's archive locator
// rule: decode the archive's entries until the member name matches, then
// extract it into an anonymous (unlinked) temp file so the caller gets a
// seekable handle without holding the whole archive in memory.
func openArchiveCandidate(archivePath, member string, entryMtime time.Time) (*os.File, time.Time, bool) {
	src, err := os.Open(archivePath)
	if err != nil {
		return nil, time.Time{}, false
	}
	defer src.Close()

	reader, err := archive.Open(src)
	if err != nil {
		return nil, time.Time{}, false
	}
	defer reader.Close()

	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, time.Time{}, false
		}
		if entry.Path != member || !entry.IsRegular() {
			continue
		}

		tmp, err := os.CreateTemp("", ".dbgserver-serve-*")
		if err != nil {
			return nil, time.Time{}, false
		}
		_ = os.Remove(tmp.Name())

		if err := reader.Extract(tmp); err != nil {
			tmp.Close()
			return nil, time.Time{}, false
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			tmp.Close()
			return nil, time.Time{}, false
		}
		return tmp, entryMtime, true
	}
}
