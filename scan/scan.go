// Package scan implements the concurrent file-system scanner (spec
// §4.4): the plain-file scanner and the archive scanner, each walking a
// configured root directory on a rescan interval and writing discovered
// artifacts into the index store.
//
// Directory traversal here uses a hand-rolled recursive walk rather than
// filepath.WalkDir, because the scanner needs an explicit "this
// directory's traversal just closed" hook to drive the scratch-table
// join of spec §3 — WalkDir's flat pre-order callback has no such
// signal. The scanner opens files for classification through
// github.com/go-git/go-billy/v5's osfs, the same filesystem-abstraction
// dependency the teacher repo uses everywhere it touches disk; directory
// listing and stat calls use package os directly, as do the server and
// the client cache.
package scan

import (
	"io"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dbgserver/dbgserver/archive"
	"github.com/dbgserver/dbgserver/classify"
	"github.com/dbgserver/dbgserver/index"
)

// Stats accumulates the traversal statistics spec §4.4 requires be logged
// at the end of each scan pass.
type Stats struct {
	Scanned         int
	Cached          int
	DebugInfoFound  int
	ExecutableFound int
	SourceFound     int
	Elapsed         time.Duration
}

// ClassifyFunc matches classify.Classify's signature; Scanner takes it as
// a field (rather than calling the classify package directly) so tests
// can substitute a fake classifier without needing real ELF fixtures.
type ClassifyFunc func(r io.ReaderAt, size int64) (classify.Record, error)

// ArchiveOpenFunc matches archive.Open's signature, for the same reason.
type ArchiveOpenFunc func(r io.Reader) (archive.Reader, error)

// Scanner holds the dependencies shared by both scanner variants.
type Scanner struct {
	Store   *index.Store
	Logger  log.Logger
	Classify ClassifyFunc

	ArchiveOpen ArchiveOpenFunc

	// Interrupted is polled between files and between archive entries
	// (spec §5's cooperative cancellation). A nil func means "never
	// interrupted", which is fine for one-shot Scan*Once calls in tests.
	Interrupted func() bool

	fs billy.Filesystem
}

// New constructs a Scanner. If classifyFn or archiveOpenFn are nil, the
// real classify.Classify / archive.Open are used.
func New(store *index.Store, logger log.Logger, classifyFn ClassifyFunc, archiveOpenFn ArchiveOpenFunc, interrupted func() bool) *Scanner {
	if classifyFn == nil {
		classifyFn = classify.Classify
	}
	if archiveOpenFn == nil {
		archiveOpenFn = archive.Open
	}
	return &Scanner{
		Store:       store,
		Logger:      logger,
		Classify:    classifyFn,
		ArchiveOpen: archiveOpenFn,
		Interrupted: interrupted,
		fs:          osfs.New("/"),
	}
}

func (s *Scanner) interrupted() bool {
	return s.Interrupted != nil && s.Interrupted()
}

func (s *Scanner) logPass(kind, root string, stats Stats, err error) {
	if s.Logger == nil {
		return
	}
	l := level.Info(s.Logger)
	if err != nil {
		l = level.Warn(s.Logger)
	}
	_ = l.Log(
		"msg", "scan pass complete",
		"scanner", kind,
		"root", root,
		"scanned", stats.Scanned,
		"cached", stats.Cached,
		"debuginfo_found", stats.DebugInfoFound,
		"executable_found", stats.ExecutableFound,
		"source_found", stats.SourceFound,
		"elapsed_s", stats.Elapsed.Seconds(),
		"err", err,
	)
}
