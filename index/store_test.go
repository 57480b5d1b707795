package index_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/index"
	"github.com/dbgserver/dbgserver/locator"
)

func openTestStore(t *testing.T) *index.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := index.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndProbeHitOrdering(t *testing.T) {
	s := openTestStore(t)
	id := buildid.ID("deadbeef")

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	require.NoError(t, s.UpsertArtifact(id, locator.Executable, "", locator.Loc{Tag: locator.File, Path: "/srv/bin/old"}, older))
	require.NoError(t, s.UpsertArtifact(id, locator.Executable, "", locator.Loc{Tag: locator.File, Path: "/srv/bin/new"}, newer))

	entries, err := s.ProbeHit(id, locator.Executable, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/srv/bin/new", entries[0].Loc.Path)
	assert.Equal(t, "/srv/bin/old", entries[1].Loc.Path)
}

func TestUpsertReplacesSameKey(t *testing.T) {
	s := openTestStore(t)
	id := buildid.ID("cafe")
	loc := locator.Loc{Tag: locator.File, Path: "/srv/bin/app"}

	t1 := time.Now().Add(-time.Minute)
	t2 := time.Now()
	require.NoError(t, s.UpsertArtifact(id, locator.Executable, "", loc, t1))
	require.NoError(t, s.UpsertArtifact(id, locator.Executable, "", loc, t2))

	entries, err := s.ProbeHit(id, locator.Executable, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, t2, entries[0].Mtime, time.Second)
}

func TestSourceArtifactRequiresPath(t *testing.T) {
	s := openTestStore(t)
	err := s.UpsertArtifact("deadbeef", locator.Source, "", locator.Loc{Tag: locator.File, Path: "/x"}, time.Now())
	assert.Error(t, err)
}

func TestProbeFreshAndNegative(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	fresh, err := s.ProbeFresh("/srv/bin/unknown", now)
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, s.UpsertNegative("/srv/bin/unknown", now))

	fresh, err = s.ProbeFresh("/srv/bin/unknown", now)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.ProbeFresh("/srv/bin/unknown", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestDeleteStale(t *testing.T) {
	s := openTestStore(t)
	id := buildid.ID("deadbeef")
	loc := locator.Loc{Tag: locator.File, Path: "/srv/bin/app"}

	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpsertArtifact(id, locator.Executable, "", loc, old))

	require.NoError(t, s.DeleteStale("/srv/bin/app", time.Now()))

	entries, err := s.ProbeHit(id, locator.Executable, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScratchPendingAndArchiveJoin(t *testing.T) {
	s := openTestStore(t)
	dir := "/pkgs"

	require.NoError(t, s.ScratchInsertPending(index.PendingSourceLookup{
		Dir: dir, BuildID: "deadbeef", Name: "usr/src/foo/main.c",
	}))
	require.NoError(t, s.ScratchInsertArchiveContent(index.ArchiveContent{
		Dir: dir, Archive: "/pkgs/foo-1.rpm", Member: "usr/src/foo/main.c", Mtime: time.Now(),
	}))

	pending, err := s.ScratchPending(dir)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "usr/src/foo/main.c", pending[0].Name)

	contents, err := s.ScratchArchiveContents(dir)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Equal(t, "/pkgs/foo-1.rpm", contents[0].Archive)

	require.NoError(t, s.ScratchDrop(dir))

	pending, err = s.ScratchPending(dir)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOpenRecreatesCorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	require.NoError(t, writeGarbage(path))

	s, err := index.Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.ProbeHit("deadbeef", locator.Executable, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
