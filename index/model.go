package index

import (
	"time"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/locator"
)

// Entry is one row the store hands back from ProbeHit: a physical
// locator plus the time it was discovered at.
type Entry struct {
	Loc     locator.Loc
	Mtime   time.Time
}

// ArtifactKey identifies one artifact row, spec §3's quintuple minus the
// locator and discovery time.
type ArtifactKey struct {
	BuildID    buildid.ID
	Kind       locator.Kind
	SourcePath string // only meaningful when Kind == locator.Source
}

// PendingSourceLookup is one row of the pending-source-lookup scratch
// table (spec §3): "somewhere under Dir, BuildID expects a source file
// named Name".
type PendingSourceLookup struct {
	Dir     string
	BuildID buildid.ID
	Name    string
}

// ArchiveContent is one row of the archive-contents scratch table (spec
// §3): "archive Archive (mtime Mtime) contains member Member, discovered
// while scanning under Dir".
type ArchiveContent struct {
	Dir     string
	Archive string
	Member  string
	Mtime   time.Time
}
