// Package locator holds the value types shared across the index store,
// the scanner, the client cache and the HTTP front-end, so that none of
// those packages needs to import another to talk about "what kind of
// artifact" or "where does it physically live". It plays the role the
// teacher repo's own "plumbing" package plays for go-git: the leaf
// package everything else depends on.
package locator

import "fmt"

// Kind tags one of the three artifact kinds the server understands.
type Kind int

const (
	// Executable is a stripped or unstripped program or shared object.
	Executable Kind = iota
	// DebugInfo is a separated debug-information file.
	DebugInfo
	// Source is a single source file referenced by a debug line program.
	Source
)

// String renders the kind the way it appears in the HTTP URL grammar.
func (k Kind) String() string {
	switch k {
	case Executable:
		return "executable"
	case DebugInfo:
		return "debuginfo"
	case Source:
		return "source"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the URL path segment for an artifact kind. Unlike
// source-file CLI argument "source-file" (spec §6), the wire kind is
// "source".
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "executable":
		return Executable, true
	case "debuginfo":
		return DebugInfo, true
	case "source":
		return Source, true
	default:
		return 0, false
	}
}

// Tag discriminates the two physical origins an artifact can have.
type Tag int

const (
	// File is a single absolute path on the serving host.
	File Tag = iota
	// Archive is a member of a packaged archive on the serving host.
	Archive
)

// Loc is a discriminated union over the physical origin of an artifact:
// either a plain file, or one named member of an archive.
type Loc struct {
	Tag Tag

	// Path is populated for Tag == File: the absolute file path.
	// For Tag == Archive, it is the absolute path of the archive itself.
	Path string

	// Member is populated only for Tag == Archive: the entry name within
	// the archive (e.g. "./usr/lib/debug/.build-id/de/adbeef....debug").
	Member string
}

// Primary is the "primary-location" string used as the negative-cache and
// stale-deletion key (spec §3/§4.3): the archive or plain-file path.
func (l Loc) Primary() string {
	return l.Path
}

func (l Loc) String() string {
	if l.Tag == Archive {
		return l.Path + "!" + l.Member
	}
	return l.Path
}
