// Package classify implements the ELF/DWARF classifier (spec §4.2): given
// a seekable byte stream, it decides whether the stream is an ELF object,
// whether it is executable, whether it carries debug information,
// extracts its build identifier, and enumerates the absolute source file
// paths referenced by its debug line program.
//
// This is the one component of the server for which no third-party
// library in the retrieved pack offers a better fit than the standard
// library: debug/elf and debug/dwarf already implement exactly the ELF
// section model and DWARF line-program decoding the spec calls for, and
// every domain example that does similar work (parca-agent's debuginfo
// manager, DataDog's dwarf_cache, ccfos-huatuo's usymbols) itself builds
// on debug/elf rather than a wrapping library.
package classify

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"path"

	"github.com/dbgserver/dbgserver/buildid"
)

// ErrCorruptELF is returned when the input carries ELF's magic number but
// otherwise fails to parse. A non-ELF input is not an error at all: it
// yields a Record{} with IsExecutable/IsDebugInfo both false and an empty
// BuildID, per spec §4.2's "Failure semantics".
var ErrCorruptELF = errors.New("classify: corrupt ELF input")

// Record is the classifier's output for one byte stream.
type Record struct {
	IsExecutable bool
	IsDebugInfo  bool
	BuildID      buildid.ID
	// SourcePaths are absolute paths referenced from the debug line
	// program, collected into a set (order is not significant, but
	// deterministic here for test stability).
	SourcePaths []string
}

// elfMagic is the four-byte ELF identification prefix.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Classify reads r (which must support ReadAt, hence io.ReaderAt) and
// produces a Record. It never panics; on a non-ELF input it returns a
// zero Record and a nil error. On a malformed ELF it returns
// ErrCorruptELF wrapped with more detail.
func Classify(r io.ReaderAt, size int64) (Record, error) {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, nil
		}
		return Record{}, nil
	}
	if !bytes.Equal(magic, elfMagic) {
		return Record{}, nil
	}

	f, err := elf.NewFile(&sectionReaderAt{r: r, size: size})
	if err != nil {
		return Record{}, errWrap(err)
	}
	defer f.Close()

	rec := Record{}
	rec.IsExecutable = isExecutable(f)
	rec.IsDebugInfo = hasDebugSections(f)
	rec.BuildID = extractBuildID(f)

	paths, err := extractSourcePaths(f)
	if err != nil {
		// A present-but-malformed .debug_info is a corrupt-ELF
		// condition (spec §4.2); an absent one is handled inside
		// extractSourcePaths and never reaches here as an error.
		return Record{}, errWrap(err)
	}
	rec.SourcePaths = paths

	return rec, nil
}

func errWrap(err error) error {
	return errors.Join(ErrCorruptELF, err)
}

// sectionReaderAt wraps the io.ReaderAt handed to Classify before it is
// passed to debug/elf. ReadAt is forwarded unchanged; size is recorded
// but not consulted.
type sectionReaderAt struct {
	r    io.ReaderAt
	size int64
}

func (s *sectionReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

// isExecutable implements the "Executability rule" of spec §4.2: only
// ET_EXEC and ET_DYN objects are eligible, and within those, the presence
// of any allocatable PROGBITS section sets the flag.
func isExecutable(f *elf.File) bool {
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return false
	}
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS {
			continue
		}
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		return true
	}
	return false
}

func hasDebugSections(f *elf.File) bool {
	for _, sec := range f.Sections {
		if hasPrefix(sec.Name, ".debug_") || hasPrefix(sec.Name, ".zdebug_") {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// noteGNUBuildID is the note type value for NT_GNU_BUILD_ID.
const noteGNUBuildID = 3

// extractBuildID parses the .note.gnu.build-id section's ELF note record
// and returns the lowercase-hex form of its descriptor bytes.
func extractBuildID(f *elf.File) buildid.ID {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	return parseBuildIDNote(data, f.ByteOrder)
}

// parseBuildIDNote walks ELF note entries (namesz, descsz, type, name,
// desc, all 4-byte aligned) looking for NT_GNU_BUILD_ID.
func parseBuildIDNote(data []byte, order binary.ByteOrder) buildid.ID {
	for len(data) >= 12 {
		nameSz := order.Uint32(data[0:4])
		descSz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(int(nameSz))
		if len(data) < nameEnd {
			return ""
		}
		data = data[nameEnd:]

		descEnd := align4(int(descSz))
		if len(data) < descEnd {
			return ""
		}
		desc := data[:descSz]
		data = data[descEnd:]

		if typ == noteGNUBuildID {
			return buildid.FromBytes(desc)
		}
	}
	return ""
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// extractSourcePaths implements the "Source-paths extraction" rule of
// spec §4.2: for each compilation unit, resolve every line-table file
// name against the unit's compilation directory.
func extractSourcePaths(f *elf.File) ([]string, error) {
	d, err := f.DWARF()
	if err != nil {
		// No DWARF data at all is not an error; it means the object
		// simply carries no debug info.
		return nil, nil
	}

	seen := make(map[string]struct{})
	var paths []string

	reader := d.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		compDir, _ := entry.Val(dwarf.AttrCompDir).(string)

		lr, err := d.LineReader(entry)
		if err != nil || lr == nil {
			reader.SkipChildren()
			continue
		}
		for _, file := range lr.Files() {
			if file == nil || file.Name == "" {
				continue
			}
			p := file.Name
			if !path.IsAbs(p) {
				p = path.Join(compDir, p)
			}
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				paths = append(paths, p)
			}
		}
		reader.SkipChildren()
	}

	return paths, nil
}
