// Package archive implements the archive reader component (spec §4.1):
// a lazy, forward-only reader over the packaged-archive format the
// scanner and HTTP front-end extract artifacts from. The canonical
// packaging format is RPM; the reader's job is the same one
// formats/packfile.Scanner plays for go-git's packfiles — iterate typed
// entries one at a time, and extract the current entry's body into a
// caller-supplied sink, without ever holding the whole archive in memory.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrMalformed is returned by Open/Next when the input stream does not
// parse as a supported archive format.
var ErrMalformed = errors.New("archive: malformed archive")

// ErrNotRegular is returned by Extract when called on a non-regular-file
// entry (directories, symlinks, device nodes); the scanner and front-end
// must skip these rather than extract them.
var ErrNotRegular = errors.New("archive: entry is not a regular file")

// Entry is one header yielded by Reader.Next.
type Entry struct {
	// Path is the member name exactly as recorded in the archive, e.g.
	// "./usr/lib/debug/.build-id/de/adbeef....debug".
	Path string
	Mode os.FileMode
	// Mtime is the entry's modification time, used for the archive
	// locator's Last-Modified (spec §4.7).
	Mtime time.Time
	Size  int64
}

// IsRegular reports whether the entry is an extractable regular file.
func (e Entry) IsRegular() bool {
	return e.Mode.IsRegular()
}

// Reader iterates the entries of one archive stream. It owns its own
// decoder state (decompression, header parsing); the caller owns the
// underlying input stream and any extraction sink. A Reader is
// forward-only and non-restartable: once Next has advanced past an
// entry, that entry's body is gone.
type Reader interface {
	// Next advances to the next entry and returns its header. It returns
	// io.EOF when the archive is exhausted, or a wrapped ErrMalformed if
	// the stream does not parse.
	Next() (Entry, error)

	// Extract copies the body of the entry most recently returned by
	// Next into dst. It must be called at most once per entry, and only
	// when the entry IsRegular(); calling it otherwise is a programmer
	// error (ErrNotRegular).
	Extract(dst io.Writer) error

	// Close releases any decoder resources. It does not close the
	// underlying input stream.
	Close() error
}

// Open auto-detects the archive format from its magic bytes and returns
// a Reader positioned before the first entry (payload compression is
// detected by the format's own reader). The only format
// currently understood is RPM (see rpm.go); future formats would be
// dispatched from here the same way, keyed off magic bytes rather than
// file extension, since the scanner only knows the file matched the
// configured suffix (spec §4.4b), not its actual format.
func Open(r io.Reader) (Reader, error) {
	magic := make([]byte, 4)
	n, err := io.ReadFull(r, magic)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("archive: reading magic: %w", err)
	}
	magic = magic[:n]

	switch {
	case isRPMMagic(magic):
		return newRPMReader(io.MultiReader(newPrefixReader(magic), r))
	default:
		return nil, fmt.Errorf("%w: unrecognized magic %x", ErrMalformed, magic)
	}
}

func newPrefixReader(b []byte) io.Reader {
	return &prefixReader{b: b}
}

// prefixReader replays bytes already consumed while sniffing the magic,
// then falls through to nothing; it is combined with the original reader
// via io.MultiReader by the caller.
type prefixReader struct {
	b   []byte
	pos int
}

func (p *prefixReader) Read(out []byte) (int, error) {
	if p.pos >= len(p.b) {
		return 0, io.EOF
	}
	n := copy(out, p.b[p.pos:])
	p.pos += n
	return n, nil
}
