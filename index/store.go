// Package index implements the persistent index store (spec §4.3): the
// interned (build-id, kind, source-path?) -> locator mapping, the
// negative cache, and the two scan-time scratch tables (spec §3). It is
// backed by go.etcd.io/bbolt, an embedded single-file B+tree store,
// which satisfies the spec's storage-agnostic requirement (transactional
// upserts plus indexed point lookups over integer surrogate keys) the
// way the teacher repo's idxfile/dotgit packages satisfy the same shape
// of requirement for git's own object index.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/locator"
)

// Store is a handle on one index database file. It is safe for
// concurrent use by multiple goroutines: bbolt serializes writers
// internally (spec's "multi-reader/single-writer in practice") and
// permits concurrent readers against a consistent snapshot, which gives
// upserts the "atomic visibility" invariant spec §4.3 requires without
// any extra locking in this package.
type Store struct {
	db   *bolt.DB
	path string
}

// Open opens (or creates) the index database at path. If the existing
// file is corrupt, Open deletes it and creates a fresh, empty one — spec
// §4.3's "On startup, if the store's physical file is corrupt... delete
// it and re-create" — since the scanner is expected to repopulate it and
// durability across crashes is explicitly not required.
func Open(path string) (*Store, error) {
	db, err := openOrRecreate(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openOrRecreate(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err == nil {
		return db, nil
	}
	// Any open failure on an existing file is treated as corruption:
	// delete and start fresh rather than propagate a fatal error up to
	// a scanner that would otherwise never make progress.
	if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return nil, fmt.Errorf("index: recreating corrupt database: %w", removeErr)
	}
	return bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
}

func (s *Store) init() error {
	current := []byte(fmt.Sprintf("v%d:", schemaVersion))
	return s.db.Update(func(tx *bolt.Tx) error {
		// Drop buckets left behind by any other schema version.
		var stale [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !hasPrefix(name, current) {
				stale = append(stale, append([]byte(nil), name...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		for _, b := range allBuckets() {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// entryKey is the fixed-width composite key for the entries/byPrimary
// buckets: buildID(8) || kind(1) || sourcePath(8) || locTag(1) ||
// primary(8) || member(8).
type entryKey [34]byte

func makeEntryKey(buildIDID, sourceID uint64, kind locator.Kind, locTag locator.Tag, primaryID, memberID uint64) entryKey {
	var k entryKey
	binary.BigEndian.PutUint64(k[0:8], buildIDID)
	k[8] = byte(kind)
	binary.BigEndian.PutUint64(k[9:17], sourceID)
	k[17] = byte(locTag)
	binary.BigEndian.PutUint64(k[18:26], primaryID)
	binary.BigEndian.PutUint64(k[26:34], memberID)
	return k
}

func (k entryKey) probePrefix() []byte {
	return k[0:17]
}

// UpsertArtifact inserts or replaces an index entry for one (build-id,
// kind, locator) triple, recording discoveredAt as its discovery mtime.
// For kind == locator.Source, sourcePath must be non-empty (spec §3
// invariant "An index entry with kind=source always carries a non-null
// source-path").
func (s *Store) UpsertArtifact(id buildid.ID, kind locator.Kind, sourcePath string, loc locator.Loc, discoveredAt time.Time) error {
	if kind == locator.Source && sourcePath == "" {
		return errors.New("index: source artifact requires a source-path")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		buildIDSurrogate, err := buildIDInterner.intern(tx, id.String())
		if err != nil {
			return err
		}
		sourceSurrogate, err := pathInterner.internOptional(tx, sourcePath)
		if err != nil {
			return err
		}
		primarySurrogate, err := pathInterner.intern(tx, loc.Path)
		if err != nil {
			return err
		}
		memberSurrogate, err := pathInterner.internOptional(tx, loc.Member)
		if err != nil {
			return err
		}

		key := makeEntryKey(buildIDSurrogate, sourceSurrogate, kind, loc.Tag, primarySurrogate, memberSurrogate)
		if err := putMtime(tx.Bucket(bucketEntries), key[:], discoveredAt); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByPrimary).Put(byPrimaryKey(primarySurrogate, key), nil); err != nil {
			return err
		}
		return bumpFreshness(tx, primarySurrogate, discoveredAt)
	})
}

// UpsertNegative records that primary (a plain-file or archive path) is
// known, as of mtime, to contain no indexable content.
func (s *Store) UpsertNegative(primary string, mtime time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := pathInterner.intern(tx, primary)
		if err != nil {
			return err
		}
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], id)
		if err := putMtime(tx.Bucket(bucketNegative), idb[:], mtime); err != nil {
			return err
		}
		return bumpFreshness(tx, id, mtime)
	})
}

// ProbeHit returns the entries matching (id, kind, sourcePath), ordered
// by discovery-mtime descending, per spec §4.3.
func (s *Store) ProbeHit(id buildid.ID, kind locator.Kind, sourcePath string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		buildIDSurrogate, ok := buildIDInterner.find(tx, id.String())
		if !ok {
			return nil
		}
		sourceSurrogate, ok := uint64(0), true
		if sourcePath != "" {
			sourceSurrogate, ok = pathInterner.find(tx, sourcePath)
			if !ok {
				return nil
			}
		}
		prefix := makeEntryKey(buildIDSurrogate, sourceSurrogate, kind, 0, 0, 0).probePrefix()

		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var key entryKey
			copy(key[:], k)
			loc, err := decodeLocator(tx, key)
			if err != nil {
				return err
			}
			out = append(out, Entry{Loc: loc, Mtime: decodeMtime(v)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mtime.After(out[j].Mtime) })
	return out, nil
}

// ProbeFresh answers "is primary already fully indexed at mtime", used
// by the scanner's skip-check (spec §4.4 step 3) to avoid reclassifying
// unchanged files.
func (s *Store) ProbeFresh(primary string, mtime time.Time) (bool, error) {
	var fresh bool
	err := s.db.View(func(tx *bolt.Tx) error {
		id, ok := pathInterner.find(tx, primary)
		if !ok {
			return nil
		}
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], id)
		v := tx.Bucket(bucketFreshness).Get(idb[:])
		if v == nil {
			return nil
		}
		fresh = !decodeMtime(v).Before(mtime)
		return nil
	})
	return fresh, err
}

// DeleteStale deletes every row whose primary-location equals primary and
// whose discovery-mtime is strictly before before.
func (s *Store) DeleteStale(primary string, before time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, ok := pathInterner.find(tx, primary)
		if !ok {
			return nil
		}
		var idb [8]byte
		binary.BigEndian.PutUint64(idb[:], id)

		byPrimary := tx.Bucket(bucketByPrimary)
		entries := tx.Bucket(bucketEntries)

		c := byPrimary.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(idb[:]); k != nil && hasPrefix(k, idb[:]); k, _ = c.Next() {
			entryK := k[8:]
			v := entries.Get(entryK)
			if v == nil || decodeMtime(v).Before(before) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := byPrimary.Delete(k); err != nil {
				return err
			}
			if err := entries.Delete(k[8:]); err != nil {
				return err
			}
		}

		// The negative row for this primary is likewise stale once a
		// newer pass supersedes it.
		negative := tx.Bucket(bucketNegative)
		if v := negative.Get(idb[:]); v != nil && decodeMtime(v).Before(before) {
			return negative.Delete(idb[:])
		}
		return nil
	})
}

// --- scratch tables (spec §3) ---

// ScratchInsertPending records "dir expects source name on behalf of id".
func (s *Store) ScratchInsertPending(row PendingSourceLookup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := scratchKey(row.Dir, row.BuildID.String(), row.Name)
		return tx.Bucket(bucketScratchPending).Put(key, nil)
	})
}

// ScratchInsertArchiveContent records "archive A (mtime M) contains
// member S, discovered while scanning under Dir".
func (s *Store) ScratchInsertArchiveContent(row ArchiveContent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := scratchKey(row.Dir, row.Archive, row.Member)
		return putMtime(tx.Bucket(bucketScratchArchive), key, row.Mtime)
	})
}

// ScratchPending returns every pending-source-lookup row filed under dir.
func (s *Store) ScratchPending(dir string) ([]PendingSourceLookup, error) {
	var out []PendingSourceLookup
	prefix := scratchDirPrefix(dir)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScratchPending).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			parts := splitScratchKey(k)
			if len(parts) != 3 {
				continue
			}
			out = append(out, PendingSourceLookup{Dir: parts[0], BuildID: buildid.ID(parts[1]), Name: parts[2]})
		}
		return nil
	})
	return out, err
}

// ScratchArchiveContents returns every archive-contents row filed under
// dir, joined against pending lookups by the caller (see package scan).
func (s *Store) ScratchArchiveContents(dir string) ([]ArchiveContent, error) {
	var out []ArchiveContent
	prefix := scratchDirPrefix(dir)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScratchArchive).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			parts := splitScratchKey(k)
			if len(parts) != 3 {
				continue
			}
			out = append(out, ArchiveContent{Dir: parts[0], Archive: parts[1], Member: parts[2], Mtime: decodeMtime(v)})
		}
		return nil
	})
	return out, err
}

// ScratchDrop removes every scratch row (both tables) filed under dir,
// once its traversal has closed (spec §4.4a step 7 / §4.4b step 5).
func (s *Store) ScratchDrop(dir string) error {
	prefix := scratchDirPrefix(dir)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketScratchPending, bucketScratchArchive} {
			b := tx.Bucket(name)
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- helpers ---

func putMtime(b *bolt.Bucket, key []byte, t time.Time) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(t.UnixNano()))
	return b.Put(key, v[:])
}

func decodeMtime(v []byte) time.Time {
	if len(v) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v)))
}

func bumpFreshness(tx *bolt.Tx, primaryID uint64, mtime time.Time) error {
	b := tx.Bucket(bucketFreshness)
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], primaryID)
	if existing := b.Get(idb[:]); existing != nil && decodeMtime(existing).After(mtime) {
		return nil
	}
	return putMtime(b, idb[:], mtime)
}

func byPrimaryKey(primaryID uint64, entryK entryKey) []byte {
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], primaryID)
	out := make([]byte, 0, 8+len(entryK))
	out = append(out, idb[:]...)
	out = append(out, entryK[:]...)
	return out
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func decodeLocator(tx *bolt.Tx, k entryKey) (locator.Loc, error) {
	locTag := locator.Tag(k[17])
	primaryID := binary.BigEndian.Uint64(k[18:26])
	memberID := binary.BigEndian.Uint64(k[26:34])

	primary, err := pathInterner.lookup(tx, primaryID)
	if err != nil {
		return locator.Loc{}, err
	}
	member, err := pathInterner.lookup(tx, memberID)
	if err != nil {
		return locator.Loc{}, err
	}
	return locator.Loc{Tag: locTag, Path: primary, Member: member}, nil
}

const scratchSep = "\x00"

func scratchKey(parts ...string) []byte {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += scratchSep
		}
		out += p
	}
	return []byte(out)
}

func scratchDirPrefix(dir string) []byte {
	return []byte(dir + scratchSep)
}

func splitScratchKey(k []byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			parts = append(parts, string(k[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, string(k[start:]))
	return parts
}
