package index

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// interner maps arbitrary strings to small integer surrogate keys and
// back, the way spec §3's "String interning" calls for: index entries
// hold surrogates, not strings, purely as an on-disk space and
// comparison-speed optimization that is invisible to every other
// component.
type interner struct {
	fwd []byte // string -> 8-byte big-endian id
	rev []byte // 8-byte big-endian id -> string
}

var (
	pathInterner    = interner{fwd: bucketStringsFwd, rev: bucketStringsRev}
	buildIDInterner = interner{fwd: bucketBuildIDFwd, rev: bucketBuildIDRev}
)

// intern returns s's surrogate id, creating one if s has not been seen
// before in this bucket pair.
func (in interner) intern(tx *bolt.Tx, s string) (uint64, error) {
	fwd := tx.Bucket(in.fwd)
	if v := fwd.Get([]byte(s)); v != nil {
		return binary.BigEndian.Uint64(v), nil
	}

	id, err := fwd.NextSequence()
	if err != nil {
		return 0, err
	}
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)

	if err := fwd.Put([]byte(s), idb[:]); err != nil {
		return 0, err
	}
	rev := tx.Bucket(in.rev)
	return id, rev.Put(idb[:], []byte(s))
}

// lookup returns the string for a surrogate id, or "" if id is the
// reserved zero value (meaning "absent", e.g. no source-path).
func (in interner) lookup(tx *bolt.Tx, id uint64) (string, error) {
	if id == 0 {
		return "", nil
	}
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	v := tx.Bucket(in.rev).Get(idb[:])
	return string(v), nil
}

// internOptional interns s unless it is empty, in which case it returns
// the reserved zero surrogate (used for the optional source-path field).
func (in interner) internOptional(tx *bolt.Tx, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return in.intern(tx, s)
}

// find looks up s's surrogate id without creating one. ok is false if s
// has never been interned.
func (in interner) find(tx *bolt.Tx, s string) (id uint64, ok bool) {
	v := tx.Bucket(in.fwd).Get([]byte(s))
	if v == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}
