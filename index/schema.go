package index

// Bucket layout. Every bucket is a top-level bbolt bucket; there is no
// nesting, matching the flat schema a relational "embedded database"
// would present as tables (spec §4.3's "implementation-chosen single-file
// embedded database").
//
// Schema migrations (spec §6) are performed by Store.init, which drops
// every bucket whose name does not carry the current "v<schemaVersion>:"
// prefix and creates the current buckets empty; bucket names are
// prefixed with the version, so bumping schemaVersion and renaming the
// buckets here is sufficient to start a new schema.
var (
	bucketStringsFwd = []byte("v1:strings:fwd") // string -> surrogate id
	bucketStringsRev = []byte("v1:strings:rev") // surrogate id -> string
	bucketBuildIDFwd = []byte("v1:buildids:fwd")
	bucketBuildIDRev = []byte("v1:buildids:rev")

	bucketEntries  = []byte("v1:entries")   // composite key -> mtime
	bucketByPrimary = []byte("v1:byprimary") // primary-loc prefix index -> composite key
	bucketNegative  = []byte("v1:negative")  // primary-loc -> mtime
	bucketFreshness = []byte("v1:freshness") // primary-loc -> latest known mtime

	bucketScratchPending = []byte("v1:scratch:pending") // dir\x00buildid\x00srcname -> ""
	bucketScratchArchive = []byte("v1:scratch:archive")  // dir\x00archive\x00member -> mtime
)

const schemaVersion = 1

func allBuckets() [][]byte {
	return [][]byte{
		bucketStringsFwd, bucketStringsRev,
		bucketBuildIDFwd, bucketBuildIDRev,
		bucketEntries, bucketByPrimary, bucketNegative, bucketFreshness,
		bucketScratchPending, bucketScratchArchive,
	}
}
