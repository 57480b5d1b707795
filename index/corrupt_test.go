package index_test

import "os"

// writeGarbage simulates a corrupt index database file: bbolt's Open
// rejects any file that doesn't start with a valid page header, which
// triggers Store's delete-and-recreate path.
func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("this is not a bbolt database"), 0o600)
}
