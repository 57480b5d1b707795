package scan

import (
	"os"
	"syscall"
)

// deviceOf returns the device id of path's underlying mount, used to
// implement spec §4.4a step 1's "do not cross mount points". ok is false
// if the platform's stat structure isn't available (non-Unix), in which
// case the caller simply skips the cross-device check.
func deviceOf(path string) (dev uint64, ok bool) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Dev), true
}
