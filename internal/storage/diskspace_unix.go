//go:build unix

package storage

import (
	"fmt"
	"syscall"
)

// minFreeSpace is the free-space floor kept for the OS and other apps.
const minFreeSpace = 100 * 1024 * 1024 // 100 MB

// checkDiskSpace verifies the filesystem holding dir can absorb a write of
// the given size without dropping below the free-space floor.
func checkDiskSpace(dir string, required int64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		// Inability to stat the filesystem is not itself a reason to
		// refuse the write.
		return nil
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	needed := required + minFreeSpace
	if available < needed {
		return fmt.Errorf("insufficient disk space: %d MB available, %d MB required at %s",
			available/(1024*1024), needed/(1024*1024), dir)
	}
	return nil
}
