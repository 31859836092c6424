//go:build !unix

package storage

// checkDiskSpace is a no-op on platforms without statfs support.
func checkDiskSpace(dir string, required int64) error {
	return nil
}
