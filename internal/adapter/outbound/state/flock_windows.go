//go:build windows

package state

// flockLock is a no-op on Windows; the in-process mutex still
// serializes writers, and the rename-based swap keeps readers safe.
func flockLock(fd uintptr) error {
	return nil
}

// flockUnlock is a no-op on Windows.
func flockUnlock(fd uintptr) error {
	return nil
}
