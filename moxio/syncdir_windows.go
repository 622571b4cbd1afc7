// Package moxio has small I/O helpers shared by the storage code.
package moxio

// SyncDir is a no-op on Windows, directories cannot be fsynced there.
func SyncDir(dir string) error {
	return nil
}
