//go:build !windows

// Package moxio has small I/O helpers shared by the storage code.
package moxio

import (
	"fmt"
	"os"

	"github.com/drover-mta/drover/mlog"
)

var xlog = mlog.New("moxio", nil)

// SyncDir opens a directory and syncs its contents to disk, making freshly
// written files in it durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	xlog.Check(xerr, "closing directory after sync")
	return err
}
