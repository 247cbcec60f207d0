//go:build !windows

package moxio

import (
	"fmt"
	"os"
)

// SyncDir opens dir and syncs it to disk, making a preceding file
// create/rename/remove within it durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	if cerr := d.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing directory after sync: %v", cerr)
	}
	return err
}
