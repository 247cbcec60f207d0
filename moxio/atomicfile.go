package moxio

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to name durably: it writes to a temporary
// file in tmpDir, fsyncs it, renames it into place, then fsyncs the
// destination directory so the rename itself survives a crash. Grounded
// on slimta's DiskOps.write_env/write_meta (original_source/slimta/queue/disk.py,
// write-to-tmp-then-rename) combined with the teacher's SyncDir fsync
// idiom, which slimta's Python original doesn't need since it never
// syncs the directory entry.
func WriteFileAtomic(tmpDir, name string, data []byte) error {
	tmpf, err := os.CreateTemp(tmpDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %v", err)
	}
	tmpPath := tmpf.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmpf.Write(data); err != nil {
		tmpf.Close()
		return fmt.Errorf("writing temp file: %v", err)
	}
	if err := tmpf.Sync(); err != nil {
		tmpf.Close()
		return fmt.Errorf("syncing temp file: %v", err)
	}
	if err := tmpf.Close(); err != nil {
		return fmt.Errorf("closing temp file: %v", err)
	}
	if err := os.Rename(tmpPath, name); err != nil {
		return fmt.Errorf("renaming into place: %v", err)
	}
	return SyncDir(filepath.Dir(name))
}
