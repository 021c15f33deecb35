// Package atomicfile writes record-like files (gateway records, lock
// files, session metadata sidecars) so that a reader never observes a
// partially-written file: write to a uniquely-named temp file in the same
// directory, then rename over the target.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Write atomically replaces path's contents with data. The temp file is
// named "<path>.tmp-<pid>-<unixnano>-<uuid>" and is removed on any error
// before rename.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d-%s", path, os.Getpid(), time.Now().UnixNano(), uuid.NewString())

	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
