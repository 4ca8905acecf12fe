package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ReplaceLatest atomically points link at target. The new symlink is created
// beside link under a temporary name and renamed over it, so readers see
// either the previous artifact or the new one.
func ReplaceLatest(link, target string) error {
	tmp := filepath.Join(filepath.Dir(link),
		"."+filepath.Base(link)+".tmp"+strconv.FormatInt(time.Now().UnixNano(), 36))

	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create pointer %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace pointer %s: %w", link, err)
	}
	return nil
}

// WaitNonEmpty polls path until it exists with a non-zero size. It returns
// false after attempts polls spaced by interval.
func WaitNonEmpty(path string, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return true
		}
		time.Sleep(interval)
	}
	return false
}
