package fsatomic

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// WriteFile replaces path with data so readers see either the old or the
// new content. The data goes to a sibling temp file that is synced and
// renamed over path; the directory is synced on both sides of the rename.
// A zero perm means 0644. Missing parent directories are created.
func WriteFile(path string, data []byte, perm fs.FileMode) (err error) {
	if perm == 0 {
		perm = 0o644
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if err := writeSynced(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, data, perm); err != nil {
		return err
	}
	// umask may have narrowed the mode on create
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return fsyncDir(dir)
}

func writeSynced(path string, flag int, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// AppendFile appends data to path, creating it when missing, and fsyncs.
func AppendFile(path string, data []byte, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeSynced(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, data, perm)
}

// TryLock takes a non-blocking exclusive advisory lock on path. The returned
// func releases it. ErrLocked means another process holds it.
func TryLock(path string) (func(), error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return flockExclusive(path)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
