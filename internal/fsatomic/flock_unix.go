//go:build !windows

package fsatomic

import (
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// flockExclusive takes LOCK_EX without blocking. The lock lives as long as
// the returned release func has not been called.
func flockExclusive(lockPath string) (func(), error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	switch err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); {
	case errors.Is(err, unix.EWOULDBLOCK):
		f.Close()
		return nil, ErrLocked
	case err != nil:
		f.Close()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(fd, unix.LOCK_UN)
			f.Close()
		})
	}, nil
}
