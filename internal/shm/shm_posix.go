//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sys/unix"
)

// Region is a mapped shared-memory file. The creator unlinks it on Close.
type Region struct {
	path string
	data []byte
}

// regionPath places the region where external readers expect it: the POSIX
// shared-memory filesystem on Linux, the temp dir elsewhere.
func regionPath() string {
	if runtime.GOOS == "linux" {
		return filepath.Join("/dev/shm", RegionName)
	}
	return filepath.Join(os.TempDir(), RegionName)
}

// Create makes (or reuses) the named region and maps it writable.
func Create() (*Region, error) {
	path := regionPath()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(Size); err != nil {
		return nil, fmt.Errorf("shm: size %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	log.Infow("shared-memory region ready", "path", path)
	return &Region{path: path, data: data}, nil
}

// Close unmaps and unlinks the region.
func (r *Region) Close() error {
	err := unix.Munmap(r.data)
	r.data = nil
	if rmErr := os.Remove(r.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
