//go:build windows

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Region is a named file-mapping backed by the page file.
type Region struct {
	handle windows.Handle
	view   uintptr
	data   []byte
}

// Create makes (or opens) the named mapping and maps a writable view.
func Create() (*Region, error) {
	name, err := windows.UTF16PtrFromString("Local\\" + RegionName)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, Size, name)
	if err != nil {
		return nil, fmt.Errorf("shm: CreateFileMapping: %w", err)
	}
	view, err := windows.MapViewOfFile(h, windows.FILE_MAP_WRITE, 0, 0, Size)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("shm: MapViewOfFile: %w", err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(view)), Size)
	log.Infow("shared-memory mapping ready", "name", RegionName)
	return &Region{handle: h, view: view, data: data}, nil
}

// Close unmaps the view and releases the handle; the mapping disappears with
// its last handle.
func (r *Region) Close() error {
	err := windows.UnmapViewOfFile(r.view)
	r.data = nil
	if cerr := windows.CloseHandle(r.handle); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
