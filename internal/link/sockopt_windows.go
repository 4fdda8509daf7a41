//go:build windows

package link

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseControl lets several harmonia processes share the fixed port.
// Windows has no SO_REUSEPORT; SO_REUSEADDR alone covers multicast reuse.
func reuseControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
