//go:build windows
// +build windows

package udp

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketOptions enables broadcast sends and address reuse on the gossip socket.
// This is the Windows-specific implementation
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
		if setSockOptErr != nil {
			return
		}
		setSockOptErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}
