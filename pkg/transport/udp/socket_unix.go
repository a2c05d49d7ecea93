//go:build !windows

package udp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions enables broadcast sends and address reuse on the gossip socket.
// This is the Unix/Linux/macOS implementation
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var setSockOptErr error
	err := c.Control(func(fd uintptr) {
		setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		if setSockOptErr != nil {
			return
		}
		setSockOptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return setSockOptErr
}
