//go:build unix

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl lets several server processes bind the same address; the
// kernel spreads incoming connections between them.
func reusePortControl(network, address string, conn syscall.RawConn) error {
	var opErr error
	err := conn.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
