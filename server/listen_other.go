//go:build !unix

package server

import (
	"errors"
	"syscall"
)

func reusePortControl(network, address string, conn syscall.RawConn) error {
	return errors.New("server: reuse_port is not supported on this platform")
}
