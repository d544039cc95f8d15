//go:build linux || darwin || freebsd

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func reusePortAvailable() bool { return true }

// reusePortListenConfig builds a ListenConfig whose sockets carry
// SO_REUSEPORT, letting every worker bind the same address and the
// kernel balance incoming connections across them.
func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
