//go:build !linux && !darwin && !freebsd

package server

import "net"

func reusePortAvailable() bool { return false }

func reusePortListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
