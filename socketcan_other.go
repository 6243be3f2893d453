//go:build !linux

package canbridge

import "errors"

// OpenSocketCAN is only available on Linux, where the kernel provides the
// SocketCAN stack.
func OpenSocketCAN(iface string) (Socket, error) {
	return nil, errors.New("canbridge: SocketCAN requires linux")
}
