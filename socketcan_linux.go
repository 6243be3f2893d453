//go:build linux

package canbridge

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// rawSocket is a SocketCAN raw socket. Reads and writes use the kernel
// struct can_frame layout.
type rawSocket struct {
	fd int
}

// OpenSocketCAN creates a raw CAN socket and binds it to the named
// interface. It is the default SocketOpener for NewTransport.
func OpenSocketCAN(iface string) (Socket, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("interface lookup: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	return &rawSocket{fd: fd}, nil
}

func (s *rawSocket) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (s *rawSocket) ReadFrame() (Frame, error) {
	buf := make([]byte, frameWireSize)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return Frame{}, err
	}
	if n != frameWireSize {
		return Frame{}, fmt.Errorf("canbridge: short read: %d bytes", n)
	}
	var f Frame
	if err := f.UnmarshalBinary(buf); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (s *rawSocket) WriteFrame(f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("canbridge: short write: %d bytes", n)
	}
	return nil
}

func (s *rawSocket) Close() error {
	return unix.Close(s.fd)
}
