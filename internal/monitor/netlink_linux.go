//go:build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	ueventGroupKernel = 1
	receiveBufferSize = 4 * 1024 * 1024
	receiveTimeout    = 500 * time.Millisecond
)

// NetlinkSource reads kernel uevents from a NETLINK_KOBJECT_UEVENT socket
type NetlinkSource struct {
	fd  int
	buf []byte
}

// OpenNetlink binds to the kernel uevent multicast group
func OpenNetlink() (*NetlinkSource, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: ueventGroupKernel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind uevent socket: %w", err)
	}

	// needs CAP_NET_ADMIN; fall back to the unprivileged option
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, receiveBufferSize); err != nil {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferSize)
	}

	tv := unix.NsecToTimeval(receiveTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set uevent receive timeout: %w", err)
	}

	return &NetlinkSource{fd: fd, buf: make([]byte, 64*1024)}, nil
}

// Receive blocks until a message arrives or ctx is done. A kernel buffer
// overrun is reported as ErrDegradedMonitoring.
func (s *NetlinkSource) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, _, err := unix.Recvfrom(s.fd, s.buf, 0)
		switch {
		case err == nil:
			msg := make([]byte, n)
			copy(msg, s.buf[:n])
			return msg, nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ENOBUFS):
			return nil, fmt.Errorf("%w: uevent receive buffer overrun", ErrDegradedMonitoring)
		default:
			return nil, fmt.Errorf("uevent receive failed: %w", err)
		}
	}
}

// Close closes the socket
func (s *NetlinkSource) Close() error {
	return unix.Close(s.fd)
}
