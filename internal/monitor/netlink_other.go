//go:build !linux

package monitor

import (
	"context"
	"errors"
)

// NetlinkSource is only available on Linux
type NetlinkSource struct{}

// OpenNetlink always fails off Linux
func OpenNetlink() (*NetlinkSource, error) {
	return nil, errors.New("uevent monitoring requires linux")
}

func (s *NetlinkSource) Receive(ctx context.Context) ([]byte, error) {
	return nil, errors.New("uevent monitoring requires linux")
}

func (s *NetlinkSource) Close() error { return nil }
