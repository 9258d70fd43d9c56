//go:build linux

package transport

import (
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

const defaultRFCOMMChannel = 1

// openBluetooth connects an RFCOMM stream socket. The connect itself
// blocks; reads afterwards go through the runtime poller.
func openBluetooth(ctx context.Context, l config.Link) (Transport, error) {
	fail := func(err error) (Transport, error) {
		return nil, &bci.ConnectionError{Kind: "bluetooth", Address: l.Address, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	addr, err := parseBDAddr(l.Address)
	if err != nil {
		return fail(err)
	}
	ch := l.Channel
	if ch <= 0 {
		ch = defaultRFCOMMChannel
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fail(fmt.Errorf("socket: %w", err))
	}
	if err := unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: uint8(ch)}); err != nil {
		unix.Close(fd)
		return fail(fmt.Errorf("connect channel %d: %w", ch, err))
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fail(err)
	}
	f := os.NewFile(uintptr(fd), "rfcomm:"+l.Address)
	return newStreamLink(f, fmt.Sprintf("bluetooth:%s/%d", l.Address, ch), l), nil
}

// parseBDAddr converts a MAC string to the little-endian bdaddr layout.
func parseBDAddr(s string) ([6]uint8, error) {
	var out [6]uint8
	hw, err := net.ParseMAC(s)
	if err != nil {
		return out, err
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("bluetooth address %q is not 6 bytes", s)
	}
	for i := range 6 {
		out[i] = hw[5-i]
	}
	return out, nil
}
