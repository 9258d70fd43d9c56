//go:build !linux

package transport

import (
	"context"
	"errors"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

func openBluetooth(_ context.Context, l config.Link) (Transport, error) {
	return nil, &bci.ConnectionError{
		Kind:    "bluetooth",
		Address: l.Address,
		Err:     errors.New("RFCOMM sockets are only supported on linux; pair the device as a serial port instead"),
	}
}
