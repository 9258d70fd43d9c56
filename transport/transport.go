// Package transport hides serial, Bluetooth and TCP links behind one
// byte-stream capability set.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

// Transport owns one OS handle exclusively.
type Transport interface {
	// ReadAvailable returns whatever arrived within the read timeout. An
	// empty result with a nil error means nothing arrived.
	ReadAvailable(ctx context.Context) ([]byte, error)
	Write(p []byte) error
	// Close is idempotent and safe during error unwind.
	Close() error
	String() string
}

const (
	defaultReadTimeout = 50 * time.Millisecond
	defaultDialTimeout = 5 * time.Second
	defaultChunk       = 4096
)

// Open connects the link described by l. Failures are *bci.ConnectionError.
func Open(ctx context.Context, l config.Link, log logrus.FieldLogger) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch l.Kind {
	case "serial":
		t, err = openSerial(l)
	case "bluetooth":
		t, err = openBluetooth(ctx, l)
	case "tcp":
		t, err = openTCP(ctx, l)
	case "file":
		t, err = openFile(l)
	case "memory":
		t = NewMemory()
	default:
		err = &bci.ConnectionError{Kind: l.Kind, Err: errors.New("unknown link kind")}
	}
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"link": t.String()}).Info("transport opened")
	return t, nil
}

func readTimeout(l config.Link) time.Duration {
	if l.ReadTimeout > 0 {
		return l.ReadTimeout
	}
	return defaultReadTimeout
}

func chunkSize(l config.Link) int {
	if l.ChunkSize > 0 {
		return l.ChunkSize
	}
	return defaultChunk
}

// classify maps a raw I/O error onto the error taxonomy: handle-level
// failures become ErrDeviceDisconnected, the rest are TransportErrors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bci.ErrDeviceDisconnected) {
		return err
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO),
		errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.EHOSTDOWN):
		return fmt.Errorf("%s: %w: %w", op, bci.ErrDeviceDisconnected, err)
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &bci.TransportError{Op: op, Err: err, Transient: true}
	}
	return &bci.TransportError{Op: op, Err: err}
}

func clone(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
