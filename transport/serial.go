package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

type serialLink struct {
	port serial.Port
	name string
	buf  []byte

	once     sync.Once
	closeErr error
}

func openSerial(l config.Link) (Transport, error) {
	p, err := serial.Open(l.Port, &serial.Mode{BaudRate: l.Baud})
	if err != nil {
		return nil, &bci.ConnectionError{Kind: "serial", Address: l.Port, Err: err}
	}
	if err := p.SetReadTimeout(readTimeout(l)); err != nil {
		p.Close()
		return nil, &bci.ConnectionError{Kind: "serial", Address: l.Port, Err: err}
	}
	return &serialLink{
		port: p,
		name: fmt.Sprintf("serial:%s@%d", l.Port, l.Baud),
		buf:  make([]byte, chunkSize(l)),
	}, nil
}

func (s *serialLink) ReadAvailable(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.port.Read(s.buf)
	if err != nil {
		return nil, classifySerial("read", err)
	}
	return clone(s.buf[:n]), nil
}

func (s *serialLink) Write(p []byte) error {
	n, err := s.port.Write(p)
	if err != nil {
		return classifySerial("write", err)
	}
	if n < len(p) {
		return &bci.TransportError{Op: "write", Err: io.ErrShortWrite, Transient: true}
	}
	return nil
}

func (s *serialLink) Close() error {
	s.once.Do(func() { s.closeErr = s.port.Close() })
	return s.closeErr
}

func (s *serialLink) String() string { return s.name }

func classifySerial(op string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortClosed, serial.PortNotFound:
			return fmt.Errorf("%s: %w: %w", op, bci.ErrDeviceDisconnected, err)
		}
	}
	return classify(op, err)
}
