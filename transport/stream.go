package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

// deadlineConn is satisfied by net.Conn and by pollable *os.File.
type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// streamLink reads a deadline-capable stream with a bounded wait.
type streamLink struct {
	conn    deadlineConn
	name    string
	timeout time.Duration
	buf     []byte
	// pending holds bytes consumed by the connect handshake.
	pending []byte

	once     sync.Once
	closeErr error
}

func newStreamLink(c deadlineConn, name string, l config.Link) *streamLink {
	return &streamLink{conn: c, name: name, timeout: readTimeout(l), buf: make([]byte, chunkSize(l))}
}

func (s *streamLink) ReadAvailable(ctx context.Context) ([]byte, error) {
	if p := s.pending; p != nil {
		s.pending = nil
		return p, nil
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, classify("read", err)
	}
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		// data wins over a deadline that fired mid-read
		return clone(s.buf[:n]), nil
	}
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, classify("read", err)
	}
	return nil, nil
}

func (s *streamLink) Write(p []byte) error {
	n, err := s.conn.Write(p)
	if err != nil {
		return classify("write", err)
	}
	if n < len(p) {
		return &bci.TransportError{Op: "write", Err: io.ErrShortWrite, Transient: true}
	}
	return nil
}

func (s *streamLink) Close() error {
	s.once.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

func (s *streamLink) String() string { return s.name }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func openTCP(ctx context.Context, l config.Link) (Transport, error) {
	addr := net.JoinHostPort(l.Host, strconv.Itoa(l.TCPPort))
	timeout := l.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &bci.ConnectionError{Kind: "tcp", Address: addr, Err: err}
	}
	s := newStreamLink(c, "tcp:"+addr, l)
	if l.HandshakeTimeout > 0 {
		// Some amplifiers only count as connected once they stream.
		if err := s.awaitFirstData(l.HandshakeTimeout); err != nil {
			s.Close()
			return nil, &bci.ConnectionError{Kind: "tcp", Address: addr, Err: err}
		}
	}
	return s, nil
}

func (s *streamLink) awaitFirstData(timeout time.Duration) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		s.pending = clone(s.buf[:n])
		return nil
	}
	if err != nil && isTimeout(err) {
		return errors.New("no data within handshake window")
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}
