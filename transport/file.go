package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

// fileLink replays a captured byte stream. With pacing it releases at
// most one chunk per read timeout and reports nothing in between.
// End of file reports bci.ErrEndOfStream. Writes are accepted and dropped.
type fileLink struct {
	f       *os.File
	name    string
	buf     []byte
	pace    bool
	period  time.Duration
	next    time.Time
	written int

	once     sync.Once
	closeErr error
}

func openFile(l config.Link) (Transport, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, &bci.ConnectionError{Kind: "file", Address: l.Path, Err: err}
	}
	return &fileLink{
		f:      f,
		name:   "file:" + l.Path,
		buf:    make([]byte, chunkSize(l)),
		pace:   l.Pace,
		period: readTimeout(l),
	}, nil
}

func (r *fileLink) ReadAvailable(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pace {
		// nothing "arrived" yet
		if time.Now().Before(r.next) {
			return nil, nil
		}
		r.next = time.Now().Add(r.period)
	}
	n, err := r.f.Read(r.buf)
	if n > 0 {
		return clone(r.buf[:n]), nil
	}
	if err == io.EOF {
		return nil, fmt.Errorf("replay %s: %w", r.f.Name(), bci.ErrEndOfStream)
	}
	return nil, classify("read", err)
}

func (r *fileLink) Write(p []byte) error {
	r.written += len(p)
	return nil
}

func (r *fileLink) Close() error {
	r.once.Do(func() { r.closeErr = r.f.Close() })
	return r.closeErr
}

func (r *fileLink) String() string { return r.name }
