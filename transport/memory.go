package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/maastricht-university/edmo-bci/bci"
)

// Memory is a scripted in-process link. Reads return queued chunks in
// order and never block.
type Memory struct {
	mu        sync.Mutex
	chunks    [][]byte
	readErr   error
	writeErrs []error
	onWrite   func(p []byte)
	log       []string
	writes    [][]byte
	closed    bool
}

// NewMemory returns a link that will deliver chunks in order.
func NewMemory(chunks ...[]byte) *Memory {
	m := &Memory{}
	for _, c := range chunks {
		m.chunks = append(m.chunks, clone(c))
	}
	return m
}

// Push queues more inbound bytes.
func (m *Memory) Push(p []byte) {
	m.mu.Lock()
	m.chunks = append(m.chunks, clone(p))
	m.mu.Unlock()
}

// FailReads makes every read after the queued chunks fail with err.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// FailWrites makes the next len(errs) writes fail in order. Nil entries
// succeed.
func (m *Memory) FailWrites(errs ...error) {
	m.mu.Lock()
	m.writeErrs = append(m.writeErrs, errs...)
	m.mu.Unlock()
}

// OnWrite installs a hook run after each successful write, e.g. to queue
// a device reply.
func (m *Memory) OnWrite(fn func(p []byte)) {
	m.mu.Lock()
	m.onWrite = fn
	m.mu.Unlock()
}

func (m *Memory) ReadAvailable(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("read: %w", bci.ErrDeviceDisconnected)
	}
	if len(m.chunks) > 0 {
		p := m.chunks[0]
		m.chunks = m.chunks[1:]
		return p, nil
	}
	if m.readErr != nil {
		return nil, classify("read", m.readErr)
	}
	return nil, nil
}

func (m *Memory) Write(p []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("write: %w", bci.ErrDeviceDisconnected)
	}
	m.log = append(m.log, fmt.Sprintf("write %q", p))
	if len(m.writeErrs) > 0 {
		err := m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
		if err != nil {
			m.mu.Unlock()
			return classify("write", err)
		}
	}
	m.writes = append(m.writes, clone(p))
	hook := m.onWrite
	m.mu.Unlock()
	if hook != nil {
		hook(clone(p))
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.log = append(m.log, "close")
	}
	return nil
}

func (m *Memory) String() string { return "memory" }

// Writes returns successfully written payloads.
func (m *Memory) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	for i, w := range m.writes {
		out[i] = string(w)
	}
	return out
}

// Log returns every write attempt and the close, in order.
func (m *Memory) Log() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
