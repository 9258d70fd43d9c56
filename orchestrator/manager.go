package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrDeviceBusy   = errors.New("orchestrator: device already has an active session")
	ErrNoSession    = errors.New("orchestrator: no such session")
	ErrAmbiguous    = errors.New("orchestrator: several sessions active, name one")
	ErrDuplicateRun = errors.New("orchestrator: session already registered")
)

// Manager tracks live sessions. A device serves at most one session at
// a time.
type Manager struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	byID     map[string]*Pipeline
	byDevice map[string]string
}

func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		log:      log.WithField("component", "manager"),
		byID:     make(map[string]*Pipeline),
		byDevice: make(map[string]string),
	}
}

// Add registers p, claiming its device.
func (m *Manager) Add(p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.ID()]; ok {
		return ErrDuplicateRun
	}
	key := p.DeviceKey()
	if owner, ok := m.byDevice[key]; ok {
		m.log.WithFields(logrus.Fields{"device": key, "owner": owner}).Warn("device busy")
		return ErrDeviceBusy
	}
	m.byID[p.ID()] = p
	m.byDevice[key] = p.ID()
	return nil
}

// Remove releases the session and its device.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if m.byDevice[p.DeviceKey()] == id {
		delete(m.byDevice, p.DeviceKey())
	}
}

// Launch registers p and runs it in its own goroutine. The returned
// channel yields Run's result once the session has ended and released
// its device.
func (m *Manager) Launch(ctx context.Context, p *Pipeline) (<-chan error, error) {
	if err := m.Add(p); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		err := p.Run(ctx)
		m.Remove(p.ID())
		entry := m.log.WithField("session", p.ID())
		if err != nil {
			entry.WithError(err).Error("session ended")
		} else {
			entry.Info("session ended")
		}
		done <- err
		close(done)
	}()
	return done, nil
}

func (m *Manager) Get(id string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	return p, ok
}

// Lookup resolves id, or the single live session when id is empty.
func (m *Manager) Lookup(id string) (*Pipeline, error) {
	if id != "" {
		if p, ok := m.Get(id); ok {
			return p, nil
		}
		return nil, ErrNoSession
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch len(m.byID) {
	case 0:
		return nil, ErrNoSession
	case 1:
		for _, p := range m.byID {
			return p, nil
		}
	}
	return nil, ErrAmbiguous
}

// Statuses returns every live session ordered by id.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byID {
		p.Stop()
	}
}
