package model

import (
	"sync/atomic"

	"github.com/maastricht-university/edmo-bci/bci"
)

type handle struct {
	m       *Model
	version uint64
}

// Engine serves predictions from a versioned model handle. Predict loads
// the handle once, so an epoch is served entirely by one model even if
// Install runs concurrently.
type Engine struct {
	cur  atomic.Pointer[handle]
	next atomic.Uint64
}

// Install makes m current and returns its handle version.
func (e *Engine) Install(m *Model) uint64 {
	v := e.next.Add(1)
	e.cur.Store(&handle{m: m, version: v})
	return v
}

// Current returns the serving model and its version, or nil.
func (e *Engine) Current() (*Model, uint64) {
	h := e.cur.Load()
	if h == nil {
		return nil, 0
	}
	return h.m, h.version
}

func (e *Engine) Predict(ep bci.Epoch) (bci.Prediction, error) {
	h := e.cur.Load()
	if h == nil {
		return bci.Prediction{}, bci.ErrNoModelLoaded
	}
	p, err := h.m.Predict(ep)
	if err != nil {
		return bci.Prediction{}, err
	}
	p.ModelVersion = h.version
	return p, nil
}
