// Package decision debounces per-epoch predictions into stable intents.
package decision

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

type State int

const (
	Idle State = iota
	Candidate
	Stable
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Candidate:
		return "candidate"
	case Stable:
		return "stable"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{Idle, Candidate, Stable} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("decision: unknown state %q", b)
}

// Change is emitted once per stable intent transition.
type Change struct {
	Intent bci.StableIntent
	// Prev is the stable label that was replaced, IdleLabel if none.
	Prev string
}

// Snapshot is the observable policy state.
type Snapshot struct {
	State  State         `json:"state"`
	Label  string        `json:"label"` // candidate label
	Count  int           `json:"count"`
	Intent string        `json:"intent"` // stable label or IdleLabel
	Silent time.Duration `json:"silent"`
}

type Option func(*Policy)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// Policy is owned by the tick context and is not safe for concurrent use.
type Policy struct {
	debounce int
	minConf  float64
	timeout  time.Duration
	idle     []string
	now      func() time.Time

	candidate string
	count     int
	stable    string
	lastSeen  time.Time
	lost      bool
}

func New(c config.Decision, opts ...Option) (*Policy, error) {
	if c.Debounce < 1 {
		return nil, errors.New("decision: debounce must be at least 1")
	}
	if c.SignalLossTimeout <= 0 {
		return nil, errors.New("decision: signal loss timeout must be positive")
	}
	p := &Policy{
		debounce: c.Debounce,
		minConf:  c.MinConfidence,
		timeout:  c.SignalLossTimeout,
		idle:     slices.Clone(c.IdleLabels),
		now:      time.Now,
		stable:   bci.IdleLabel,
	}
	for _, o := range opts {
		o(p)
	}
	p.lastSeen = p.now()
	return p, nil
}

// Observe feeds one prediction. It reports a change only when a label
// reaches the debounce threshold and differs from the standing intent.
func (p *Policy) Observe(pred bci.Prediction) (Change, bool) {
	p.lastSeen = p.now()
	p.lost = false

	// low-confidence and idle labels vote for nothing
	if pred.Confidence < p.minConf || pred.Label == bci.IdleLabel || slices.Contains(p.idle, pred.Label) {
		p.candidate, p.count = "", 0
		return Change{}, false
	}
	if pred.Label == p.stable {
		p.candidate, p.count = "", 0
		return Change{}, false
	}
	if pred.Label == p.candidate {
		p.count++
	} else {
		p.candidate, p.count = pred.Label, 1
	}
	if p.count < p.debounce {
		return Change{}, false
	}
	ch := Change{
		Intent: bci.StableIntent{Label: p.candidate, Since: p.lastSeen},
		Prev:   p.stable,
	}
	p.stable = p.candidate
	p.candidate, p.count = "", 0
	return ch, true
}

// Check detects signal loss: no prediction within the timeout drops the
// policy to Idle. A standing intent is cancelled with one Lost change.
func (p *Policy) Check(now time.Time) (Change, bool) {
	if p.lost || now.Sub(p.lastSeen) < p.timeout {
		return Change{}, false
	}
	p.lost = true
	p.candidate, p.count = "", 0
	if p.stable == bci.IdleLabel {
		return Change{}, false
	}
	ch := Change{
		Intent: bci.StableIntent{Label: bci.IdleLabel, Since: now, Lost: true},
		Prev:   p.stable,
	}
	p.stable = bci.IdleLabel
	return ch, true
}

// Silence is how long no prediction has arrived.
func (p *Policy) Silence(now time.Time) time.Duration { return now.Sub(p.lastSeen) }

// Lost reports whether the policy is in signal loss.
func (p *Policy) Lost() bool { return p.lost }

// Reset forgets all state, e.g. after a model swap.
func (p *Policy) Reset() {
	p.candidate, p.count = "", 0
	p.stable = bci.IdleLabel
	p.lastSeen = p.now()
	p.lost = false
}

func (p *Policy) State() Snapshot {
	s := Snapshot{Label: p.candidate, Count: p.count, Intent: p.stable, Silent: p.now().Sub(p.lastSeen)}
	switch {
	case p.stable != bci.IdleLabel:
		s.State = Stable
	case p.count > 0:
		s.State = Candidate
	}
	return s
}
