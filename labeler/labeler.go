// Package labeler stamps epochs with the stimulus paradigm's phase during
// recording sessions and scores trials from imagine-phase predictions.
package labeler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
)

// Boundary selects which end of an epoch decides its label.
type Boundary string

const (
	BoundaryEnd   Boundary = "end"
	BoundaryStart Boundary = "start"
)

// RestClass labels fixation, cue and rest epochs.
const RestClass = "rest"

var ErrUnanchored = errors.New("labeler: stream clock not anchored yet")

// PhaseEvent is one boundary from the stimulus collaborator. Wall is
// when the phase began on the presentation clock.
type PhaseEvent struct {
	TrialID int       `json:"trial_id"`
	Phase   bci.Phase `json:"phase"`
	Class   string    `json:"class,omitempty"`
	Wall    time.Time `json:"timestamp"`
}

type mark struct {
	ev PhaseEvent
	at time.Duration // stream time
}

type trial struct {
	class     string
	voting    bool
	closeAt   time.Duration
	closed    bool
	votes     map[string]int
	finalized bool
	last      time.Duration // latest mark
}

// keepMarks is how far back phase history is retained.
const keepMarks = time.Minute

// Labeler is owned by the tick context.
type Labeler struct {
	recording bool
	boundary  Boundary
	classes   []string

	anchored bool
	anchor   time.Time // wall time of stream time zero
	marks    []mark
	trials   map[int]*trial
	order    []int
	lastPred string
}

func New(recording bool, boundary Boundary, classes []string) (*Labeler, error) {
	if boundary != BoundaryEnd && boundary != BoundaryStart {
		return nil, fmt.Errorf("labeler: boundary policy %q unknown", boundary)
	}
	if len(classes) == 0 {
		return nil, errors.New("labeler: no classes")
	}
	return &Labeler{
		recording: recording,
		boundary:  boundary,
		classes:   classes,
		trials:    make(map[int]*trial),
	}, nil
}

// Anchor ties stream time to wall time: stream timestamp at was observed
// at wall. Only the first call counts.
func (l *Labeler) Anchor(wall time.Time, at time.Duration) {
	if l.anchored {
		return
	}
	l.anchored = true
	l.anchor = wall.Add(-at)
}

// Submit records a phase boundary. Events must arrive in time order.
func (l *Labeler) Submit(ev PhaseEvent) error {
	if !ev.Phase.Valid() {
		return fmt.Errorf("labeler: unknown phase %q", ev.Phase)
	}
	if !l.anchored {
		return ErrUnanchored
	}
	at := ev.Wall.Sub(l.anchor)
	if n := len(l.marks); n > 0 && at < l.marks[n-1].at {
		return fmt.Errorf("labeler: event at %v precedes %v", at, l.marks[n-1].at)
	}
	l.marks = append(l.marks, mark{ev: ev, at: at})

	tr := l.trials[ev.TrialID]
	if tr == nil {
		tr = &trial{votes: make(map[string]int)}
		l.trials[ev.TrialID] = tr
		l.order = append(l.order, ev.TrialID)
	}
	tr.last = at
	if ev.Class != "" {
		tr.class = ev.Class
	}
	// a new trial closes any trial still voting
	for _, id := range l.order {
		if o := l.trials[id]; id != ev.TrialID && o.voting {
			o.voting, o.closed, o.closeAt = false, true, at
		}
	}
	switch ev.Phase {
	case bci.PhaseImagine:
		tr.voting = true
	default:
		if tr.voting {
			tr.voting, tr.closed, tr.closeAt = false, true, at
		}
	}
	return nil
}

// Label stamps e with the phase active at its boundary. Online sessions
// and epochs outside any trial stay unlabeled.
func (l *Labeler) Label(e *bci.Epoch) {
	if !l.recording {
		return
	}
	t := e.End
	if l.boundary == BoundaryStart {
		t = e.Start
	}
	m, ok := l.activeAt(t)
	if !ok || m.ev.Phase == bci.PhaseEnd {
		e.Label = nil
		return
	}
	class := RestClass
	if m.ev.Phase == bci.PhaseImagine {
		class = l.trialClass(m.ev)
	}
	e.Label = &bci.Label{TrialID: m.ev.TrialID, Phase: m.ev.Phase, Class: class}
}

func (l *Labeler) activeAt(t time.Duration) (mark, bool) {
	// first mark strictly after t
	i := sort.Search(len(l.marks), func(i int) bool { return l.marks[i].at > t })
	if i == 0 {
		return mark{}, false
	}
	return l.marks[i-1], true
}

func (l *Labeler) trialClass(ev PhaseEvent) string {
	if ev.Class != "" {
		return ev.Class
	}
	if tr := l.trials[ev.TrialID]; tr != nil && tr.class != "" {
		return tr.class
	}
	return ""
}

// Vote counts p toward the trial whose imagine phase contains its epoch
// end and returns any trials whose imagine phase is now behind the stream.
func (l *Labeler) Vote(p bci.Prediction) []bci.TrialResult {
	if m, ok := l.activeAt(p.EpochEnd); ok && m.ev.Phase == bci.PhaseImagine {
		if tr := l.trials[m.ev.TrialID]; tr != nil && !tr.finalized {
			tr.votes[p.Label]++
		}
	}
	l.lastPred = p.Label
	var done []bci.TrialResult
	for _, id := range l.order {
		tr := l.trials[id]
		if tr.closed && !tr.finalized && p.EpochEnd >= tr.closeAt {
			done = append(done, l.finalize(id, tr))
		}
	}
	l.prune(p.EpochEnd)
	return done
}

// Flush finalizes every closed trial regardless of stream position.
func (l *Labeler) Flush() []bci.TrialResult {
	var done []bci.TrialResult
	for _, id := range l.order {
		if tr := l.trials[id]; tr.closed && !tr.finalized {
			done = append(done, l.finalize(id, tr))
		}
	}
	return done
}

// finalize takes the majority; ties go to the first configured class,
// and a trial without votes falls back to the latest prediction.
func (l *Labeler) finalize(id int, tr *trial) bci.TrialResult {
	tr.finalized = true
	pred, best := "", 0
	for _, c := range l.classes {
		if n := tr.votes[c]; n > best {
			pred, best = c, n
		}
	}
	if pred == "" {
		pred = l.lastPred
	}
	votes := make(map[string]int, len(tr.votes))
	for k, v := range tr.votes {
		votes[k] = v
	}
	return bci.TrialResult{
		TrialID:   id,
		Intended:  tr.class,
		Predicted: pred,
		Votes:     votes,
		Success:   pred != "" && pred == tr.class,
	}
}

// prune drops marks and finalized trials no epoch can reach anymore,
// along with trials that never reached imagine and went quiet.
func (l *Labeler) prune(now time.Duration) {
	cut := now - keepMarks
	// keep the mark active at the cutoff
	i := sort.Search(len(l.marks), func(i int) bool { return l.marks[i].at > cut })
	if i > 1 {
		l.marks = append(l.marks[:0], l.marks[i-1:]...)
	}
	kept := l.order[:0]
	for _, id := range l.order {
		tr := l.trials[id]
		if tr.finalized || (!tr.voting && !tr.closed && tr.last < cut) {
			delete(l.trials, id)
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}
