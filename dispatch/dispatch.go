// Package dispatch turns stable intents into device command tokens and
// tracks their delivery.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/transport"
)

var (
	// ErrUnmapped means the label or phase has no configured token.
	ErrUnmapped = errors.New("dispatch: no command for label")
	// ErrBusy means the device is executing; the intent is kept as pending
	// and sent once the device is idle again. Only the latest is kept.
	ErrBusy = errors.New("dispatch: device busy, intent deferred")
	// ErrGated means a trial result was not acted on.
	ErrGated = errors.New("dispatch: trial result gated")
	// ErrAckTimeout is recorded for an attempt the device never acknowledged.
	ErrAckTimeout = errors.New("dispatch: no acknowledgement")
)

// AutoState is the automated-trigger state.
type AutoState int

const (
	AutoIdle AutoState = iota
	Sending
	AwaitingCompletion
	Resetting
)

func (s AutoState) String() string {
	switch s {
	case AutoIdle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingCompletion:
		return "awaiting_completion"
	case Resetting:
		return "resetting"
	}
	return fmt.Sprintf("AutoState(%d)", int(s))
}

func (s AutoState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *AutoState) UnmarshalText(b []byte) error {
	for _, v := range []AutoState{AutoIdle, Sending, AwaitingCompletion, Resetting} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("dispatch: unknown automation state %q", b)
}

type Stats struct {
	Sent     int `json:"sent"`
	Retries  int `json:"retries"`
	Failures int `json:"failures"`
	Deferred int `json:"deferred"`
}

const (
	ackPoll      = 5 * time.Millisecond
	maxFeedback  = 256
	maxLineBytes = 1024
)

type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithWait replaces the context-aware sleep used between retries.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.wait = wait }
}

// Dispatcher is owned by the tick context.
type Dispatcher struct {
	cfg      config.Dispatch
	link     transport.Transport
	readable bool
	log      logrus.FieldLogger
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error

	state    AutoState
	stateAt  time.Time
	pending  *bci.StableIntent
	line     []byte
	feedback []string
	acked    bool
	complete bool
	stats    Stats
}

// New returns a dispatcher writing to link. readable is false when the
// link is shared with acquisition; the dispatcher then never reads from
// it and delivery is best effort.
func New(c config.Dispatch, link transport.Transport, readable bool, log logrus.FieldLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:      c,
		link:     link,
		readable: readable,
		log:      log.WithField("component", "dispatch"),
		now:      time.Now,
		wait:     sleep,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch sends the command mapped to the intent label. In automation
// mode an intent arriving while the device executes is deferred.
func (d *Dispatcher) Dispatch(ctx context.Context, in bci.StableIntent) (bci.Command, error) {
	token, ok := d.cfg.Commands[in.Label]
	if !ok || token == "" {
		return bci.Command{}, fmt.Errorf("%w %q", ErrUnmapped, in.Label)
	}
	if d.cfg.Automation && d.state != AutoIdle {
		d.pending = &in
		d.stats.Deferred++
		d.log.WithFields(logrus.Fields{"label": in.Label, "state": d.state}).Debug("intent deferred")
		return bci.Command{}, ErrBusy
	}
	return d.issue(ctx, in.Label, token)
}

// DispatchTrial acts on a scored trial when trial results drive the
// device. Strict mode only acts on successful trials.
func (d *Dispatcher) DispatchTrial(ctx context.Context, r bci.TrialResult) (bci.Command, error) {
	if !d.cfg.TrialResults {
		return bci.Command{}, ErrGated
	}
	if d.cfg.Strict && !r.Success {
		d.log.WithFields(logrus.Fields{"trial": r.TrialID, "predicted": r.Predicted}).Info("unsuccessful trial not sent")
		return bci.Command{}, ErrGated
	}
	return d.Dispatch(ctx, bci.StableIntent{Label: r.Predicted, Since: d.now()})
}

// Trigger sends the token configured for a paradigm phase.
func (d *Dispatcher) Trigger(ctx context.Context, phase bci.Phase) (bci.Command, error) {
	token, ok := d.cfg.PhaseTriggers[string(phase)]
	if !ok || token == "" {
		return bci.Command{}, fmt.Errorf("%w %q", ErrUnmapped, phase)
	}
	return d.send(ctx, string(phase), token, false)
}

func (d *Dispatcher) issue(ctx context.Context, label, token string) (bci.Command, error) {
	if d.cfg.Automation {
		d.setState(Sending)
	}
	cmd, err := d.send(ctx, label, token, d.cfg.AckToken != "" && d.readable)
	if d.cfg.Automation {
		if err != nil {
			d.setState(AutoIdle)
		} else {
			d.complete = false
			d.setState(AwaitingCompletion)
		}
	}
	return cmd, err
}

// send writes token with retries. Device disconnects are not retried.
func (d *Dispatcher) send(ctx context.Context, label, token string, needAck bool) (bci.Command, error) {
	cmd := bci.Command{Label: label, Token: token, IssueAt: d.now()}
	attempts := 1 + max(d.cfg.Retries, 0)
	var err error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			cmd.Retries++
			d.stats.Retries++
			delay := backoff(n-1, d.cfg.RetryDelay, d.cfg.RetryMaxDelay)
			d.log.WithFields(logrus.Fields{
				"token":   fmt.Sprintf("%q", token),
				"attempt": n,
				"delay":   delay,
			}).Warn("retrying command")
			if werr := d.wait(ctx, delay); werr != nil {
				err = werr
				break
			}
		}
		d.acked = false
		if err = d.link.Write([]byte(token)); err != nil {
			if errors.Is(err, bci.ErrDeviceDisconnected) {
				break
			}
			continue
		}
		if !needAck {
			break
		}
		if err = d.awaitAck(ctx); err == nil {
			cmd.Acked = true
			break
		}
		if errors.Is(err, bci.ErrDeviceDisconnected) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		d.stats.Failures++
		return cmd, &bci.CommandDeliveryFailed{Token: token, Attempts: cmd.Retries + 1, Err: err}
	}
	d.stats.Sent++
	d.log.WithFields(logrus.Fields{
		"label": label,
		"token": fmt.Sprintf("%q", token),
		"acked": cmd.Acked,
	}).Debug("command sent")
	return cmd, nil
}

// awaitAck reads device feedback until the ack token arrives or the ack
// window closes.
func (d *Dispatcher) awaitAck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AckTimeout)
	defer cancel()
	for !d.acked {
		p, err := d.link.ReadAvailable(ctx)
		if err != nil {
			if errors.Is(err, bci.ErrDeviceDisconnected) {
				return err
			}
			if ctx.Err() == nil && bci.IsTransient(err) {
				continue
			}
			return ErrAckTimeout
		}
		if len(p) > 0 {
			d.absorb(p)
			continue
		}
		if err := sleep(ctx, ackPoll); err != nil {
			return ErrAckTimeout
		}
	}
	return nil
}

// Poll advances automation and collects device feedback. It returns the
// commands it sent.
func (d *Dispatcher) Poll(ctx context.Context, now time.Time) ([]bci.Command, error) {
	if d.readable {
		p, err := d.link.ReadAvailable(ctx)
		if err != nil && !bci.IsTransient(err) {
			return nil, err
		}
		d.absorb(p)
	}
	if !d.cfg.Automation {
		return nil, nil
	}
	var sent []bci.Command
	switch d.state {
	case AwaitingCompletion:
		if !d.finished(now) {
			return nil, nil
		}
		if d.cfg.ResetToken == "" {
			d.setState(AutoIdle)
			break
		}
		cmd, err := d.send(ctx, "reset", d.cfg.ResetToken, false)
		if err != nil {
			d.setState(AutoIdle)
			return nil, err
		}
		sent = append(sent, cmd)
		d.complete = false
		d.setState(Resetting)
		return sent, nil
	case Resetting:
		if !d.finished(now) {
			return nil, nil
		}
		d.setState(AutoIdle)
	}
	if d.state == AutoIdle && d.pending != nil {
		in := *d.pending
		d.pending = nil
		cmd, err := d.Dispatch(ctx, in)
		if err != nil {
			return sent, err
		}
		sent = append(sent, cmd)
	}
	return sent, nil
}

// finished reports whether the current step completed: the completion
// token arrived, or without one the dwell time elapsed.
func (d *Dispatcher) finished(now time.Time) bool {
	if d.cfg.CompletionToken != "" && d.readable {
		return d.complete
	}
	return now.Sub(d.stateAt) >= d.cfg.Dwell
}

// SafeStop makes one attempt to send the stop token and forgets any
// automation progress. It runs during teardown, so it ignores
// cancellation and never waits for an ack.
func (d *Dispatcher) SafeStop() error {
	d.pending = nil
	d.setState(AutoIdle)
	if d.cfg.StopToken == "" {
		return nil
	}
	if err := d.link.Write([]byte(d.cfg.StopToken)); err != nil {
		d.stats.Failures++
		return &bci.CommandDeliveryFailed{Token: d.cfg.StopToken, Attempts: 1, Err: err}
	}
	d.stats.Sent++
	d.log.WithField("token", fmt.Sprintf("%q", d.cfg.StopToken)).Info("safe stop sent")
	return nil
}

// Feedback returns device lines received since the last call.
func (d *Dispatcher) Feedback() []string {
	out := d.feedback
	d.feedback = nil
	return out
}

func (d *Dispatcher) State() AutoState { return d.state }

// Pending returns the deferred intent, if any.
func (d *Dispatcher) Pending() (bci.StableIntent, bool) {
	if d.pending == nil {
		return bci.StableIntent{}, false
	}
	return *d.pending, true
}

func (d *Dispatcher) Stats() Stats { return d.stats }

func (d *Dispatcher) setState(s AutoState) {
	if s == d.state {
		return
	}
	d.log.WithFields(logrus.Fields{"from": d.state, "to": s}).Debug("automation state")
	d.state = s
	d.stateAt = d.now()
}

// absorb splits device output into lines and watches for ack and
// completion tokens.
func (d *Dispatcher) absorb(p []byte) {
	d.line = append(d.line, p...)
	ack := strings.TrimSpace(d.cfg.AckToken)
	done := strings.TrimSpace(d.cfg.CompletionToken)
	for {
		i := bytes.IndexByte(d.line, '\n')
		if i < 0 {
			break
		}
		l := strings.TrimSpace(string(d.line[:i]))
		d.line = d.line[i+1:]
		if l == "" {
			continue
		}
		switch {
		case ack != "" && l == ack:
			d.acked = true
		case done != "" && l == done:
			d.complete = true
		}
		d.feedback = append(d.feedback, l)
		if len(d.feedback) > maxFeedback {
			d.feedback = d.feedback[1:]
		}
	}
	if len(d.line) > maxLineBytes {
		d.line = d.line[:0]
	}
}

// backoff is delay * 2^(attempt-1), capped at maxDelay. Doubling stops
// before the duration would overflow.
func backoff(attempt int, delay, maxDelay time.Duration) time.Duration {
	d := delay
	for i := 1; i < attempt && d > 0 && d <= math.MaxInt64/2; i++ {
		if maxDelay > 0 && d >= maxDelay {
			break
		}
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
