package orchestrator

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/dispatch"
	"github.com/maastricht-university/edmo-bci/events"
	"github.com/maastricht-university/edmo-bci/transport"
)

// afterCommand accounts for one dispatcher outcome. Consecutive delivery
// failures and a lost device fault the session.
func (p *Pipeline) afterCommand(cmd bci.Command, err error) error {
	var failed *bci.CommandDeliveryFailed
	switch {
	case err == nil:
		if cmd.Token == "" {
			return nil
		}
		p.cmdFails = 0
		p.counters.Commands++
		p.publish(events.KindCommand, cmd)
		p.note(TimelineEntry{Kind: "command", Cmd: &cmd})
	case errors.Is(err, dispatch.ErrBusy), errors.Is(err, dispatch.ErrGated), errors.Is(err, dispatch.ErrUnmapped):
		p.log.WithError(err).WithField("label", cmd.Label).Debug("command not sent")
	case errors.Is(err, bci.ErrDeviceDisconnected):
		return p.fault("device disconnected", err)
	case errors.As(err, &failed):
		p.cmdFails++
		p.counters.CommandFailures++
		p.log.WithFields(logrus.Fields{
			"token":    failed.Token,
			"attempts": failed.Attempts,
		}).WithError(failed.Err).Error("command delivery failed")
		if p.cmdFails >= p.cfg.Scheduler.MaxCommandFailures {
			return p.fault("repeated command failures", err)
		}
	default:
		p.counters.CommandFailures++
		p.log.WithError(err).Warn("device link error")
	}
	return nil
}

// assessHealth moves between Running and Degraded. Recovery needs a run
// of clean ticks.
func (p *Pipeline) assessHealth(begin time.Time) {
	if p.now().Sub(begin) > p.cfg.TickPeriod() {
		p.missed++
		p.counters.MissedTicks++
	} else {
		p.missed = 0
	}

	desync := p.dec.Desync()
	var reason string
	switch {
	case desync != nil:
		reason = "link degraded: repeated resync"
	case p.missed >= p.cfg.Scheduler.MissedTickThreshold:
		reason = "missed ticks"
	case p.policy.Lost():
		reason = "signal lost"
	}

	st := p.Status()
	if reason != "" {
		p.clean = 0
		if st.State != StateDegraded || st.Reason != reason {
			if desync != nil {
				p.log.WithError(desync).Warn("acquisition link unstable")
			}
			p.setState(StateDegraded, reason)
		}
		return
	}
	if st.State == StateDegraded {
		p.clean++
		if p.clean >= p.cfg.Scheduler.RecoveryTicks {
			p.clean = 0
			p.setState(StateRunning, "")
		}
	}
}

func (p *Pipeline) setState(s State, reason string) {
	p.mu.Lock()
	from := p.status.State
	p.status.State = s
	p.status.Reason = reason
	p.status.Since = p.now()
	st := p.status
	p.mu.Unlock()

	entry := p.log.WithFields(logrus.Fields{"from": from, "to": s})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	switch s {
	case StateFaulted:
		entry.Error("session state")
	case StateDegraded:
		entry.Warn("session state")
	default:
		entry.Info("session state")
	}
	p.note(TimelineEntry{Kind: "state", State: s, Reason: reason})
	p.publish(events.KindStatus, st)
}

// refreshStatus copies the tick-owned counters into the shared status.
func (p *Pipeline) refreshStatus() {
	if p.dec != nil {
		ds := p.dec.Stats()
		p.counters.Frames = ds.Frames
		p.counters.Dropped = ds.Dropped
		p.counters.Resyncs = ds.Resyncs
		p.counters.LinkDegraded = p.dec.Desync() != nil
	}
	if p.ring != nil {
		p.counters.Samples = p.ring.Total()
	}
	_, version := p.engine.Current()

	p.mu.Lock()
	p.status.Counters = p.counters
	p.status.ModelVersion = version
	p.status.Model = p.model
	if p.policy != nil {
		p.status.Decision = p.policy.State()
	}
	if p.disp != nil {
		p.status.Automation = p.disp.State()
	}
	p.mu.Unlock()
	p.publish(events.KindCounters, p.counters)
}

func (p *Pipeline) publish(kind events.Kind, payload any) {
	p.bus.Publish(events.Event{Kind: kind, Session: p.id, At: p.now(), Payload: payload})
}

func (p *Pipeline) note(e TimelineEntry) {
	if e.At.IsZero() {
		e.At = p.now()
	}
	p.timeline = append(p.timeline, e)
	if n := len(p.timeline); n > maxTimeline {
		p.timeline = append(p.timeline[:0], p.timeline[n-maxTimeline:]...)
	}
}

// observeTraffic feeds the traffic monitor. Binary frames render as hex.
func (p *Pipeline) observeTraffic(dir transport.Direction, data []byte) {
	hex := dir == transport.Inbound && p.cfg.Acquisition.Frame.Format != "csv"
	p.publish(events.KindTraffic, transport.FormatTraffic(dir, data, hex))
}
