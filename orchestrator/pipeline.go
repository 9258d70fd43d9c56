// Package orchestrator runs one BCI session: a fixed-period tick that
// moves bytes from the acquisition link through decoding, conditioning,
// inference and the decision policy to the device.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/decision"
	"github.com/maastricht-university/edmo-bci/decoder"
	"github.com/maastricht-university/edmo-bci/dispatch"
	"github.com/maastricht-university/edmo-bci/dsp"
	"github.com/maastricht-university/edmo-bci/events"
	"github.com/maastricht-university/edmo-bci/labeler"
	"github.com/maastricht-university/edmo-bci/model"
	"github.com/maastricht-university/edmo-bci/recorder"
	"github.com/maastricht-university/edmo-bci/ringbuffer"
	"github.com/maastricht-university/edmo-bci/transport"
)

var (
	ErrNotRunning = errors.New("orchestrator: session not running")
	ErrQueueFull  = errors.New("orchestrator: control queue full")
)

const (
	maxReadsPerTick = 64
	controlQueue    = 32
	maxTimeline     = 4096
)

// Opener opens a link. transport.Open is the default.
type Opener func(ctx context.Context, l config.Link) (transport.Transport, error)

type Option func(*Pipeline)

// WithBus publishes session events on b instead of a private bus.
func WithBus(b *events.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithClock replaces time.Now for every component of the session.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithOpener(open Opener) Option {
	return func(p *Pipeline) { p.open = open }
}

// Pipeline owns one session. Start, Tick, Run and Stop belong to the
// tick goroutine; Status, SubmitPhase and RequestModel may be called from
// anywhere.
type Pipeline struct {
	cfg  *config.Root
	id   string
	log  logrus.FieldLogger
	bus  *events.Bus
	now  func() time.Time
	open Opener

	phases   chan labeler.PhaseEvent
	models   chan string
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	status   Status
	manifest *Manifest

	// tick context only
	link     transport.Transport
	device   transport.Transport
	dec      *decoder.Decoder
	ring     *ringbuffer.Buffer
	dsp      *dsp.Pipeline
	lab      *labeler.Labeler
	engine   model.Engine
	model    string
	policy   *decision.Policy
	disp     *dispatch.Dispatcher
	rec      *recorder.Recorder
	dir      string
	started  time.Time
	counters Counters
	held     []labeler.PhaseEvent
	trials   []bci.TrialResult
	timeline []TimelineEntry
	missed   int
	clean    int
	readErrs int
	cmdFails int
	ended    bool
	faultErr *FaultError
}

func New(cfg *config.Root, log logrus.FieldLogger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	p := &Pipeline{
		cfg:    cfg,
		id:     id,
		log:    log.WithFields(logrus.Fields{"component": "orchestrator", "session": id}),
		now:    time.Now,
		phases: make(chan labeler.PhaseEvent, controlQueue),
		models: make(chan string, controlQueue),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.bus == nil {
		p.bus = events.NewBus()
	}
	if p.open == nil {
		p.open = func(ctx context.Context, l config.Link) (transport.Transport, error) {
			return transport.Open(ctx, l, log)
		}
	}
	p.status = Status{
		Session: id,
		Subject: cfg.Session.Subject,
		Mode:    cfg.Session.Mode,
		Device:  cfg.Acquisition.Link.Key(),
		State:   StateStopped,
		Since:   p.now(),
	}
	return p, nil
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) Bus() *events.Bus { return p.bus }

// DeviceKey identifies the acquisition hardware.
func (p *Pipeline) DeviceKey() string { return p.cfg.Acquisition.Link.Key() }

// Start builds the processing chain, loads the configured model and
// opens the links. A failure leaves the session Faulted.
func (p *Pipeline) Start(ctx context.Context) error {
	if st := p.Status().State; st != StateStopped {
		return fmt.Errorf("orchestrator: start from state %s", st)
	}
	p.setState(StateConnecting, "")
	if err := p.build(); err != nil {
		p.setState(StateFaulted, err.Error())
		return err
	}
	if path := p.cfg.Model.Path; path != "" {
		if err := p.installModel(path); err != nil {
			p.setState(StateFaulted, err.Error())
			return err
		}
	}

	link, err := p.open(ctx, p.cfg.Acquisition.Link)
	if err != nil {
		p.setState(StateFaulted, err.Error())
		return err
	}
	p.link = transport.NewTap(link, p.observeTraffic)
	p.device = p.link
	if !p.cfg.Device.Shared() {
		dev, err := p.open(ctx, p.cfg.Device.Link)
		if err != nil {
			p.link.Close()
			p.setState(StateFaulted, err.Error())
			return err
		}
		p.device = transport.NewTap(dev, p.observeTraffic)
	}
	p.disp = dispatch.New(p.cfg.Dispatch, p.device, !p.cfg.Device.Shared(), p.log, dispatch.WithClock(p.now))

	p.started = p.now()
	if p.cfg.Recording.Enabled {
		if err := p.startRecording(); err != nil {
			p.closeLinks()
			p.setState(StateFaulted, err.Error())
			return err
		}
	}
	p.setState(StateRunning, "")
	return nil
}

func (p *Pipeline) build() error {
	c := p.cfg
	var err error
	if p.dec, err = decoder.New(c.Acquisition.Frame, c.Session.Channels, c.Session.SampleRate, decoder.WithClock(p.now)); err != nil {
		return err
	}
	if p.ring, err = ringbuffer.New(c.Session.Channels, c.Session.SampleRate, c.Session.WindowSeconds, c.DSP.DCTimeConstant); err != nil {
		return err
	}
	if p.dsp, err = dsp.New(c.DSP, c.Session.SampleRate, c.Session.Channels, c.EpochSamples(), dsp.Pick(c.ModelChannels())); err != nil {
		return err
	}
	if p.lab, err = labeler.New(c.RecordingMode(), labeler.Boundary(c.Labeler.BoundaryPolicy), c.Model.Classes); err != nil {
		return err
	}
	if p.policy, err = decision.New(c.Decision, decision.WithClock(p.now)); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) startRecording() error {
	dir, err := p.sessionDir()
	if err != nil {
		return err
	}
	p.rec, err = recorder.Open(dir, recorder.SessionInfo{
		ID:            p.id,
		Subject:       p.cfg.Session.Subject,
		StartedAt:     p.started,
		SampleRate:    p.cfg.Session.SampleRate,
		Channels:      p.cfg.Session.Channels,
		ChannelLabels: p.cfg.Session.ChannelLabels,
		Classes:       p.cfg.Model.Classes,
	})
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	p.log.WithField("dir", dir).Info("recording session")
	return nil
}

func (p *Pipeline) sessionDir() (string, error) {
	if p.dir != "" {
		return p.dir, nil
	}
	dir, err := mkSessionDir(p.cfg.Paths.Outputs, p.id, p.started)
	if err != nil {
		return "", err
	}
	p.dir = dir
	return dir, nil
}

// installModel loads and swaps the model. It runs at a tick boundary so
// every epoch is served by exactly one model.
func (p *Pipeline) installModel(path string) error {
	m, err := model.Load(path, model.Geometry{
		Channels:     p.dsp.Channels(),
		EpochSamples: p.dsp.EpochLen(),
		Classes:      p.cfg.Model.Classes,
	})
	if err != nil {
		return err
	}
	v := p.engine.Install(m)
	p.model = path
	p.policy.Reset()
	p.log.WithFields(logrus.Fields{
		"path":    path,
		"version": v,
		"digest":  m.Digest(),
	}).Info("model installed")
	return nil
}

// Tick runs one acquisition-to-command pass. It returns a *FaultError
// once the session faulted, and bci.ErrEndOfStream after a replayed
// stream ran out and the session shut down.
func (p *Pipeline) Tick(ctx context.Context) error {
	switch p.Status().State {
	case StateRunning, StateDegraded:
	case StateFaulted:
		if p.faultErr != nil {
			return p.faultErr
		}
		return ErrNotRunning
	default:
		return ErrNotRunning
	}
	begin := p.now()
	p.counters.Ticks++

	if err := p.drainControl(ctx); err != nil {
		return err
	}
	fresh, err := p.acquire(ctx, begin)
	if err != nil {
		return err
	}
	if err := p.condition(ctx, fresh); err != nil {
		return err
	}
	now := p.now()
	if err := p.checkSignal(ctx, now); err != nil {
		return err
	}
	if err := p.pollDevice(ctx, now); err != nil {
		return err
	}
	p.assessHealth(begin)
	p.refreshStatus()
	if p.ended {
		p.log.Info("recorded stream finished")
		if err := p.Shutdown("end of stream"); err != nil {
			return err
		}
		return bci.ErrEndOfStream
	}
	return nil
}

func (p *Pipeline) drainControl(ctx context.Context) error {
	held := p.held
	p.held = nil
	for _, ev := range held {
		if err := p.onPhase(ctx, ev); err != nil {
			return err
		}
	}
	for {
		select {
		case ev := <-p.phases:
			if err := p.onPhase(ctx, ev); err != nil {
				return err
			}
		case path := <-p.models:
			if err := p.installModel(path); err != nil {
				p.log.WithError(err).Error("model swap rejected")
				p.publish(events.KindStatus, p.Status())
			}
		default:
			return nil
		}
	}
}

func (p *Pipeline) onPhase(ctx context.Context, ev labeler.PhaseEvent) error {
	if err := p.lab.Submit(ev); err != nil {
		if errors.Is(err, labeler.ErrUnanchored) {
			// no samples yet; retry next tick
			p.held = append(p.held, ev)
			return nil
		}
		p.log.WithError(err).Warn("phase event rejected")
		return nil
	}
	p.log.WithFields(logrus.Fields{"trial": ev.TrialID, "phase": ev.Phase}).Debug("phase")
	cmd, err := p.disp.Trigger(ctx, ev.Phase)
	if errors.Is(err, dispatch.ErrUnmapped) {
		return nil
	}
	return p.afterCommand(cmd, err)
}

// acquire drains the link and feeds the decoder and ring buffer. It stops
// when the link runs dry or half the tick period is spent, so a steady
// stream cannot stretch the tick.
func (p *Pipeline) acquire(ctx context.Context, begin time.Time) ([]bci.Sample, error) {
	var fresh []bci.Sample
	budget := begin.Add(p.cfg.TickPeriod() / 2)
	for range maxReadsPerTick {
		chunk, err := p.link.ReadAvailable(ctx)
		if err != nil {
			switch {
			case errors.Is(err, bci.ErrEndOfStream):
				p.ended = true
			case errors.Is(err, bci.ErrDeviceDisconnected):
				return nil, p.fault("device disconnected", err)
			case bci.IsTransient(err):
				p.readErrs++
				p.counters.TransportErrors++
				p.log.WithError(err).Debug("transient read error")
				if p.readErrs >= p.cfg.Scheduler.MaxTransportErrors {
					return nil, p.fault("repeated transport errors", err)
				}
			case ctx.Err() != nil:
				return fresh, nil
			default:
				return nil, p.fault("transport failed", err)
			}
			break
		}
		if len(chunk) == 0 {
			break
		}
		p.readErrs = 0
		p.counters.Bytes += uint64(len(chunk))
		for s := range p.dec.Feed(chunk) {
			if err := p.ring.Append(s); err != nil {
				p.log.WithError(err).Warn("sample rejected")
				continue
			}
			fresh = append(fresh, s)
		}
		if !p.now().Before(budget) {
			break
		}
	}
	if n := len(fresh); n > 0 {
		p.lab.Anchor(p.now(), fresh[n-1].Timestamp)
		if p.rec != nil {
			if err := p.rec.Samples(fresh); err != nil {
				p.log.WithError(err).Warn("recording samples failed")
			}
		}
	}
	return fresh, nil
}

// condition runs DSP, labeling, inference and the decision policy.
func (p *Pipeline) condition(ctx context.Context, fresh []bci.Sample) error {
	snap := p.ring.Snapshot(p.dsp.Want(len(fresh)))
	if every := p.cfg.Scheduler.SnapshotEvery; every > 0 && len(snap) > 0 && p.counters.Ticks%every == 0 {
		p.publish(events.KindSnapshot, snap)
	}
	ep, err := p.dsp.Process(snap, p.ring.DCEstimates())
	if err != nil {
		if !errors.Is(err, bci.ErrInsufficientData) {
			p.log.WithError(err).Warn("conditioning failed")
		}
		return nil
	}
	p.counters.Epochs++
	p.lab.Label(&ep)
	if p.rec != nil {
		if err := p.rec.Epoch(ep); err != nil {
			p.log.WithError(err).Warn("recording epoch failed")
		}
	}

	pred, err := p.engine.Predict(ep)
	if err != nil {
		if !errors.Is(err, bci.ErrNoModelLoaded) {
			p.log.WithError(err).Warn("prediction failed")
		}
		return nil
	}
	p.counters.Predictions++
	p.publish(events.KindPrediction, pred)

	for _, r := range p.lab.Vote(pred) {
		if err := p.onTrial(ctx, r); err != nil {
			return err
		}
	}
	if ch, ok := p.policy.Observe(pred); ok {
		return p.onIntent(ctx, ch)
	}
	return nil
}

func (p *Pipeline) onTrial(ctx context.Context, r bci.TrialResult) error {
	p.counters.Trials++
	p.trials = append(p.trials, r)
	p.publish(events.KindTrial, r)
	p.note(TimelineEntry{Kind: "trial", Trial: &r})
	if p.rec != nil {
		if err := p.rec.Trial(r); err != nil {
			p.log.WithError(err).Warn("recording trial failed")
		}
	}
	p.log.WithFields(logrus.Fields{
		"trial":     r.TrialID,
		"intended":  r.Intended,
		"predicted": r.Predicted,
		"success":   r.Success,
	}).Info("trial scored")
	cmd, err := p.disp.DispatchTrial(ctx, r)
	return p.afterCommand(cmd, err)
}

func (p *Pipeline) onIntent(ctx context.Context, ch decision.Change) error {
	p.counters.Intents++
	p.publish(events.KindIntent, ch.Intent)
	p.note(TimelineEntry{Kind: "intent", Intent: &ch.Intent})
	p.log.WithFields(logrus.Fields{"from": ch.Prev, "to": ch.Intent.Label, "lost": ch.Intent.Lost}).Info("intent changed")
	if ch.Intent.Lost {
		if !p.cfg.Dispatch.Automation {
			return nil
		}
		err := p.disp.SafeStop()
		return p.afterCommand(bci.Command{Label: "stop", Token: p.cfg.Dispatch.StopToken, IssueAt: p.now()}, err)
	}
	cmd, err := p.disp.Dispatch(ctx, ch.Intent)
	return p.afterCommand(cmd, err)
}

// checkSignal applies the signal-loss timeout once a model is serving.
func (p *Pipeline) checkSignal(ctx context.Context, now time.Time) error {
	if _, v := p.engine.Current(); v == 0 {
		return nil
	}
	if ch, ok := p.policy.Check(now); ok {
		if err := p.onIntent(ctx, ch); err != nil {
			return err
		}
	}
	if p.policy.Lost() && p.policy.Silence(now) >= p.cfg.Scheduler.SignalLossFaultAfter {
		return p.fault("signal lost", fmt.Errorf("no prediction for %v", p.policy.Silence(now).Round(time.Millisecond)))
	}
	return nil
}

func (p *Pipeline) pollDevice(ctx context.Context, now time.Time) error {
	cmds, err := p.disp.Poll(ctx, now)
	for _, c := range cmds {
		if e := p.afterCommand(c, nil); e != nil {
			return e
		}
	}
	for _, line := range p.disp.Feedback() {
		p.log.WithField("line", line).Debug("device feedback")
	}
	if err != nil {
		return p.afterCommand(bci.Command{}, err)
	}
	return nil
}

// Run starts the session and ticks until ctx is done, Stop is called or
// the session faults. A tick in flight always completes.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	t := time.NewTicker(p.cfg.TickPeriod())
	defer t.Stop()
	tickCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return p.Shutdown("context cancelled")
		case <-p.stop:
			return p.Shutdown("stopped")
		case <-t.C:
			err := p.Tick(tickCtx)
			if errors.Is(err, bci.ErrEndOfStream) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// Stop asks Run to finish after the current tick.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Shutdown sends the stop token, closes the links and persists the
// manifest. It is a no-op unless the session is running.
func (p *Pipeline) Shutdown(reason string) error {
	switch p.Status().State {
	case StateRunning, StateDegraded:
	default:
		return nil
	}
	if err := p.disp.SafeStop(); err != nil {
		p.log.WithError(err).Warn("safe stop failed")
	}
	p.teardown(StateStopped, reason)
	return nil
}

// fault makes one safe-stop attempt, tears the session down and records
// the fault.
func (p *Pipeline) fault(reason string, err error) error {
	p.log.WithError(err).WithField("reason", reason).Error("session faulted")
	if serr := p.disp.SafeStop(); serr != nil {
		p.log.WithError(serr).Warn("safe stop failed")
	}
	p.faultErr = &FaultError{Reason: reason, Err: err}
	full := reason
	if err != nil {
		full = fmt.Sprintf("%s: %v", reason, err)
	}
	p.teardown(StateFaulted, full)
	return p.faultErr
}

func (p *Pipeline) teardown(final State, reason string) {
	for _, r := range p.lab.Flush() {
		p.counters.Trials++
		p.trials = append(p.trials, r)
		p.publish(events.KindTrial, r)
		if p.rec != nil {
			if err := p.rec.Trial(r); err != nil {
				p.log.WithError(err).WithField("trial", r.TrialID).Warn("recording trial failed")
			}
		}
	}
	p.closeLinks()

	var recSum *recorder.Summary
	if p.rec != nil {
		sum, err := p.rec.Close()
		if err != nil {
			p.log.WithError(err).Warn("closing recording failed")
		}
		recSum = &sum
		p.rec = nil
	}
	p.refreshStatus()
	p.setState(final, reason)
	p.writeManifest(final, reason, recSum)
}

func (p *Pipeline) closeLinks() {
	if p.device != nil && p.device != p.link {
		if err := p.device.Close(); err != nil {
			p.log.WithError(err).Warn("closing device link failed")
		}
	}
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			p.log.WithError(err).Warn("closing acquisition link failed")
		}
	}
}

func (p *Pipeline) writeManifest(final State, reason string, rec *recorder.Summary) {
	m := Manifest{
		SessionID:  p.id,
		Subject:    p.cfg.Session.Subject,
		Mode:       p.cfg.Session.Mode,
		Device:     p.DeviceKey(),
		StartedAt:  p.started,
		EndedAt:    p.now(),
		SampleRate: p.cfg.Session.SampleRate,
		Channels:   p.cfg.Session.Channels,
		EpochLen:   p.dsp.EpochLen(),
		Classes:    p.cfg.Model.Classes,
		Model:      p.model,
		Final:      final,
		Reason:     reason,
		Counters:   p.counters,
		Recording:  rec,
		Trials:     p.trials,
		Timeline:   p.timeline,
	}
	if p.cfg.Paths.Outputs != "" {
		if dir, err := p.sessionDir(); err != nil {
			p.log.WithError(err).Warn("session directory unavailable")
		} else {
			m.Dir = dir
			if path, err := persist(m); err != nil {
				p.log.WithError(err).Warn("writing manifest failed")
			} else {
				p.log.WithField("path", path).Info("session manifest written")
			}
		}
	}
	p.mu.Lock()
	p.manifest = &m
	p.mu.Unlock()
}

// Manifest returns the summary of an ended session.
func (p *Pipeline) Manifest() (Manifest, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.manifest == nil {
		return Manifest{}, false
	}
	return *p.manifest, true
}

func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SubmitPhase queues a stimulus phase event for the next tick.
func (p *Pipeline) SubmitPhase(ev labeler.PhaseEvent) error {
	if !ev.Phase.Valid() {
		return fmt.Errorf("orchestrator: unknown phase %q", ev.Phase)
	}
	select {
	case p.phases <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// RequestModel queues a model swap. Loading happens on the tick
// goroutine; the outcome shows in Status.
func (p *Pipeline) RequestModel(path string) error {
	select {
	case p.models <- path:
		return nil
	default:
		return ErrQueueFull
	}
}
