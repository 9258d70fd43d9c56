// Package dsp conditions raw ring-buffer snapshots into fixed-length
// epochs: baseline removal, band-pass and notch filtering, decimation.
package dsp

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
)

// Pipeline carries filter delay lines across calls unless configured
// stateless. It is owned by the tick context and not safe for concurrent
// use.
type Pipeline struct {
	cfg      config.DSP
	fs       float64
	in       int   // acquired channels per sample
	picks    []int // acquired channel behind each epoch row
	channels int
	epochLen int
	sections []Biquad

	state [][]delay // [channel][section]

	started bool
	lastSeq uint64
	phase   int
	fresh   int // kept samples since the last epoch

	// conditioned, decimated history, channel-major
	hist   [][]float64
	histTS []time.Duration
	histSq []uint64

	now func() time.Time
}

type Option func(*Pipeline)

// Pick conditions only the listed acquired channels, in that order. The
// epoch then has len(idx) rows.
func Pick(idx []int) Option {
	return func(p *Pipeline) { p.picks = slices.Clone(idx) }
}

func New(cfg config.DSP, sampleRate float64, channels, epochSamples int, opts ...Option) (*Pipeline, error) {
	if channels < 1 || epochSamples < 2 {
		return nil, errors.New("dsp: need at least one channel and two samples per epoch")
	}
	if cfg.Decimation < 1 {
		cfg.Decimation = 1
	}
	if cfg.FilterOrder < 2 || cfg.FilterOrder%2 != 0 {
		return nil, fmt.Errorf("dsp: filter order %d must be even", cfg.FilterOrder)
	}
	if cfg.BandHigh <= cfg.BandLow || cfg.BandHigh >= sampleRate/2 {
		return nil, fmt.Errorf("dsp: band %.1f-%.1f Hz invalid at %.1f Hz", cfg.BandLow, cfg.BandHigh, sampleRate)
	}
	p := &Pipeline{
		cfg:      cfg,
		fs:       sampleRate,
		in:       channels,
		epochLen: epochSamples,
		sections: Design(cfg.BandLow, cfg.BandHigh, cfg.FilterOrder, cfg.NotchHz, cfg.NotchQ, sampleRate),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if len(p.picks) == 0 {
		p.picks = make([]int, channels)
		for i := range p.picks {
			p.picks[i] = i
		}
	}
	for _, ch := range p.picks {
		if ch < 0 || ch >= channels {
			return nil, fmt.Errorf("dsp: channel %d outside 0..%d", ch, channels-1)
		}
	}
	p.channels = len(p.picks)
	p.Reset()
	return p, nil
}

// Reset clears delay lines and history; called at session start.
func (p *Pipeline) Reset() {
	p.state = make([][]delay, p.channels)
	p.hist = make([][]float64, p.channels)
	for ch := range p.state {
		p.state[ch] = make([]delay, len(p.sections))
	}
	p.histTS, p.histSq = nil, nil
	p.started = false
	p.lastSeq = 0
	p.phase = 0
	p.fresh = 0
}

// Sections exposes the designed cascade.
func (p *Pipeline) Sections() []Biquad { return slices.Clone(p.sections) }

// Channels is the number of rows in every epoch.
func (p *Pipeline) Channels() int { return p.channels }

// EpochLen is the number of samples per channel in every epoch.
func (p *Pipeline) EpochLen() int { return p.epochLen }

// Want returns how many of the newest raw samples the next Process call
// needs, given how many arrived since the previous call.
func (p *Pipeline) Want(arrived int) int {
	if p.cfg.Stateless {
		return p.epochLen * p.cfg.Decimation
	}
	return arrived
}

// Process turns a snapshot into the latest epoch. dc holds the per
// channel baseline to subtract. It returns bci.ErrInsufficientData when
// less than one epoch is conditioned or nothing new arrived.
func (p *Pipeline) Process(snap []bci.Sample, dc []float64) (bci.Epoch, error) {
	if len(dc) != p.in {
		return bci.Epoch{}, fmt.Errorf("dsp: %d baselines for %d channels", len(dc), p.in)
	}
	if p.cfg.Stateless {
		return p.processStateless(snap, dc)
	}
	for _, s := range snap {
		if p.started && s.Seq <= p.lastSeq {
			continue
		}
		if len(s.Values) != p.in {
			return bci.Epoch{}, fmt.Errorf("dsp: sample has %d channels, want %d", len(s.Values), p.in)
		}
		p.started = true
		p.lastSeq = s.Seq
		keep := p.phase == 0
		p.phase = (p.phase + 1) % p.cfg.Decimation
		for ch, src := range p.picks {
			y := s.Values[src] - dc[src]
			st := p.state[ch]
			for k, q := range p.sections {
				y = q.step(y, &st[k])
			}
			if keep {
				p.hist[ch] = append(p.hist[ch], y)
			}
		}
		if keep {
			p.histTS = append(p.histTS, s.Timestamp)
			p.histSq = append(p.histSq, s.Seq)
			p.fresh++
		}
	}
	p.compact()
	if len(p.histTS) < p.epochLen || p.fresh == 0 {
		return bci.Epoch{}, bci.ErrInsufficientData
	}
	p.fresh = 0
	n := len(p.histTS)
	e := bci.Epoch{
		Data:        make([][]float64, p.channels),
		Start:       p.histTS[n-p.epochLen],
		End:         p.histTS[n-1],
		Seq:         p.histSq[n-1],
		ProcessedAt: p.now(),
	}
	for ch := range e.Data {
		e.Data[ch] = slices.Clone(p.hist[ch][n-p.epochLen:])
	}
	return e, nil
}

// compact keeps the history bounded to one epoch.
func (p *Pipeline) compact() {
	n := len(p.histTS)
	if n <= 2*p.epochLen {
		return
	}
	cut := n - p.epochLen
	for ch := range p.hist {
		p.hist[ch] = append(p.hist[ch][:0], p.hist[ch][cut:]...)
	}
	p.histTS = append(p.histTS[:0], p.histTS[cut:]...)
	p.histSq = append(p.histSq[:0], p.histSq[cut:]...)
}

// processStateless filters the newest window forward then backward from
// zero state, which cancels the cascade's phase shift.
func (p *Pipeline) processStateless(snap []bci.Sample, dc []float64) (bci.Epoch, error) {
	need := p.epochLen * p.cfg.Decimation
	if len(snap) < need {
		return bci.Epoch{}, bci.ErrInsufficientData
	}
	win := snap[len(snap)-need:]
	newest := win[need-1].Seq
	if p.started && newest <= p.lastSeq {
		return bci.Epoch{}, bci.ErrInsufficientData
	}
	p.started = true
	p.lastSeq = newest

	e := bci.Epoch{
		Data:        make([][]float64, p.channels),
		Start:       win[0].Timestamp,
		End:         win[need-p.cfg.Decimation].Timestamp,
		Seq:         win[need-p.cfg.Decimation].Seq,
		ProcessedAt: p.now(),
	}
	x := make([]float64, need)
	for ch, src := range p.picks {
		for i, s := range win {
			if len(s.Values) != p.in {
				return bci.Epoch{}, fmt.Errorf("dsp: sample has %d channels, want %d", len(s.Values), p.in)
			}
			x[i] = s.Values[src] - dc[src]
		}
		filtfilt(p.sections, x)
		out := make([]float64, p.epochLen)
		for i := range out {
			out[i] = x[i*p.cfg.Decimation]
		}
		e.Data[ch] = out
	}
	return e, nil
}

func filtfilt(sections []Biquad, x []float64) {
	for pass := 0; pass < 2; pass++ {
		st := make([]delay, len(sections))
		for i := range x {
			y := x[i]
			for k, q := range sections {
				y = q.step(y, &st[k])
			}
			x[i] = y
		}
		slices.Reverse(x)
	}
}
