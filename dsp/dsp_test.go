package dsp

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/ringbuffer"
)

const fs = 250.0

func defaultDSP() config.DSP {
	return config.DSP{BandLow: 8, BandHigh: 30, FilterOrder: 4, NotchHz: 50, NotchQ: 30, Decimation: 1, DCTimeConstant: 0.5}
}

func sine(n, start int, chans []float64, freq, offset float64) []bci.Sample {
	out := make([]bci.Sample, n)
	for i := range out {
		k := start + i
		v := make([]float64, len(chans))
		for ch, amp := range chans {
			v[ch] = offset + amp*math.Sin(2*math.Pi*freq*float64(k)/fs)
		}
		out[i] = bci.Sample{Seq: uint64(k), Timestamp: time.Duration(float64(k) / fs * float64(time.Second)), Values: v}
	}
	return out
}

func TestButterworthQ(t *testing.T) {
	got := ButterworthQ(4)
	want := []float64{0.5412, 1.3066}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-4 {
			t.Errorf("Q[%d] = %.4f, want %.4f", i, got[i], want[i])
		}
	}
}

func TestCascadeResponse(t *testing.T) {
	c := defaultDSP()
	s := Design(c.BandLow, c.BandHigh, c.FilterOrder, c.NotchHz, c.NotchQ, fs)
	if len(s) != 5 {
		t.Fatalf("sections = %d, want 5", len(s))
	}
	tests := []struct {
		f        float64
		min, max float64
	}{
		{0, 0, 1e-9},
		{2, 0, 0.01},
		{10, 0.85, 1.0},
		{20, 0.95, 1.01},
		{50, 0, 0.01},
		{80, 0, 0.05},
	}
	for _, tt := range tests {
		g := CascadeGain(s, tt.f, fs)
		if g < tt.min || g > tt.max {
			t.Errorf("gain at %.0f Hz = %.4f, want [%.2f, %.2f]", tt.f, g, tt.min, tt.max)
		}
	}
}

func TestInsufficientData(t *testing.T) {
	p, err := New(defaultDSP(), fs, 1, 250)
	if err != nil {
		t.Fatal(err)
	}
	dc := []float64{0}
	if _, err := p.Process(sine(100, 0, []float64{1}, 10, 0), dc); !errors.Is(err, bci.ErrInsufficientData) {
		t.Fatalf("want insufficient data, got %v", err)
	}
	snap := sine(300, 0, []float64{1}, 10, 0)
	e, err := p.Process(snap, dc)
	if err != nil {
		t.Fatal(err)
	}
	if e.Len() != 250 || e.Channels() != 1 || e.Seq != 299 {
		t.Errorf("epoch len %d channels %d seq %d", e.Len(), e.Channels(), e.Seq)
	}
	// the same snapshot again carries nothing new
	if _, err := p.Process(snap, dc); !errors.Is(err, bci.ErrInsufficientData) {
		t.Errorf("stale snapshot should be insufficient, got %v", err)
	}
}

func TestStreamingMatchesOneShot(t *testing.T) {
	all := sine(600, 0, []float64{3, 1}, 12, 0)
	dc := []float64{0, 0}

	one, _ := New(defaultDSP(), fs, 2, 250)
	want, err := one.Process(all, dc)
	if err != nil {
		t.Fatal(err)
	}

	chunked, _ := New(defaultDSP(), fs, 2, 250)
	var got bci.Epoch
	// overlapping snapshots, as a scheduler taking the newest window would
	for end := 100; end <= 600; end += 100 {
		e, err := chunked.Process(all[max(0, end-250):end], dc)
		if err == nil {
			got = e
		}
	}
	for ch := range want.Data {
		for i := range want.Data[ch] {
			if math.Abs(want.Data[ch][i]-got.Data[ch][i]) > 1e-9 {
				t.Fatalf("ch %d sample %d: chunked %.6f one-shot %.6f", ch, i, got.Data[ch][i], want.Data[ch][i])
			}
		}
	}
	if got.Start != want.Start || got.End != want.End {
		t.Errorf("bounds %v-%v vs %v-%v", got.Start, got.End, want.Start, want.End)
	}
}

func TestDCOffsetRemovedWithinBoundedTicks(t *testing.T) {
	const offset = 1000.0
	rb, _ := ringbuffer.New(1, fs, 4, 0.5)
	p, _ := New(defaultDSP(), fs, 1, 250)

	var mean float64
	for tick := 0; tick < 8; tick++ {
		for _, s := range sine(125, tick*125, []float64{5}, 10, offset) {
			rb.Append(s)
		}
		e, err := p.Process(rb.Snapshot(p.Want(125)), rb.DCEstimates())
		if err != nil {
			continue
		}
		mean = 0
		for _, v := range e.Data[0] {
			mean += v
		}
		mean /= float64(e.Len())
	}
	if math.Abs(mean) > 0.01*offset {
		t.Errorf("post-DSP mean %.3f after 8 ticks, offset %.0f", mean, offset)
	}
}

func TestDecimation(t *testing.T) {
	c := defaultDSP()
	c.Decimation = 2
	p, _ := New(c, fs, 1, 50)
	in := sine(100, 0, []float64{1}, 10, 0)
	e, err := p.Process(in, []float64{0})
	if err != nil {
		t.Fatal(err)
	}
	if e.Len() != 50 {
		t.Fatalf("len = %d", e.Len())
	}
	if e.Start != in[0].Timestamp || e.End != in[98].Timestamp {
		t.Errorf("epoch spans %v-%v, want %v-%v", e.Start, e.End, in[0].Timestamp, in[98].Timestamp)
	}
}

func TestStatelessIsZeroPhase(t *testing.T) {
	c := defaultDSP()
	c.Stateless = true
	p, _ := New(c, fs, 1, 500)
	in := sine(500, 0, []float64{10}, 15, 0)
	e, err := p.Process(in, []float64{0})
	if err != nil {
		t.Fatal(err)
	}
	g := CascadeGain(p.Sections(), 15, fs)
	for i := 200; i < 300; i++ {
		want := g * g * in[i].Values[0]
		if math.Abs(e.Data[0][i]-want) > 0.5 {
			t.Fatalf("sample %d: %.3f, want %.3f", i, e.Data[0][i], want)
		}
	}
	if _, err := p.Process(in, []float64{0}); !errors.Is(err, bci.ErrInsufficientData) {
		t.Errorf("repeat window should be insufficient, got %v", err)
	}
}

func TestResetClearsState(t *testing.T) {
	p, _ := New(defaultDSP(), fs, 1, 100)
	snap := sine(200, 0, []float64{1}, 10, 0)
	a, _ := p.Process(snap, []float64{0})
	p.Reset()
	b, err := p.Process(snap, []float64{0})
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Data[0] {
		if a.Data[0][i] != b.Data[0][i] {
			t.Fatalf("reset did not restore initial state at %d", i)
		}
	}
}

func TestPickSelectsChannels(t *testing.T) {
	amps := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	in := sine(300, 0, amps, 12, 0)
	dc := make([]float64, len(amps))

	for _, stateless := range []bool{false, true} {
		c := defaultDSP()
		c.Stateless = stateless
		p, err := New(c, fs, 9, 250, Pick([]int{0, 1, 2, 3, 4, 5, 6, 7}))
		if err != nil {
			t.Fatal(err)
		}
		if p.Channels() != 8 {
			t.Fatalf("channels = %d", p.Channels())
		}
		e, err := p.Process(in, dc)
		if err != nil {
			t.Fatal(err)
		}
		if e.Channels() != 8 {
			t.Fatalf("stateless=%v: epoch has %d rows", stateless, e.Channels())
		}

		// row 7 matches channel 7 conditioned on its own
		solo, _ := New(c, fs, 1, 250)
		only := make([]bci.Sample, len(in))
		for i, s := range in {
			only[i] = bci.Sample{Seq: s.Seq, Timestamp: s.Timestamp, Values: []float64{s.Values[7]}}
		}
		want, err := solo.Process(only, []float64{0})
		if err != nil {
			t.Fatal(err)
		}
		for i := range want.Data[0] {
			if math.Abs(e.Data[7][i]-want.Data[0][i]) > 1e-9 {
				t.Fatalf("stateless=%v sample %d: %.6f, want %.6f", stateless, i, e.Data[7][i], want.Data[0][i])
			}
		}
	}

	if _, err := New(defaultDSP(), fs, 2, 250, Pick([]int{2})); err == nil {
		t.Error("pick outside the acquired channels accepted")
	}
}
