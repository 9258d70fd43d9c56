package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/decoder"
)

type simOpts struct {
	out      string
	duration time.Duration
	trial    time.Duration
	noise    float64
	seed     uint64
}

// trialMark is one line of the schedule written next to a capture.
type trialMark struct {
	TrialID int     `json:"trial_id"`
	Class   string  `json:"class"`
	Start   float64 `json:"start_s"`
	End     float64 `json:"end_s"`
}

func newSimulateCmd(a *app) *cobra.Command {
	var o simOpts
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic motor-imagery capture in the configured frame format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			n, marks, err := simulate(cfg, o)
			if err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{
				"out":     o.out,
				"samples": n,
				"trials":  len(marks),
			}).Info("capture written")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.out, "out", "o", "capture.bin", "capture file")
	f.DurationVar(&o.duration, "duration", time.Minute, "length of the capture")
	f.DurationVar(&o.trial, "trial", 4*time.Second, "length of one imagery trial")
	f.Float64Var(&o.noise, "noise", 2, "gaussian noise amplitude")
	f.Uint64Var(&o.seed, "seed", 1, "noise seed")
	return cmd
}

// simulate cycles through the configured classes, one per trial. During a
// trial the class's channel carries a stronger 10 Hz rhythm. A JSON lines
// schedule lands next to the capture.
func simulate(cfg *config.Root, o simOpts) (int, []trialMark, error) {
	if o.trial <= 0 || o.duration <= 0 {
		return 0, nil, fmt.Errorf("simulate: duration and trial must be positive")
	}
	channels := cfg.Session.Channels
	enc, err := decoder.NewEncoder(cfg.Acquisition.Frame, channels)
	if err != nil {
		return 0, nil, err
	}
	f, err := os.Create(o.out)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	rate := cfg.Session.SampleRate
	classes := cfg.Model.Classes
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	n := int(o.duration.Seconds() * rate)
	per := o.trial.Seconds()

	var (
		buf   []byte
		marks []trialMark
	)
	values := make([]float64, channels)
	for i := range n {
		t := float64(i) / rate
		k := int(t / per)
		if len(marks) == k {
			marks = append(marks, trialMark{TrialID: k + 1, Class: classes[k%len(classes)], Start: float64(k) * per, End: math.Min(float64(k+1)*per, o.duration.Seconds())})
		}
		strong := (k % len(classes)) % channels
		for c := range values {
			amp := 10.0
			if c == strong {
				amp = 20
			}
			values[c] = 100 + amp*math.Sin(2*math.Pi*10*t+float64(c)) + o.noise*rng.NormFloat64()
		}
		if buf, err = enc.Encode(buf[:0], uint64(i), values); err != nil {
			return 0, nil, err
		}
		if _, err := w.Write(buf); err != nil {
			return 0, nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, nil, err
	}
	if err := writeSchedule(o.out+".trials.jsonl", marks); err != nil {
		return 0, nil, err
	}
	return n, marks, nil
}

func writeSchedule(path string, marks []trialMark) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, m := range marks {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}
