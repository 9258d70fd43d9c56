// Package recorder exports a recording session for the training
// workshop: raw samples as CSV and labeled epochs in SQLite.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maastricht-university/edmo-bci/bci"
)

const (
	SamplesFile = "samples.csv"
	StoreFile   = "epochs.sqlite"
)

// Summary is what a closed recording produced.
type Summary struct {
	SamplesPath string `json:"samples_path"`
	StorePath   string `json:"store_path"`
	Samples     int    `json:"samples"`
	Epochs      int    `json:"epochs"`
	Labeled     int    `json:"labeled"`
	Trials      int    `json:"trials"`
}

// Recorder is owned by the tick context.
type Recorder struct {
	info    SessionInfo
	sum     Summary
	file    *os.File
	samples *SampleWriter
	store   *EpochStore
}

// Open creates the recording files in dir.
func Open(dir string, info SessionInfo) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	labels := info.ChannelLabels
	if len(labels) != info.Channels {
		labels = make([]string, info.Channels)
		for i := range labels {
			labels[i] = fmt.Sprintf("ch%d", i+1)
		}
	}
	r := &Recorder{info: info}
	r.sum.SamplesPath = filepath.Join(dir, SamplesFile)
	r.sum.StorePath = filepath.Join(dir, StoreFile)

	f, err := os.Create(r.sum.SamplesPath)
	if err != nil {
		return nil, err
	}
	if r.samples, err = NewSampleWriter(f, labels); err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	if r.store, err = OpenStore(r.sum.StorePath); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.store.BeginSession(info); err != nil {
		r.store.Close()
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Samples(s []bci.Sample) error {
	if err := r.samples.Write(s); err != nil {
		return fmt.Errorf("record samples: %w", err)
	}
	r.sum.Samples += len(s)
	return nil
}

func (r *Recorder) Epoch(e bci.Epoch) error {
	if err := r.store.PutEpoch(r.info.ID, e); err != nil {
		return err
	}
	r.sum.Epochs++
	if e.Label != nil {
		r.sum.Labeled++
	}
	return nil
}

func (r *Recorder) Trial(t bci.TrialResult) error {
	if err := r.store.PutTrial(r.info.ID, t); err != nil {
		return err
	}
	r.sum.Trials++
	return nil
}

// Summary returns the running counts.
func (r *Recorder) Summary() Summary { return r.sum }

// Close flushes and closes both files.
func (r *Recorder) Close() (Summary, error) {
	err := r.samples.Flush()
	err = errors.Join(err, r.file.Close(), r.store.Close())
	return r.sum, err
}
