// Package bci holds the data model shared by every stage of the
// acquisition -> conditioning -> inference -> command pipeline.
package bci

import (
	"fmt"
	"time"
)

// Sample is one instant across all channels.
type Sample struct {
	// Timestamp is the offset from the first decoded sample of the session.
	Timestamp time.Duration
	// Seq is the unwrapped sequence counter; gaps mean dropped frames.
	Seq    uint64
	Values []float64
}

// Label is the ground truth attached to epochs recorded during training.
type Label struct {
	TrialID int    `json:"trial_id"`
	Phase   Phase  `json:"phase"`
	Class   string `json:"class"`
}

// Phase of the stimulus paradigm.
type Phase string

const (
	PhaseFixation Phase = "fixation"
	PhaseCue      Phase = "cue"
	PhaseImagine  Phase = "imagine"
	PhaseRest     Phase = "rest"
	PhaseEnd      Phase = "end"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseFixation, PhaseCue, PhaseImagine, PhaseRest, PhaseEnd:
		return true
	}
	return false
}

// Epoch is a conditioned fixed-length window, channel-major: Data[ch][i].
type Epoch struct {
	Data [][]float64
	// Start and End are the timestamps of the first and last sample.
	Start time.Duration
	End   time.Duration
	// Seq of the newest sample in the epoch.
	Seq         uint64
	ProcessedAt time.Time
	Label       *Label
}

// Channels returns the channel count.
func (e Epoch) Channels() int { return len(e.Data) }

// Len returns the number of samples per channel.
func (e Epoch) Len() int {
	if len(e.Data) == 0 {
		return 0
	}
	return len(e.Data[0])
}

// FeatureVector is derived deterministically from one epoch.
type FeatureVector []float64

// Prediction is a per-epoch classification.
type Prediction struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"`
	EpochEnd   time.Duration `json:"epoch_end"`
	// ModelVersion identifies the model handle that served the epoch.
	ModelVersion uint64 `json:"model_version"`
}

func (p Prediction) String() string {
	return fmt.Sprintf("%s(%.2f)", p.Label, p.Confidence)
}

// IdleLabel is the decision label when no stable intent exists.
const IdleLabel = "idle"

// StableIntent is a debounced classification. Only changes trigger commands.
type StableIntent struct {
	Label string    `json:"label"`
	Since time.Time `json:"since"`
	// Lost is set when the intent was cancelled by signal loss.
	Lost bool `json:"lost,omitempty"`
}

// Command is one opaque device token plus delivery metadata.
type Command struct {
	Label   string    `json:"label"`
	Token   string    `json:"token"`
	IssueAt time.Time `json:"issued_at"`
	Retries int       `json:"retries"`
	Acked   bool      `json:"acked"`
}

// TrialResult is the majority vote of one paradigm trial's imagine phase.
type TrialResult struct {
	TrialID   int            `json:"trial_id"`
	Intended  string         `json:"intended"`
	Predicted string         `json:"predicted"`
	Votes     map[string]int `json:"votes"`
	Success   bool           `json:"success"`
}
