package orchestrator

import (
	"fmt"
	"time"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/decision"
	"github.com/maastricht-university/edmo-bci/dispatch"
	"github.com/maastricht-university/edmo-bci/recorder"
)

type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StateDegraded   State = "degraded"
	StateFaulted    State = "faulted"
)

// FaultError ends a session. Reason is meant for the operator.
type FaultError struct {
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	if e.Err == nil {
		return "session faulted: " + e.Reason
	}
	return fmt.Sprintf("session faulted: %s: %v", e.Reason, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Counters are the live-display health counters.
type Counters struct {
	Ticks           int    `json:"ticks"`
	MissedTicks     int    `json:"missed_ticks"`
	Bytes           uint64 `json:"bytes"`
	Samples         uint64 `json:"samples"`
	Frames          uint64 `json:"frames"`
	Dropped         uint64 `json:"dropped"`
	Resyncs         uint64 `json:"resyncs"`
	LinkDegraded    bool   `json:"link_degraded"`
	Epochs          int    `json:"epochs"`
	Predictions     int    `json:"predictions"`
	Intents         int    `json:"intents"`
	Commands        int    `json:"commands"`
	CommandFailures int    `json:"command_failures"`
	TransportErrors int    `json:"transport_errors"`
	Trials          int    `json:"trials"`
}

// Status is a point-in-time view of a session, safe to hand to other
// goroutines.
type Status struct {
	Session      string             `json:"session"`
	Subject      string             `json:"subject,omitempty"`
	Mode         string             `json:"mode"`
	Device       string             `json:"device"`
	State        State              `json:"state"`
	Reason       string             `json:"reason,omitempty"`
	Since        time.Time          `json:"since"`
	ModelVersion uint64             `json:"model_version"`
	Model        string             `json:"model,omitempty"`
	Decision     decision.Snapshot  `json:"decision"`
	Automation   dispatch.AutoState `json:"automation"`
	Counters     Counters           `json:"counters"`
}

// TimelineEntry is one notable event in the session summary.
type TimelineEntry struct {
	At     time.Time         `json:"at"`
	Kind   string            `json:"kind"`
	Intent *bci.StableIntent `json:"intent,omitempty"`
	Cmd    *bci.Command      `json:"command,omitempty"`
	Trial  *bci.TrialResult  `json:"trial,omitempty"`
	State  State             `json:"state,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// Manifest is persisted as session.json when a session ends.
type Manifest struct {
	SessionID  string            `json:"session_id"`
	Dir        string            `json:"dir"`
	Subject    string            `json:"subject,omitempty"`
	Mode       string            `json:"mode"`
	Device     string            `json:"device"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	SampleRate float64           `json:"sample_rate"`
	Channels   int               `json:"channels"`
	EpochLen   int               `json:"epoch_samples"`
	Classes    []string          `json:"classes"`
	Model      string            `json:"model,omitempty"`
	Final      State             `json:"final_state"`
	Reason     string            `json:"reason,omitempty"`
	Counters   Counters          `json:"counters"`
	Recording  *recorder.Summary `json:"recording,omitempty"`
	Trials     []bci.TrialResult `json:"trials,omitempty"`
	Timeline   []TimelineEntry   `json:"timeline"`
}
