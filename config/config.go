package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Link describes one hardware connection.
type Link struct {
	Kind             string        `yaml:"kind" mapstructure:"kind"` // serial | bluetooth | tcp | file | memory
	Port             string        `yaml:"port" mapstructure:"port"`
	Baud             int           `yaml:"baud" mapstructure:"baud"`
	Address          string        `yaml:"address" mapstructure:"address"`
	Channel          int           `yaml:"channel" mapstructure:"channel"`
	Host             string        `yaml:"host" mapstructure:"host"`
	TCPPort          int           `yaml:"tcp_port" mapstructure:"tcp_port"`
	Path             string        `yaml:"path" mapstructure:"path"`
	ChunkSize        int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	Pace             bool          `yaml:"pace" mapstructure:"pace"`
	ReadTimeout      time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
}

// Key identifies the physical device behind the link.
func (l Link) Key() string {
	switch l.Kind {
	case "serial":
		return "serial:" + l.Port
	case "bluetooth":
		return "bluetooth:" + strings.ToUpper(l.Address)
	case "tcp":
		return fmt.Sprintf("tcp:%s:%d", l.Host, l.TCPPort)
	case "file":
		return "file:" + l.Path
	}
	return l.Kind
}

// Frame is the wire schema of the acquisition device.
type Frame struct {
	Format          string        `yaml:"format" mapstructure:"format"` // framed | csv | packed
	Sync            []int         `yaml:"sync" mapstructure:"sync"`
	SampleType      string        `yaml:"sample_type" mapstructure:"sample_type"` // int16 | int24 | float32
	ByteOrder       string        `yaml:"byte_order" mapstructure:"byte_order"`   // big | little
	SequenceBytes   int           `yaml:"sequence_bytes" mapstructure:"sequence_bytes"`
	Checksum        string        `yaml:"checksum" mapstructure:"checksum"` // none | sum8 | xor8
	Scale           float64       `yaml:"scale" mapstructure:"scale"`
	PackPoints      int           `yaml:"pack_points" mapstructure:"pack_points"`
	ResyncThreshold int           `yaml:"resync_threshold" mapstructure:"resync_threshold"`
	ResyncWindow    time.Duration `yaml:"resync_window" mapstructure:"resync_window"`
	MaxBuffer       int           `yaml:"max_buffer" mapstructure:"max_buffer"`
}

type Session struct {
	Subject       string   `yaml:"subject" mapstructure:"subject"`
	Mode          string   `yaml:"mode" mapstructure:"mode"` // online | recording
	SampleRate    float64  `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels      int      `yaml:"channels" mapstructure:"channels"`
	ChannelLabels []string `yaml:"channel_labels" mapstructure:"channel_labels"`
	EEGChannels   []int    `yaml:"eeg_channels" mapstructure:"eeg_channels"` // model input; empty means all
	WindowSeconds float64  `yaml:"window_seconds" mapstructure:"window_seconds"`
	EpochSeconds  float64  `yaml:"epoch_seconds" mapstructure:"epoch_seconds"`
	Overlap       float64  `yaml:"overlap" mapstructure:"overlap"`
}

type Acquisition struct {
	Link  Link  `yaml:"link" mapstructure:"link"`
	Frame Frame `yaml:"frame" mapstructure:"frame"`
}

// Device is the rehabilitation device. An empty link kind shares the
// acquisition link.
type Device struct {
	Link Link `yaml:"link" mapstructure:"link"`
}

// Shared reports whether commands travel over the acquisition link.
func (d Device) Shared() bool { return d.Link.Kind == "" }

type DSP struct {
	BandLow        float64 `yaml:"band_low" mapstructure:"band_low"`
	BandHigh       float64 `yaml:"band_high" mapstructure:"band_high"`
	FilterOrder    int     `yaml:"filter_order" mapstructure:"filter_order"`
	NotchHz        float64 `yaml:"notch_hz" mapstructure:"notch_hz"`
	NotchQ         float64 `yaml:"notch_q" mapstructure:"notch_q"`
	Decimation     int     `yaml:"decimation" mapstructure:"decimation"`
	DCTimeConstant float64 `yaml:"dc_time_constant" mapstructure:"dc_time_constant"`
	Stateless      bool    `yaml:"stateless" mapstructure:"stateless"`
}

type Model struct {
	Path    string   `yaml:"path" mapstructure:"path"`
	Classes []string `yaml:"classes" mapstructure:"classes"`
}

type Decision struct {
	Debounce          int           `yaml:"debounce" mapstructure:"debounce"`
	MinConfidence     float64       `yaml:"min_confidence" mapstructure:"min_confidence"`
	SignalLossTimeout time.Duration `yaml:"signal_loss_timeout" mapstructure:"signal_loss_timeout"`
	// IdleLabels never become commands.
	IdleLabels []string `yaml:"idle_labels" mapstructure:"idle_labels"`
}

type Dispatch struct {
	Commands        map[string]string `yaml:"commands" mapstructure:"commands"`
	StopToken       string            `yaml:"stop_token" mapstructure:"stop_token"`
	ResetToken      string            `yaml:"reset_token" mapstructure:"reset_token"`
	AckToken        string            `yaml:"ack_token" mapstructure:"ack_token"`
	AckTimeout      time.Duration     `yaml:"ack_timeout" mapstructure:"ack_timeout"`
	CompletionToken string            `yaml:"completion_token" mapstructure:"completion_token"`
	Dwell           time.Duration     `yaml:"dwell" mapstructure:"dwell"`
	Retries         int               `yaml:"retries" mapstructure:"retries"`
	RetryDelay      time.Duration     `yaml:"retry_delay" mapstructure:"retry_delay"`
	RetryMaxDelay   time.Duration     `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	Automation      bool              `yaml:"automation" mapstructure:"automation"`
	TrialResults    bool              `yaml:"trial_results" mapstructure:"trial_results"`
	Strict          bool              `yaml:"strict" mapstructure:"strict"`
	PhaseTriggers   map[string]string `yaml:"phase_triggers" mapstructure:"phase_triggers"`
}

type Scheduler struct {
	MissedTickThreshold  int           `yaml:"missed_tick_threshold" mapstructure:"missed_tick_threshold"`
	RecoveryTicks        int           `yaml:"recovery_ticks" mapstructure:"recovery_ticks"`
	MaxTransportErrors   int           `yaml:"max_transport_errors" mapstructure:"max_transport_errors"`
	MaxCommandFailures   int           `yaml:"max_command_failures" mapstructure:"max_command_failures"`
	SignalLossFaultAfter time.Duration `yaml:"signal_loss_fault_after" mapstructure:"signal_loss_fault_after"`
	DisplayQueue         int           `yaml:"display_queue" mapstructure:"display_queue"`
	SnapshotEvery        int           `yaml:"snapshot_every" mapstructure:"snapshot_every"`
}

type Labeler struct {
	BoundaryPolicy string `yaml:"boundary_policy" mapstructure:"boundary_policy"` // end | start
}

type Recording struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

type MQTT struct {
	Broker      string `yaml:"broker" mapstructure:"broker"`
	ClientID    string `yaml:"client_id" mapstructure:"client_id"`
	Username    string `yaml:"username" mapstructure:"username"`
	Password    string `yaml:"password" mapstructure:"password"`
	QoS         int    `yaml:"qos" mapstructure:"qos"`
	TopicPrefix string `yaml:"topic_prefix" mapstructure:"topic_prefix"`
	PhaseTopic  string `yaml:"phase_topic" mapstructure:"phase_topic"`
	Encoding    string `yaml:"encoding" mapstructure:"encoding"` // json | msgpack
}

type Status struct {
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`
	MQTT     MQTT   `yaml:"mqtt" mapstructure:"mqtt"`
}

type Service struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// Services are the HTTP collaborators outside the session loop.
type Services struct {
	Workshop  Service `yaml:"workshop" mapstructure:"workshop"`
	Dashboard Service `yaml:"dashboard" mapstructure:"dashboard"`
}

type Root struct {
	Pipeline struct {
		Name    string `yaml:"name" mapstructure:"name"`
		Version string `yaml:"version" mapstructure:"version"`
		LogLvl  string `yaml:"log_level" mapstructure:"log_level"`
	} `yaml:"pipeline" mapstructure:"pipeline"`
	Session     Session     `yaml:"session" mapstructure:"session"`
	Acquisition Acquisition `yaml:"acquisition" mapstructure:"acquisition"`
	Device      Device      `yaml:"device" mapstructure:"device"`
	DSP         DSP         `yaml:"dsp" mapstructure:"dsp"`
	Model       Model       `yaml:"model" mapstructure:"model"`
	Decision    Decision    `yaml:"decision" mapstructure:"decision"`
	Dispatch    Dispatch    `yaml:"dispatch" mapstructure:"dispatch"`
	Scheduler   Scheduler   `yaml:"scheduler" mapstructure:"scheduler"`
	Labeler     Labeler     `yaml:"labeler" mapstructure:"labeler"`
	Recording   Recording   `yaml:"recording" mapstructure:"recording"`
	Status      Status      `yaml:"status" mapstructure:"status"`
	Services    Services    `yaml:"services" mapstructure:"services"`
	Paths       struct {
		Data    string `yaml:"data" mapstructure:"data"`
		Models  string `yaml:"models" mapstructure:"models"`
		Outputs string `yaml:"outputs" mapstructure:"outputs"`
	} `yaml:"paths" mapstructure:"paths"`
}

// RingCapacity is the per-channel sample capacity of the ring buffer.
func (r *Root) RingCapacity() int {
	return int(math.Round(r.Session.SampleRate * r.Session.WindowSeconds))
}

// EpochSamples is the post-decimation epoch length.
func (r *Root) EpochSamples() int {
	d := r.DSP.Decimation
	if d < 1 {
		d = 1
	}
	return int(math.Round(r.Session.EpochSeconds*r.Session.SampleRate)) / d
}

// ModelChannels returns the acquisition channel indices fed to DSP and
// the model, in order.
func (r *Root) ModelChannels() []int {
	if len(r.Session.EEGChannels) > 0 {
		return append([]int(nil), r.Session.EEGChannels...)
	}
	idx := make([]int, r.Session.Channels)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// TickPeriod is derived from the epoch length and overlap.
func (r *Root) TickPeriod() time.Duration {
	step := r.Session.EpochSeconds * (1 - r.Session.Overlap)
	return time.Duration(step * float64(time.Second))
}

// RecordingMode reports whether epochs are labeled.
func (r *Root) RecordingMode() bool { return r.Session.Mode == "recording" }

// guessPaths lists config locations tried when no explicit path is given.
func guessPaths() []string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return []string{
		filepath.Join("config", env, "config.yaml"),
		"config.yaml",
	}
}
