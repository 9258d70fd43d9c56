package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, with dots mapped
// to underscores: EDMO_BCI_SESSION_SAMPLE_RATE.
const EnvPrefix = "EDMO_BCI"

// Default returns the configuration used when no file overrides a key.
func Default() *Root {
	var r Root
	r.Pipeline.Name = "edmo-bci"
	r.Pipeline.Version = "0.1.0"
	r.Pipeline.LogLvl = "info"

	r.Session = Session{
		Mode:          "online",
		SampleRate:    250,
		Channels:      8,
		WindowSeconds: 10,
		EpochSeconds:  1,
		Overlap:       0.5,
	}
	r.Acquisition = Acquisition{
		Link: Link{
			Kind:        "serial",
			Port:        "/dev/ttyUSB0",
			Baud:        115200,
			ChunkSize:   512,
			ReadTimeout: 50 * time.Millisecond,
			DialTimeout: 5 * time.Second,
		},
		Frame: Frame{
			Format:          "framed",
			Sync:            []int{0xAA, 0x55},
			SampleType:      "int16",
			ByteOrder:       "big",
			SequenceBytes:   1,
			Checksum:        "sum8",
			Scale:           1,
			PackPoints:      40,
			ResyncThreshold: 20,
			ResyncWindow:    5 * time.Second,
			MaxBuffer:       1 << 16,
		},
	}
	r.DSP = DSP{
		BandLow:        8,
		BandHigh:       30,
		FilterOrder:    4,
		NotchHz:        50,
		NotchQ:         30,
		Decimation:     1,
		DCTimeConstant: 2,
	}
	r.Model = Model{
		Path:    filepath.Join("models", "mi.yaml"),
		Classes: []string{"left", "right"},
	}
	r.Decision = Decision{
		Debounce:          3,
		MinConfidence:     0.6,
		SignalLossTimeout: 2 * time.Second,
	}
	r.Dispatch = Dispatch{
		Commands:      map[string]string{"left": "L\n", "right": "R\n"},
		StopToken:     "S\n",
		ResetToken:    "E\n",
		AckTimeout:    500 * time.Millisecond,
		Dwell:         150 * time.Millisecond,
		Retries:       3,
		RetryDelay:    50 * time.Millisecond,
		RetryMaxDelay: 500 * time.Millisecond,
		PhaseTriggers: map[string]string{"imagine": "T\n", "rest": "E\n"},
	}
	r.Scheduler = Scheduler{
		MissedTickThreshold:  3,
		RecoveryTicks:        5,
		MaxTransportErrors:   5,
		MaxCommandFailures:   3,
		SignalLossFaultAfter: 10 * time.Second,
		DisplayQueue:         64,
		SnapshotEvery:        1,
	}
	r.Labeler.BoundaryPolicy = "end"
	r.Status = Status{
		HTTPAddr: "127.0.0.1:8090",
		MQTT: MQTT{
			ClientID:    "edmo-bci",
			QoS:         1,
			TopicPrefix: "edmo/bci",
			Encoding:    "json",
		},
	}
	r.Paths.Data = "data"
	r.Paths.Models = "models"
	r.Paths.Outputs = "outputs"
	return &r
}

// NewViper returns a viper instance seeded with Default and wired to the
// environment. Callers may bind flags before calling Load.
func NewViper() (*viper.Viper, error) {
	raw, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load layers the file at path (or the first guessed path that exists)
// over v and decodes the result. The returned config is validated.
func Load(v *viper.Viper, path string) (*Root, error) {
	file := path
	if file == "" {
		for _, p := range guessPaths() {
			if _, err := os.Stat(p); err == nil {
				file = p
				break
			}
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config %s: %w", file, err)
		}
	}
	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile is Load with a fresh viper instance.
func LoadFile(path string) (*Root, error) {
	v, err := NewViper()
	if err != nil {
		return nil, err
	}
	return Load(v, path)
}

// WriteDefault writes Default as YAML to path.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("config encode: %w", err)
	}
	return enc.Close()
}

// SyncBytes returns the frame header as bytes.
func (f Frame) SyncBytes() []byte {
	b := make([]byte, len(f.Sync))
	for i, s := range f.Sync {
		b[i] = byte(s)
	}
	return b
}

var validLinks = map[string]bool{"serial": true, "bluetooth": true, "tcp": true, "file": true, "memory": true}

func (l Link) validate(name string) error {
	if !validLinks[l.Kind] {
		return fmt.Errorf("config: %s.kind %q unknown", name, l.Kind)
	}
	switch l.Kind {
	case "serial":
		if l.Port == "" || l.Baud <= 0 {
			return fmt.Errorf("config: %s needs port and baud", name)
		}
	case "bluetooth":
		if l.Address == "" {
			return fmt.Errorf("config: %s needs address", name)
		}
	case "tcp":
		if l.Host == "" || l.TCPPort <= 0 {
			return fmt.Errorf("config: %s needs host and tcp_port", name)
		}
	case "file":
		if l.Path == "" {
			return fmt.Errorf("config: %s needs path", name)
		}
	}
	if l.ReadTimeout < 0 {
		return fmt.Errorf("config: %s.read_timeout must not be negative", name)
	}
	return nil
}

// Validate fails fast on the first inconsistent setting.
func (r *Root) Validate() error {
	s := r.Session
	switch {
	case s.SampleRate <= 0:
		return errors.New("config: session.sample_rate must be positive")
	case s.Channels < 1:
		return errors.New("config: session.channels must be at least 1")
	case len(s.ChannelLabels) != 0 && len(s.ChannelLabels) != s.Channels:
		return fmt.Errorf("config: %d channel labels for %d channels", len(s.ChannelLabels), s.Channels)
	case s.EpochSeconds <= 0:
		return errors.New("config: session.epoch_seconds must be positive")
	case s.WindowSeconds < s.EpochSeconds:
		return errors.New("config: session.window_seconds shorter than one epoch")
	case s.Overlap < 0 || s.Overlap >= 1:
		return errors.New("config: session.overlap must be in [0,1)")
	case s.Mode != "online" && s.Mode != "recording":
		return fmt.Errorf("config: session.mode %q unknown", s.Mode)
	}
	seen := make(map[int]bool, len(s.EEGChannels))
	for _, ch := range s.EEGChannels {
		if ch < 0 || ch >= s.Channels {
			return fmt.Errorf("config: eeg channel %d outside 0..%d", ch, s.Channels-1)
		}
		if seen[ch] {
			return fmt.Errorf("config: eeg channel %d listed twice", ch)
		}
		seen[ch] = true
	}

	if err := r.Acquisition.Link.validate("acquisition.link"); err != nil {
		return err
	}
	if !r.Device.Shared() {
		if err := r.Device.Link.validate("device.link"); err != nil {
			return err
		}
	}

	f := r.Acquisition.Frame
	switch f.Format {
	case "framed":
		if len(f.Sync) == 0 {
			return errors.New("config: framed format needs sync bytes")
		}
		for _, b := range f.Sync {
			if b < 0 || b > 0xFF {
				return fmt.Errorf("config: sync byte %d out of range", b)
			}
		}
	case "packed":
		if f.PackPoints < 1 {
			return errors.New("config: packed format needs pack_points")
		}
	case "csv":
	default:
		return fmt.Errorf("config: frame.format %q unknown", f.Format)
	}
	switch f.SampleType {
	case "int16", "int24", "float32":
	default:
		return fmt.Errorf("config: frame.sample_type %q unknown", f.SampleType)
	}
	switch f.Checksum {
	case "none", "sum8", "xor8":
	default:
		return fmt.Errorf("config: frame.checksum %q unknown", f.Checksum)
	}
	if f.ByteOrder != "big" && f.ByteOrder != "little" {
		return fmt.Errorf("config: frame.byte_order %q unknown", f.ByteOrder)
	}
	if f.SequenceBytes < 0 || f.SequenceBytes > 4 {
		return errors.New("config: frame.sequence_bytes must be 0..4")
	}
	if f.Scale == 0 {
		return errors.New("config: frame.scale must not be zero")
	}

	d := r.DSP
	nyq := s.SampleRate / 2
	switch {
	case d.Decimation < 1:
		return errors.New("config: dsp.decimation must be at least 1")
	case d.FilterOrder < 2 || d.FilterOrder%2 != 0:
		return errors.New("config: dsp.filter_order must be even and at least 2")
	case d.BandLow < 0 || d.BandHigh <= d.BandLow:
		return errors.New("config: dsp band edges must satisfy 0 <= low < high")
	case d.BandHigh >= nyq:
		return fmt.Errorf("config: dsp.band_high %.1f Hz at or above Nyquist %.1f Hz", d.BandHigh, nyq)
	case d.NotchHz < 0 || d.NotchHz >= nyq:
		return fmt.Errorf("config: dsp.notch_hz %.1f Hz out of range", d.NotchHz)
	case d.NotchHz > 0 && d.NotchQ <= 0:
		return errors.New("config: dsp.notch_q must be positive")
	case d.DCTimeConstant <= 0:
		return errors.New("config: dsp.dc_time_constant must be positive")
	case d.BandHigh >= s.SampleRate/float64(2*d.Decimation):
		return errors.New("config: dsp.decimation aliases the pass band")
	}
	if r.EpochSamples() < 2 {
		return errors.New("config: epoch shorter than two samples")
	}
	if r.TickPeriod() <= 0 {
		return errors.New("config: tick period must be positive")
	}

	if len(r.Model.Classes) < 2 {
		return errors.New("config: model.classes needs at least two classes")
	}
	if r.Decision.Debounce < 1 {
		return errors.New("config: decision.debounce must be at least 1")
	}
	if r.Decision.MinConfidence < 0 || r.Decision.MinConfidence > 1 {
		return errors.New("config: decision.min_confidence must be in [0,1]")
	}
	if r.Decision.SignalLossTimeout <= 0 {
		return errors.New("config: decision.signal_loss_timeout must be positive")
	}

	p := r.Dispatch
	if len(p.Commands) == 0 {
		return errors.New("config: dispatch.commands is empty")
	}
	if p.Retries < 0 {
		return errors.New("config: dispatch.retries must not be negative")
	}
	if p.AckToken != "" && p.AckTimeout <= 0 {
		return errors.New("config: dispatch.ack_timeout must be positive when ack_token is set")
	}
	// The decoder consumes every inbound byte of a shared link.
	if r.Device.Shared() && (p.AckToken != "" || p.CompletionToken != "") {
		return errors.New("config: ack and completion tokens need a dedicated device link")
	}
	for ph := range p.PhaseTriggers {
		switch ph {
		case "fixation", "cue", "imagine", "rest", "end":
		default:
			return fmt.Errorf("config: dispatch.phase_triggers has unknown phase %q", ph)
		}
	}

	c := r.Scheduler
	if c.MissedTickThreshold < 1 || c.RecoveryTicks < 1 || c.MaxTransportErrors < 1 || c.MaxCommandFailures < 1 {
		return errors.New("config: scheduler thresholds must be at least 1")
	}
	if c.DisplayQueue < 1 {
		return errors.New("config: scheduler.display_queue must be at least 1")
	}
	if c.SignalLossFaultAfter < r.Decision.SignalLossTimeout {
		return errors.New("config: scheduler.signal_loss_fault_after shorter than decision.signal_loss_timeout")
	}

	if r.Labeler.BoundaryPolicy != "end" && r.Labeler.BoundaryPolicy != "start" {
		return fmt.Errorf("config: labeler.boundary_policy %q unknown", r.Labeler.BoundaryPolicy)
	}
	if e := r.Status.MQTT.Encoding; e != "json" && e != "msgpack" {
		return fmt.Errorf("config: status.mqtt.encoding %q unknown", e)
	}
	return nil
}
