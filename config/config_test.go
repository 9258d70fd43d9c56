package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDerivedGeometry(t *testing.T) {
	c := Default()
	c.Session.SampleRate = 250
	c.Session.WindowSeconds = 10
	c.Session.EpochSeconds = 1
	c.Session.Overlap = 0.5
	c.DSP.Decimation = 2

	if got := c.RingCapacity(); got != 2500 {
		t.Errorf("RingCapacity = %d, want 2500", got)
	}
	if got := c.EpochSamples(); got != 125 {
		t.Errorf("EpochSamples = %d, want 125", got)
	}
	if got := c.TickPeriod(); got != 500*time.Millisecond {
		t.Errorf("TickPeriod = %v, want 500ms", got)
	}
}

func TestModelChannels(t *testing.T) {
	c := Default()
	c.Session.Channels = 3
	if got := c.ModelChannels(); !slices.Equal(got, []int{0, 1, 2}) {
		t.Errorf("default = %v", got)
	}
	c.Session.EEGChannels = []int{2, 0}
	if got := c.ModelChannels(); !slices.Equal(got, []int{2, 0}) {
		t.Errorf("picked = %v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Root)
		want   string
	}{
		{"band above nyquist", func(r *Root) { r.DSP.BandHigh = 130 }, "Nyquist"},
		{"odd order", func(r *Root) { r.DSP.FilterOrder = 3 }, "filter_order"},
		{"overlap one", func(r *Root) { r.Session.Overlap = 1 }, "overlap"},
		{"ack on shared link", func(r *Root) { r.Dispatch.AckToken = "K\n" }, "dedicated device link"},
		{"bad boundary", func(r *Root) { r.Labeler.BoundaryPolicy = "middle" }, "boundary_policy"},
		{"zero debounce", func(r *Root) { r.Decision.Debounce = 0 }, "debounce"},
		{"unknown link", func(r *Root) { r.Acquisition.Link.Kind = "usb" }, "unknown"},
		{"decimation aliases", func(r *Root) { r.DSP.Decimation = 5 }, "aliases"},
		{"label count", func(r *Root) { r.Session.ChannelLabels = []string{"C3"} }, "channel labels"},
		{"eeg channel range", func(r *Root) { r.Session.EEGChannels = []int{0, 8} }, "outside"},
		{"eeg channel twice", func(r *Root) { r.Session.EEGChannels = []int{1, 1} }, "twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadFileOverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
session:
  sample_rate: 500
  channels: 2
acquisition:
  link:
    kind: tcp
    host: 127.0.0.1
    tcp_port: 8899
decision:
  signal_loss_timeout: 3s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EDMO_BCI_DECISION_DEBOUNCE", "5")

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Session.SampleRate != 500 || c.Session.Channels != 2 {
		t.Errorf("session = %+v", c.Session)
	}
	if c.Acquisition.Link.Kind != "tcp" || c.Acquisition.Link.TCPPort != 8899 {
		t.Errorf("link = %+v", c.Acquisition.Link)
	}
	if c.Decision.SignalLossTimeout != 3*time.Second {
		t.Errorf("signal loss timeout = %v", c.Decision.SignalLossTimeout)
	}
	if c.Decision.Debounce != 5 {
		t.Errorf("env override ignored: debounce = %d", c.Decision.Debounce)
	}
	// untouched keys keep their defaults
	if c.DSP.NotchHz != 50 || c.Dispatch.Commands["left"] != "L\n" {
		t.Errorf("defaults lost: notch %v commands %v", c.DSP.NotchHz, c.Dispatch.Commands)
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if c.Acquisition.Frame.ResyncWindow != 5*time.Second {
		t.Errorf("resync window = %v", c.Acquisition.Frame.ResyncWindow)
	}
	if got := c.Acquisition.Frame.SyncBytes(); len(got) != 2 || got[0] != 0xAA || got[1] != 0x55 {
		t.Errorf("sync = %x", got)
	}
}

func TestLinkKey(t *testing.T) {
	l := Link{Kind: "bluetooth", Address: "aa:bb:cc:dd:ee:ff"}
	if got := l.Key(); got != "bluetooth:AA:BB:CC:DD:EE:FF" {
		t.Errorf("Key = %q", got)
	}
}
