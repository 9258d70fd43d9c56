package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/maastricht-university/edmo-bci/bci"
	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/transport"
)

type fixture struct {
	d      *Dispatcher
	link   *transport.Memory
	now    time.Time
	waited []time.Duration
}

func baseConfig() config.Dispatch {
	return config.Dispatch{
		Commands:      map[string]string{"left": "L\n", "right": "R\n", "up": "U\n"},
		StopToken:     "S\n",
		ResetToken:    "E\n",
		AckTimeout:    20 * time.Millisecond,
		Dwell:         150 * time.Millisecond,
		Retries:       3,
		RetryDelay:    50 * time.Millisecond,
		RetryMaxDelay: 500 * time.Millisecond,
		PhaseTriggers: map[string]string{"imagine": "T\n"},
	}
}

func newFixture(t *testing.T, c config.Dispatch, readable bool) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &fixture{link: transport.NewMemory(), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.d = New(c, f.link, readable, log,
		WithClock(func() time.Time { return f.now }),
		WithWait(func(ctx context.Context, d time.Duration) error {
			f.waited = append(f.waited, d)
			return ctx.Err()
		}))
	return f
}

func intent(label string) bci.StableIntent { return bci.StableIntent{Label: label} }

func TestDispatchMapsLabels(t *testing.T) {
	f := newFixture(t, baseConfig(), false)
	cmd, err := f.d.Dispatch(context.Background(), intent("left"))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Token != "L\n" || cmd.Label != "left" || cmd.Retries != 0 || cmd.Acked {
		t.Errorf("command = %+v", cmd)
	}
	if _, err := f.d.Dispatch(context.Background(), intent(bci.IdleLabel)); !errors.Is(err, ErrUnmapped) {
		t.Errorf("want ErrUnmapped, got %v", err)
	}
	if got := f.link.Writes(); !slices.Equal(got, []string{"L\n"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestRetries(t *testing.T) {
	transient := os.ErrDeadlineExceeded
	tests := []struct {
		name      string
		failures  []error
		wantErr   bool
		attempts  int
		wantWaits []time.Duration
	}{
		{"first try", nil, false, 1, nil},
		{"two transient failures", []error{transient, transient}, false, 3,
			[]time.Duration{50 * time.Millisecond, 100 * time.Millisecond}},
		{"exhausted", []error{transient, transient, transient, transient}, true, 4,
			[]time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}},
		{"disconnect is not retried", []error{io.EOF}, true, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, baseConfig(), false)
			f.link.FailWrites(tt.failures...)
			cmd, err := f.d.Dispatch(context.Background(), intent("right"))
			if got := len(f.link.Log()); got != tt.attempts {
				t.Errorf("%d write attempts, want %d", got, tt.attempts)
			}
			if !slices.Equal(f.waited, tt.wantWaits) {
				t.Errorf("waits = %v, want %v", f.waited, tt.wantWaits)
			}
			if !tt.wantErr {
				if err != nil || cmd.Retries != tt.attempts-1 {
					t.Fatalf("cmd = %+v err = %v", cmd, err)
				}
				return
			}
			var df *bci.CommandDeliveryFailed
			if !errors.As(err, &df) || df.Attempts != tt.attempts || df.Token != "R\n" {
				t.Fatalf("want CommandDeliveryFailed after %d attempts, got %v", tt.attempts, err)
			}
			if f.d.Stats().Failures != 1 {
				t.Errorf("stats = %+v", f.d.Stats())
			}
		})
	}
}

func TestDisconnectSurfaces(t *testing.T) {
	f := newFixture(t, baseConfig(), false)
	f.link.FailWrites(io.EOF)
	_, err := f.d.Dispatch(context.Background(), intent("left"))
	if !errors.Is(err, bci.ErrDeviceDisconnected) {
		t.Fatalf("want ErrDeviceDisconnected in chain, got %v", err)
	}
}

func TestAckWindow(t *testing.T) {
	c := baseConfig()
	c.AckToken = "K\n"
	c.Retries = 1

	t.Run("acked", func(t *testing.T) {
		f := newFixture(t, c, true)
		f.link.OnWrite(func(p []byte) { f.link.Push([]byte("K\r\n")) })
		cmd, err := f.d.Dispatch(context.Background(), intent("left"))
		if err != nil || !cmd.Acked {
			t.Fatalf("cmd = %+v err = %v", cmd, err)
		}
		if fb := f.d.Feedback(); !slices.Equal(fb, []string{"K"}) {
			t.Errorf("feedback = %q", fb)
		}
	})
	t.Run("silent device", func(t *testing.T) {
		f := newFixture(t, c, true)
		_, err := f.d.Dispatch(context.Background(), intent("left"))
		if !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("want ErrAckTimeout, got %v", err)
		}
		if got := f.link.Writes(); len(got) != 2 {
			t.Errorf("writes = %q, want one retry", got)
		}
	})
	t.Run("shared link never reads", func(t *testing.T) {
		f := newFixture(t, c, false)
		f.link.Push([]byte("eeg bytes"))
		cmd, err := f.d.Dispatch(context.Background(), intent("left"))
		if err != nil || cmd.Acked {
			t.Fatalf("cmd = %+v err = %v", cmd, err)
		}
		if p, _ := f.link.ReadAvailable(context.Background()); string(p) != "eeg bytes" {
			t.Error("dispatcher consumed acquisition bytes")
		}
	})
}

func TestAutomationDwell(t *testing.T) {
	c := baseConfig()
	c.Automation = true
	f := newFixture(t, c, false)
	ctx := context.Background()

	if _, err := f.d.Dispatch(ctx, intent("left")); err != nil {
		t.Fatal(err)
	}
	if f.d.State() != AwaitingCompletion {
		t.Fatalf("state = %v", f.d.State())
	}
	for _, l := range []string{"right", "up"} {
		if _, err := f.d.Dispatch(ctx, intent(l)); !errors.Is(err, ErrBusy) {
			t.Fatalf("want ErrBusy, got %v", err)
		}
	}
	if p, ok := f.d.Pending(); !ok || p.Label != "up" {
		t.Fatalf("pending = %+v, want latest intent", p)
	}

	steps := []struct {
		after time.Duration
		state AutoState
		sent  []string
	}{
		{100 * time.Millisecond, AwaitingCompletion, nil},
		{50 * time.Millisecond, Resetting, []string{"E\n"}},
		{149 * time.Millisecond, Resetting, nil},
		{1 * time.Millisecond, AwaitingCompletion, []string{"U\n"}},
	}
	for i, s := range steps {
		f.now = f.now.Add(s.after)
		cmds, err := f.d.Poll(ctx, f.now)
		if err != nil {
			t.Fatal(err)
		}
		var tokens []string
		for _, c := range cmds {
			tokens = append(tokens, c.Token)
		}
		if !slices.Equal(tokens, s.sent) || f.d.State() != s.state {
			t.Errorf("step %d: sent %q state %v, want %q %v", i, tokens, f.d.State(), s.sent, s.state)
		}
	}
	if got := f.link.Writes(); !slices.Equal(got, []string{"L\n", "E\n", "U\n"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestAutomationCompletionToken(t *testing.T) {
	c := baseConfig()
	c.Automation = true
	c.CompletionToken = "D\n"
	f := newFixture(t, c, true)
	ctx := context.Background()

	f.d.Dispatch(ctx, intent("left"))
	f.now = f.now.Add(time.Second)
	if cmds, _ := f.d.Poll(ctx, f.now); len(cmds) != 0 {
		t.Fatalf("reset sent before completion: %+v", cmds)
	}
	f.link.Push([]byte("D\n"))
	cmds, err := f.d.Poll(ctx, f.now)
	if err != nil || len(cmds) != 1 || cmds[0].Token != "E\n" {
		t.Fatalf("cmds = %+v err = %v", cmds, err)
	}
	f.link.Push([]byte("D\n"))
	f.d.Poll(ctx, f.now)
	if f.d.State() != AutoIdle {
		t.Errorf("state = %v", f.d.State())
	}
}

func TestDispatchTrial(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		strict  bool
		success bool
		want    []string
	}{
		{"disabled", false, false, true, nil},
		{"lenient failure", true, false, false, []string{"R\n"}},
		{"strict failure", true, true, false, nil},
		{"strict success", true, true, true, []string{"R\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseConfig()
			c.TrialResults, c.Strict = tt.enabled, tt.strict
			f := newFixture(t, c, false)
			_, err := f.d.DispatchTrial(context.Background(), bci.TrialResult{TrialID: 1, Intended: "left", Predicted: "right", Success: tt.success})
			if tt.want == nil && !errors.Is(err, ErrGated) {
				t.Errorf("want ErrGated, got %v", err)
			}
			if got := f.link.Writes(); !slices.Equal(got, tt.want) {
				t.Errorf("writes = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSafeStopSingleAttempt(t *testing.T) {
	c := baseConfig()
	c.Automation = true
	f := newFixture(t, c, false)
	f.d.Dispatch(context.Background(), intent("left"))
	f.d.Dispatch(context.Background(), intent("right"))

	f.link.FailWrites(os.ErrDeadlineExceeded)
	var df *bci.CommandDeliveryFailed
	if err := f.d.SafeStop(); !errors.As(err, &df) || df.Attempts != 1 {
		t.Fatalf("want single failed attempt, got %v", err)
	}
	if _, ok := f.d.Pending(); ok || f.d.State() != AutoIdle {
		t.Error("safe stop kept automation state")
	}
	if len(f.waited) != 0 {
		t.Errorf("safe stop backed off %v", f.waited)
	}
	if err := f.d.SafeStop(); err != nil {
		t.Fatal(err)
	}
	if got := f.link.Writes(); !slices.Equal(got, []string{"L\n", "S\n"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestTrigger(t *testing.T) {
	f := newFixture(t, baseConfig(), false)
	if _, err := f.d.Trigger(context.Background(), bci.PhaseImagine); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Trigger(context.Background(), bci.PhaseCue); !errors.Is(err, ErrUnmapped) {
		t.Errorf("want ErrUnmapped, got %v", err)
	}
	if got := f.link.Writes(); !slices.Equal(got, []string{"T\n"}) {
		t.Errorf("writes = %q", got)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{5, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
		{65, 500 * time.Millisecond},
		{1000, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, 50*time.Millisecond, 500*time.Millisecond); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	// uncapped delays saturate instead of wrapping negative
	for _, attempt := range []int{40, 64, 200} {
		if got := backoff(attempt, 50*time.Millisecond, 0); got <= 0 {
			t.Errorf("uncapped backoff(%d) = %v", attempt, got)
		}
	}
}
