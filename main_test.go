package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/decoder"
)

func TestSimulateDecodes(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Channels = 2
	out := filepath.Join(t.TempDir(), "cap.bin")
	n, marks, err := simulate(cfg, simOpts{out: out, duration: 10 * time.Second, trial: 4 * time.Second, noise: 1, seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2500 || len(marks) != 3 {
		t.Fatalf("samples %d trials %d", n, len(marks))
	}
	if marks[0].Class != "left" || marks[1].Class != "right" || marks[2].End != 10 {
		t.Errorf("marks = %+v", marks)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := decoder.New(cfg.Acquisition.Frame, 2, cfg.Session.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	got := 0
	for range dec.Feed(raw) {
		got++
	}
	if st := dec.Stats(); got != n || st.Dropped != 0 || st.Resyncs != 0 {
		t.Errorf("decoded %d samples, stats %+v", got, st)
	}

	f, err := os.Open(out + ".trials.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); lines++ {
		var m trialMark
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatal(err)
		}
	}
	if lines != 3 {
		t.Errorf("schedule has %d lines", lines)
	}
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.yaml")

	run := func(args ...string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	if _, err := run("config", "init", path); err != nil {
		t.Fatal(err)
	}
	if _, err := run("config", "init", path); err == nil {
		t.Error("init overwrote without --force")
	}
	out, err := run("--config", path, "--subject", "p07", "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "subject: p07") || !strings.Contains(out, "sample_rate: 250") {
		t.Errorf("show =\n%s", out)
	}
}
