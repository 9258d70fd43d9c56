package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/maastricht-university/edmo-bci/orchestrator"
)

// --- Dashboard (/sessions/summary) ---

type SummaryReq struct {
	SessionID string  `json:"session_id"`
	Subject   string  `json:"subject,omitempty"`
	Mode      string  `json:"mode"`
	Final     string  `json:"final_state"`
	Reason    string  `json:"reason,omitempty"`
	Duration  float64 `json:"duration_s"`
	Trials    int     `json:"trials"`
	Successes int     `json:"successes"`
	Accuracy  float64 `json:"accuracy"`
	Commands  int     `json:"commands"`
	Epochs    int     `json:"epochs"`
	// Timestamps are seconds since session start, one per intent change.
	Timestamps []float64 `json:"timestamps"`
	Intents    []string  `json:"intents"`
	OutputDir  string    `json:"output_dir,omitempty"`
}

type SummaryResp struct{ Status, Path string }

// SummaryFrom condenses a session manifest for the dashboard.
func SummaryFrom(m orchestrator.Manifest) SummaryReq {
	s := SummaryReq{
		SessionID:  m.SessionID,
		Subject:    m.Subject,
		Mode:       m.Mode,
		Final:      string(m.Final),
		Reason:     m.Reason,
		Duration:   m.EndedAt.Sub(m.StartedAt).Seconds(),
		Trials:     len(m.Trials),
		Commands:   m.Counters.Commands,
		Epochs:     m.Counters.Epochs,
		OutputDir:  m.Dir,
		Timestamps: []float64{},
		Intents:    []string{},
	}
	for _, t := range m.Trials {
		if t.Success {
			s.Successes++
		}
	}
	if s.Trials > 0 {
		s.Accuracy = float64(s.Successes) / float64(s.Trials)
	}
	for _, e := range m.Timeline {
		if e.Kind != "intent" || e.Intent == nil {
			continue
		}
		s.Timestamps = append(s.Timestamps, e.At.Sub(m.StartedAt).Seconds())
		s.Intents = append(s.Intents, e.Intent.Label)
	}
	return s
}

func (h *HTTP) PostSummary(ctx context.Context, base string, req SummaryReq) (*SummaryResp, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/sessions/summary", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	resp, err := h.c.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("dashboard summary", resp)
	}
	var out SummaryResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("dashboard summary decode: %w", err)
	}
	return &out, nil
}
