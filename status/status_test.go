package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/maastricht-university/edmo-bci/config"
	"github.com/maastricht-university/edmo-bci/events"
	"github.com/maastricht-university/edmo-bci/orchestrator"
	"github.com/maastricht-university/edmo-bci/transport"
)

func init() { gin.SetMode(gin.TestMode) }

func startSession(t *testing.T, mgr *orchestrator.Manager, path string) *orchestrator.Pipeline {
	t.Helper()
	c := config.Default()
	c.Session.Channels = 2
	c.Acquisition.Link = config.Link{Kind: "file", Path: path}
	c.Model.Path = ""
	c.Paths.Outputs = ""
	log, _ := test.NewNullLogger()
	p, err := orchestrator.New(c, log, orchestrator.WithOpener(func(context.Context, config.Link) (transport.Transport, error) {
		return transport.NewMemory(), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Add(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServerRoutes(t *testing.T) {
	log, _ := test.NewNullLogger()
	mgr := orchestrator.NewManager(log)
	h := NewServer("127.0.0.1:0", mgr, log).Handler()

	if w := do(t, h, http.MethodPost, "/phase", `{"trial_id":1,"phase":"cue"}`); w.Code != http.StatusNotFound {
		t.Errorf("phase without session = %d", w.Code)
	}

	p := startSession(t, mgr, "a.bin")
	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"sessions":1`) {
		t.Errorf("health = %d %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodGet, "/sessions/"+p.ID(), "")
	var st orchestrator.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.Session != p.ID() || st.State != orchestrator.StateRunning {
		t.Errorf("session = %d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodGet, "/sessions/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d", w.Code)
	}

	cases := []struct {
		name, target, body string
		want               int
	}{
		{"phase", "/phase", `{"trial_id":1,"phase":"imagine","class":"left"}`, http.StatusAccepted},
		{"bad phase", "/phase", `{"trial_id":1,"phase":"blink"}`, http.StatusBadRequest},
		{"bad json", "/phase", `{`, http.StatusBadRequest},
		{"model", "/model", `{"path":"models/v2.yaml"}`, http.StatusAccepted},
		{"model without path", "/model", `{}`, http.StatusBadRequest},
		{"named session", "/model?session=" + p.ID(), `{"path":"m.yaml"}`, http.StatusAccepted},
		{"unknown session", "/model?session=nope", `{"path":"m.yaml"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, tc.target, tc.body); w.Code != tc.want {
				t.Errorf("%s = %d %s, want %d", tc.target, w.Code, w.Body, tc.want)
			}
		})
	}

	startSession(t, mgr, "b.bin")
	if w := do(t, h, http.MethodPost, "/phase", `{"trial_id":2,"phase":"cue"}`); w.Code != http.StatusConflict {
		t.Errorf("ambiguous phase = %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/status", "")
	if !strings.Contains(w.Body.String(), `"count":2`) {
		t.Errorf("status = %s", w.Body)
	}
	if w := do(t, h, http.MethodPost, "/sessions/"+p.ID()+"/stop", ""); w.Code != http.StatusAccepted {
		t.Errorf("stop = %d", w.Code)
	}
}

type fakeToken struct{ err error }

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct{ got []published }

func (f *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	f.got = append(f.got, published{topic, retained, payload.([]byte)})
	return fakeToken{}
}

func newTestEmitter(t *testing.T, encoding string) (*Emitter, *fakePublisher) {
	t.Helper()
	log, _ := test.NewNullLogger()
	cfg := config.Default().Status.MQTT
	cfg.Encoding = encoding
	e := NewEmitter(cfg, log)
	f := &fakePublisher{}
	e.pub = f
	return e, f
}

func TestEmitterForward(t *testing.T) {
	e, f := newTestEmitter(t, "json")
	ev := events.Event{Kind: events.KindIntent, Session: "s1", At: time.Now(), Payload: map[string]string{"label": "left"}}

	if err := e.Forward(ev); err != ErrNotConnected {
		t.Fatalf("forward while offline = %v", err)
	}
	e.setConnected(true)
	for _, ev := range []events.Event{
		ev,
		{Kind: events.KindTraffic, Session: "s1", Payload: "RX: AA 55"},
		{Kind: events.KindStatus, Session: "s1", Payload: map[string]string{"state": "running"}},
	} {
		if err := e.Forward(ev); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.got) != 2 {
		t.Fatalf("published %d messages", len(f.got))
	}
	if f.got[0].topic != "edmo/bci/s1/intent" || f.got[0].retained {
		t.Errorf("intent = %+v", f.got[0])
	}
	if f.got[1].topic != "edmo/bci/s1/status" || !f.got[1].retained {
		t.Errorf("status = %+v", f.got[1])
	}
	var back events.Event
	if err := json.Unmarshal(f.got[0].payload, &back); err != nil || back.Kind != events.KindIntent {
		t.Errorf("payload = %s", f.got[0].payload)
	}
	counts, errs := e.Stats()
	if counts["edmo/bci/s1/intent"] != 1 || errs != 1 {
		t.Errorf("stats = %v errors %d", counts, errs)
	}
}

func TestEmitterMsgpack(t *testing.T) {
	e, f := newTestEmitter(t, "msgpack")
	e.setConnected(true)
	ev := events.Event{Kind: events.KindTrial, Session: "s2", Payload: map[string]any{"trial_id": 4, "success": true}}
	if err := e.Forward(ev); err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := msgpack.Unmarshal(f.got[0].payload, &back); err != nil {
		t.Fatal(err)
	}
	if back["kind"] != "trial" || back["session"] != "s2" {
		t.Errorf("decoded = %v", back)
	}
}

func TestEmitterRunStopsWithBus(t *testing.T) {
	e, f := newTestEmitter(t, "json")
	e.setConnected(true)
	bus := events.NewBus()
	sub, err := bus.Subscribe("mqtt", 8)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), sub)
		close(done)
	}()
	bus.Publish(events.Event{Kind: events.KindCommand, Session: "s3", Payload: "L"})
	bus.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter did not stop")
	}
	if len(f.got) != 1 || f.got[0].topic != "edmo/bci/s3/command" {
		t.Errorf("published = %+v", f.got)
	}
}

func TestHandlePhase(t *testing.T) {
	log, _ := test.NewNullLogger()
	mgr := orchestrator.NewManager(log)
	e, _ := newTestEmitter(t, "json")
	if err := e.HandlePhase(mgr, []byte(`{"phase":"cue"}`)); err == nil {
		t.Error("phase accepted with no session")
	}
	p := startSession(t, mgr, "c.bin")
	if err := e.HandlePhase(mgr, []byte(`{"session":"`+p.ID()+`","trial_id":3,"phase":"imagine","class":"right"}`)); err != nil {
		t.Errorf("phase = %v", err)
	}
	if err := e.HandlePhase(mgr, []byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
}
