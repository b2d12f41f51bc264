package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mikeyg42/emocapture/internal/capture"
	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

// stubDevice emits one chunk per flush.
type stubDevice struct {
	mu      sync.Mutex
	active  bool
	onChunk capture.ChunkFunc
	done    chan struct{}
}

func (d *stubDevice) Start(_ context.Context, onChunk capture.ChunkFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		return capture.ErrAlreadyRecording
	}
	d.active = true
	d.onChunk = onChunk
	d.done = make(chan struct{})
	return nil
}

func (d *stubDevice) RequestFlush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return capture.ErrNotRecording
	}
	d.onChunk(make([]byte, 1500))
	return nil
}

func (d *stubDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return capture.ErrNotRecording
	}
	d.active = false
	close(d.done)
	return nil
}

func (d *stubDevice) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

type stubDispatcher struct {
	mu       sync.Mutex
	payloads []*session.Payload
	err      error
}

func (d *stubDispatcher) Dispatch(_ context.Context, p *session.Payload) (*session.Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.payloads = append(d.payloads, p)
	return &session.Ack{Status: "queued"}, nil
}

type stubCheck struct{ err error }

func (c stubCheck) HealthCheck(context.Context) error { return c.err }

type stateView struct {
	Capture  string          `json:"capture"`
	Queue    string          `json:"queue"`
	Pending  []string        `json:"pending"`
	Recorded []string        `json:"recorded"`
	BatchLen int             `json:"batchLen"`
	Controls map[string]bool `json:"controls"`
}

type testEnv struct {
	srv        *httptest.Server
	api        *Server
	orch       *session.Orchestrator
	dispatcher *stubDispatcher
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Operator.Username = "tester"
	cfg.Operator.TimeZone = "UTC"
	cfg.Capture.StandardDuration = 50 * time.Millisecond
	cfg.Capture.PoolDuration = 100 * time.Millisecond
	cfg.Capture.SegmentDuration = 50 * time.Millisecond
	cfg.Capture.CountdownDuration = 0
	cfg.Capture.SettleDelay = 5 * time.Millisecond
	cfg.Capture.FinalizeTimeout = 500 * time.Millisecond
	cfg.API.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	dispatcher := &stubDispatcher{}
	orch, err := session.New(cfg, &stubDevice{}, dispatcher, nil, recorderlog.NewNop())
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, cfg.API, orch, recorderlog.NewNop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		orch.Close()
		if s.limiter != nil {
			s.limiter.Close()
		}
	})
	return &testEnv{srv: srv, api: s, orch: orch, dispatcher: dispatcher}
}

func (e *testEnv) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.orch.Wait(ctx); err != nil {
		t.Fatalf("orchestrator never went idle: %v", err)
	}
}

func TestStateEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var st stateView
	if code := env.do(t, http.MethodGet, "/api/state", &st); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if st.Capture != "idle" || st.Queue != "running" || st.BatchLen != 0 {
		t.Fatalf("unexpected state %+v", st)
	}
	if !st.Controls["start"] || !st.Controls["pool"] || st.Controls["save"] || st.Controls["stop"] {
		t.Fatalf("unexpected controls %+v", st.Controls)
	}
}

func TestStartQueueThenSave(t *testing.T) {
	env := newTestEnv(t, nil)

	if code := env.do(t, http.MethodPost, "/api/record/start", nil); code != http.StatusAccepted {
		t.Fatalf("start status = %d", code)
	}
	var errResp errorResponse
	if code := env.do(t, http.MethodPost, "/api/record/start", &errResp); code != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", code)
	}
	env.wait(t)

	var st stateView
	env.do(t, http.MethodGet, "/api/state", &st)
	if st.BatchLen != 7 || len(st.Recorded) != 7 {
		t.Fatalf("after queue: %+v", st)
	}
	if !st.Controls["save"] {
		t.Fatalf("save should be enabled with a non-empty batch")
	}

	var saved saveResponse
	if code := env.do(t, http.MethodPost, "/api/batch/save", &saved); code != http.StatusOK {
		t.Fatalf("save status = %d", code)
	}
	if saved.Result.Count != 7 || saved.Result.Ack.Status != "queued" {
		t.Fatalf("unexpected flush result %+v", saved.Result)
	}
	if !strings.HasPrefix(saved.Result.Dataset, "calibration_tester_") {
		t.Fatalf("dataset = %q", saved.Result.Dataset)
	}

	env.dispatcher.mu.Lock()
	emotions := env.dispatcher.payloads[0].Emotions
	env.dispatcher.mu.Unlock()
	want := "angry,disgust,fear,happy,neutral,sad,surprise"
	if got := strings.Join(emotions, ","); got != want {
		t.Fatalf("dispatched emotions = %s, want %s", got, want)
	}

	if code := env.do(t, http.MethodPost, "/api/batch/save", &errResp); code != http.StatusUnprocessableEntity {
		t.Fatalf("empty save status = %d, want 422", code)
	}
}

func TestSaveDispatchFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatcher.err = errors.New("backend offline")

	if code := env.do(t, http.MethodPost, "/api/record/label/happy", nil); code != http.StatusAccepted {
		t.Fatalf("label status = %d", code)
	}
	env.wait(t)

	var errResp errorResponse
	if code := env.do(t, http.MethodPost, "/api/batch/save", &errResp); code != http.StatusBadGateway {
		t.Fatalf("save status = %d, want 502", code)
	}
	if !strings.Contains(errResp.Error, "backend offline") {
		t.Fatalf("error = %q", errResp.Error)
	}

	var st stateView
	env.do(t, http.MethodGet, "/api/state", &st)
	if st.BatchLen != 1 {
		t.Fatalf("batch should be restored after a failed save, len = %d", st.BatchLen)
	}
}

func TestLabelAndDiscard(t *testing.T) {
	env := newTestEnv(t, nil)

	var errResp errorResponse
	if code := env.do(t, http.MethodPost, "/api/record/label/bored", &errResp); code != http.StatusNotFound {
		t.Fatalf("unknown label status = %d, want 404", code)
	}
	if code := env.do(t, http.MethodPost, "/api/record/label/Sad", nil); code != http.StatusAccepted {
		t.Fatalf("label status = %d", code)
	}
	env.wait(t)

	var discarded discardResponse
	if code := env.do(t, http.MethodDelete, "/api/batch", &discarded); code != http.StatusOK {
		t.Fatalf("discard status = %d", code)
	}
	if discarded.Discarded != 1 || discarded.State.BatchLen != 0 {
		t.Fatalf("unexpected discard response %+v", discarded)
	}
}

func TestPoolEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	if code := env.do(t, http.MethodPost, "/api/record/pool", nil); code != http.StatusAccepted {
		t.Fatalf("pool status = %d", code)
	}
	env.wait(t)

	var st stateView
	env.do(t, http.MethodGet, "/api/state", &st)
	if st.BatchLen != 2 {
		t.Fatalf("pool of 100ms in 50ms segments should record 2 sessions, got %d", st.BatchLen)
	}
}

func TestPauseResumeStop(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/api/record/start", nil)

	var st stateView
	if code := env.do(t, http.MethodPost, "/api/queue/pause", &st); code != http.StatusOK {
		t.Fatalf("pause status = %d", code)
	}
	if st.Queue != "paused" {
		t.Fatalf("queue = %q after pause", st.Queue)
	}
	env.wait(t)

	env.do(t, http.MethodGet, "/api/state", &st)
	if len(st.Pending) == 0 || !st.Controls["resume"] {
		t.Fatalf("paused queue should keep pending labels: %+v", st)
	}

	if code := env.do(t, http.MethodPost, "/api/queue/stop", &st); code != http.StatusOK {
		t.Fatalf("stop status = %d", code)
	}
	env.wait(t)
	env.do(t, http.MethodGet, "/api/state", &st)
	if len(st.Pending) != 0 || st.Capture != "idle" {
		t.Fatalf("stop should clear the queue: %+v", st)
	}

	if code := env.do(t, http.MethodPost, "/api/queue/resume", &st); code != http.StatusOK {
		t.Fatalf("resume status = %d", code)
	}
}

func TestQueueWaitsForPool(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/api/record/start", nil)
	env.do(t, http.MethodPost, "/api/queue/pause", nil)
	env.wait(t)

	if code := env.do(t, http.MethodPost, "/api/record/pool", nil); code != http.StatusAccepted {
		t.Fatalf("pool status = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/queue/resume", nil); code != http.StatusConflict {
		t.Fatalf("resume during pool status = %d, want 409", code)
	}
	if code := env.do(t, http.MethodPost, "/api/record/label/happy", nil); code != http.StatusConflict {
		t.Fatalf("label during pool status = %d, want 409", code)
	}
	env.wait(t)

	var st stateView
	if code := env.do(t, http.MethodPost, "/api/queue/resume", &st); code != http.StatusOK {
		t.Fatalf("resume after pool status = %d", code)
	}
	env.wait(t)
	env.do(t, http.MethodGet, "/api/state", &st)
	if len(st.Pending) != 0 {
		t.Fatalf("queue should finish after the pool: %+v", st)
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/api/record/label/happy", nil)
	env.wait(t)

	var all eventsResponse
	if code := env.do(t, http.MethodGet, "/api/events", &all); code != http.StatusOK {
		t.Fatalf("events status = %d", code)
	}
	if len(all.Events) == 0 || all.LastSeq != all.Events[len(all.Events)-1].Seq {
		t.Fatalf("unexpected events response %+v", all)
	}

	var later eventsResponse
	env.do(t, http.MethodGet, fmt.Sprintf("/api/events?since=%d", all.LastSeq), &later)
	if len(later.Events) != 0 {
		t.Fatalf("no events expected after lastSeq, got %d", len(later.Events))
	}

	var errResp errorResponse
	if code := env.do(t, http.MethodGet, "/api/events?since=abc", &errResp); code != http.StatusBadRequest {
		t.Fatalf("bad since status = %d, want 400", code)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial event stream: %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade; give it a moment
	time.Sleep(20 * time.Millisecond)
	env.do(t, http.MethodPost, "/api/record/label/fear", nil)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var e session.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if e.Type == session.EventSessionRecorded {
			if e.Label != "fear" {
				t.Fatalf("recorded label = %q", e.Label)
			}
			return
		}
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	var h healthResponse
	if code := env.do(t, http.MethodGet, "/api/health", &h); code != http.StatusOK || h.Status != "ok" {
		t.Fatalf("health = %d %+v", code, h)
	}

	env.api.AddHealthCheck("archive", stubCheck{err: errors.New("bucket missing")})
	if code := env.do(t, http.MethodGet, "/api/health", &h); code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health status = %d", code)
	}
	if h.Status != "degraded" || h.Checks["archive"] != "bucket missing" {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	if code := env.do(t, http.MethodGet, "/api/record/start", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on a POST route = %d, want 405", code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{name: "whitelisted", origin: "http://localhost:8080", want: "http://localhost:8080"},
		{name: "foreign", origin: "http://evil.example", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/record/start", nil)
			req.Header.Set("Origin", tt.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("preflight failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				t.Fatalf("preflight status = %d", resp.StatusCode)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Fatalf("Allow-Origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.API.RateLimit = 2 })

	for i := 0; i < 2; i++ {
		if code := env.do(t, http.MethodPost, "/api/queue/pause", nil); code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, code)
		}
	}
	if code := env.do(t, http.MethodPost, "/api/queue/pause", nil); code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", code)
	}
	if code := env.do(t, http.MethodGet, "/api/state", nil); code != http.StatusOK {
		t.Fatalf("reads must not be limited, got %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrCaptureInFlight, http.StatusConflict},
		{session.ErrPoolInFlight, http.StatusConflict},
		{session.ErrQueueBusy, http.StatusConflict},
		{session.ErrFlushInProgress, http.StatusConflict},
		{session.ErrEmptyBatch, http.StatusUnprocessableEntity},
		{fmt.Errorf("label: %w", session.ErrUnknownLabel), http.StatusNotFound},
		{&session.UploadDispatchError{BatchID: "b", Count: 1, Err: errors.New("x")}, http.StatusBadGateway},
		{&session.DeviceAccessError{Label: "happy", Err: errors.New("no camera")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
