package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"adaptivx/internal/apperr"
	"adaptivx/internal/config"
	"adaptivx/internal/fusion"
	"adaptivx/internal/model"
)

func testConfig() config.IngestConfig {
	cfg := config.DefaultConfig().Ingest
	cfg.WindowSize = 3
	cfg.Workers = 2
	cfg.QueueSize = 16
	return cfg
}

type recordingAssessor struct {
	mu   sync.Mutex
	reqs []fusion.AssessRequest
	err  error
}

func (r *recordingAssessor) Assess(_ context.Context, req fusion.AssessRequest) (model.HealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return model.HealthRecord{}, r.err
	}
	return model.HealthRecord{AssetID: req.AssetID, HealthIndex: 90}, nil
}

func (r *recordingAssessor) requests() []fusion.AssessRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fusion.AssessRequest(nil), r.reqs...)
}

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func sample(asset string, vib float64, at time.Time) model.SensorSample {
	return model.SensorSample{AssetID: asset, Timestamp: at, VibRMS: vib, Omega: 1500, Load: 0.6, Wear: 0.1}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestRollingWindowKeepsNewestValues(t *testing.T) {
	ws := NewWindows(3)
	var last model.SensorWindow
	for i, v := range []float64{1, 2, 3, 4, 5, 6, 7} {
		last = ws.Add(sample("milling-01", v, t0.Add(time.Duration(i)*time.Second)))
	}
	if len(last.VibRMS) != 3 || last.VibRMS[0] != 5 || last.VibRMS[2] != 7 {
		t.Fatalf("window: %v", last.VibRMS)
	}
	other := ws.Add(sample("milling-02", 9, t0))
	if len(other.VibRMS) != 1 {
		t.Fatalf("windows must be per asset: %v", other.VibRMS)
	}
	last.VibRMS[0] = -1
	if w, _ := ws.Get("milling-01"); w.VibRMS[0] != 5 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestPipelineAssessesInOrderPerAsset(t *testing.T) {
	a := &recordingAssessor{}
	p := NewPipeline(testConfig(), a, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	for i := 0; i < 5; i++ {
		queued, err := p.Submit(ctx, sample("milling-01", float64(i+1), t0.Add(time.Duration(i)*time.Second)))
		if err != nil || !queued {
			t.Fatalf("submit %d: queued=%v err=%v", i, queued, err)
		}
	}
	waitFor(t, func() bool { return len(a.requests()) == 5 })
	reqs := a.requests()
	for i, req := range reqs {
		if *req.MeasuredVib != float64(i+1) || req.Window.Latest() != float64(i+1) {
			t.Fatalf("request %d out of order: %+v", i, req)
		}
		if req.Conditions.Omega != 1500 || req.Wear != 0.1 {
			t.Fatalf("conditions: %+v", req)
		}
	}
	if len(reqs[4].Window.VibRMS) != 3 {
		t.Fatalf("window size: %v", reqs[4].Window.VibRMS)
	}
	if st := p.Stats(); st.Assessed != 5 || st.Accepted != 5 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPipelineDropsDuplicatesAndThrottles(t *testing.T) {
	cfg := testConfig()
	cfg.MinInterval = 10 * time.Second
	p := NewPipeline(cfg, &recordingAssessor{}, nil)
	now := t0
	p.SetClock(func() time.Time { return now })
	ctx := context.Background()

	s := sample("milling-01", 1.2, t0)
	if queued, _ := p.Submit(ctx, s); !queued {
		t.Fatalf("first sample must queue")
	}
	if queued, _ := p.Submit(ctx, s); queued {
		t.Fatalf("duplicate must be dropped")
	}
	now = now.Add(time.Second)
	if queued, _ := p.Submit(ctx, sample("milling-01", 1.3, now)); queued {
		t.Fatalf("sample inside min interval must not queue")
	}
	if w, _ := p.Windows().Get("milling-01"); len(w.VibRMS) != 2 {
		t.Fatalf("throttled samples still enter the window: %v", w.VibRMS)
	}
	now = now.Add(10 * time.Second)
	if queued, _ := p.Submit(ctx, sample("milling-01", 1.4, now)); !queued {
		t.Fatalf("sample after min interval must queue")
	}
	st := p.Stats()
	if st.Duplicates != 1 || st.Throttled != 1 || st.Accepted != 3 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPipelineRejectsInvalidSamples(t *testing.T) {
	p := NewPipeline(testConfig(), &recordingAssessor{}, nil)
	bad := []model.SensorSample{
		{VibRMS: 1},
		{AssetID: "m", VibRMS: -1},
		{AssetID: "m", VibRMS: 1, Wear: 1.5},
		{AssetID: "m", VibRMS: 1, Omega: -3},
	}
	for i, s := range bad {
		if _, err := p.Submit(context.Background(), s); apperr.KindOf(err) != apperr.KindInvalid {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.DedupeWindow = 0
	p := NewPipeline(cfg, &recordingAssessor{}, nil)
	ctx := context.Background()
	if queued, _ := p.Submit(ctx, sample("milling-01", 1, t0)); !queued {
		t.Fatalf("first sample must queue")
	}
	if queued, _ := p.Submit(ctx, sample("milling-01", 1, t0)); queued {
		t.Fatalf("second sample must be dropped with no worker running")
	}
	if p.Stats().Dropped != 1 {
		t.Fatalf("stats: %+v", p.Stats())
	}
}

func TestParseSample(t *testing.T) {
	s, err := ParseSample([]byte(`{"Asset":"milling-01","vibration":"2.5","omega":1200,"load":0.4,"wear":0.2,"ts":"1775030400"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.AssetID != "milling-01" || s.VibRMS != 2.5 || s.Omega != 1200 || s.Load != 0.4 || s.Wear != 0.2 {
		t.Fatalf("sample: %+v", s)
	}
	if !s.Timestamp.Equal(time.Unix(1775030400, 0)) {
		t.Fatalf("timestamp: %s", s.Timestamp)
	}
	if _, err := ParseSample([]byte(`{"asset_id":"m","vib_rms":"fast"}`)); err == nil {
		t.Fatalf("non-numeric value must fail")
	}
	if _, err := ParseSample([]byte(`{"asset_id":"m","timestamp":"yesterday"}`)); err == nil {
		t.Fatalf("bad timestamp must fail")
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"2026-04-01T08:00:00Z":      t0,
		"2026-04-01T10:00:00+02:00": t0,
		"2026-04-01 08:00:00":       t0,
		"1775030400000":             t0,
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %s, %v", in, got, err)
		}
	}
}

func TestRESTHandler(t *testing.T) {
	a := &recordingAssessor{}
	p := NewPipeline(testConfig(), a, nil)
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	body := `[{"asset_id":"milling-01","vib_rms":1.1,"omega":1500,"load":0.5},{"asset_id":"","vib_rms":1}]`
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var res submitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Accepted != 1 || res.Queued != 1 || res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("result: %+v", res)
	}

	resp2, err := http.Post(srv.URL, "application/json", strings.NewReader(`not json`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp2.StatusCode)
	}
}
