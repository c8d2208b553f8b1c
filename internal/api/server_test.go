package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nidsguard/internal/catalog"
	"nidsguard/internal/config"
	"nidsguard/internal/gateway"
	"nidsguard/internal/metrics"
	"nidsguard/internal/model"
	"nidsguard/internal/results"
	"nidsguard/internal/scheduler"
)

type fakePredictor struct {
	err  error
	last scheduler.Request
	buf  *results.Buffer
}

func (f *fakePredictor) RequestPrediction(ctx context.Context, req scheduler.Request) (model.PredictionResult, error) {
	f.last = req
	if f.err != nil {
		return model.PredictionResult{}, f.err
	}
	id := req.ModelID
	if id == "" {
		id = "ddos-detector"
	}
	res := model.PredictionResult{ID: "p1", ModelID: id, Label: model.LabelBenign, Confidence: 0.9, ProducedAt: time.Now(), Source: model.SourceFallback}
	f.buf.Append(res)
	return res, nil
}

func (f *fakePredictor) State() scheduler.State {
	return scheduler.StateIdle
}

func unreachable(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func newTestServer(t *testing.T, p *fakePredictor) (*Server, *results.Buffer) {
	t.Helper()
	buf := results.NewBuffer(20)
	p.buf = buf
	base := unreachable(t)
	s := NewServer(Deps{
		Predictor: p,
		Buffer:    buf,
		Catalog:   catalog.New(config.CatalogConfig{BaseURL: base, LoadTimeout: time.Second}, nil, nil),
		Scorer:    gateway.New(config.InferenceConfig{BaseURL: base, Timeout: time.Second}),
		Stats:     metrics.NewStore(10),
		Metrics:   metrics.NewCollector(),
	})
	return s, buf
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestPredictionStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{scheduler.ErrBusy, http.StatusConflict},
		{fmt.Errorf("pick model: %w", catalog.ErrNoActiveModels), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: bad port", scheduler.ErrInvalidRecord), http.StatusUnprocessableEntity},
		{scheduler.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		s, buf := newTestServer(t, &fakePredictor{err: tc.err})
		rec := do(t, s.Handler(), http.MethodPost, "/predictions", "")
		assert.Equal(t, tc.want, rec.Code, "err=%v", tc.err)
		if tc.err != nil {
			assert.Equal(t, 0, buf.Len())
		}
	}
}

func TestRequestPredictionBody(t *testing.T) {
	p := &fakePredictor{}
	s, _ := newTestServer(t, p)
	body := `{"model_id":"port-scan-detector","record":{"sourceIp":"192.168.1.2","destIp":"10.0.0.3","port":22,"protocol":"TCP","packetSize":100}}`
	rec := do(t, s.Handler(), http.MethodPost, "/predictions", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "port-scan-detector", p.last.ModelID)
	require.NotNil(t, p.last.Record)
	assert.Equal(t, 22, p.last.Record.Port)

	rec = do(t, s.Handler(), http.MethodPost, "/predictions", "{nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPredictions(t *testing.T) {
	s, buf := newTestServer(t, &fakePredictor{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		buf.Append(model.PredictionResult{ID: fmt.Sprint(i), ProducedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	rec := do(t, s.Handler(), http.MethodGet, "/predictions?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Predictions []model.PredictionResult `json:"predictions"`
		Count       int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "3", resp.Predictions[0].ID)
	assert.Equal(t, "4", resp.Predictions[1].ID)

	rec = do(t, s.Handler(), http.MethodGet, "/predictions?since=2026-01-01T00:03:00Z", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = do(t, s.Handler(), http.MethodGet, "/predictions?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s.Handler(), http.MethodDelete, "/predictions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestModelsAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	rec := do(t, s.Handler(), http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "malware-classifier")

	rec = do(t, s.Handler(), http.MethodPost, "/models/reload", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"default"`)

	rec = do(t, s.Handler(), http.MethodGet, "/models/ddos-detector/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m model.ModelMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, model.SourceFallback, m.Source)
	assert.Equal(t, 0.978, m.TruePositiveRate)

	rec = do(t, s.Handler(), http.MethodGet, "/models/nope/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFallbackConfig(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	rec := do(t, s.Handler(), http.MethodPost, "/config/fallback", `{"threat_rate":0.5,"min_confidence":0.6,"max_confidence":0.9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.5, s.scorer.Heuristic().ThreatRate)
	assert.Equal(t, 0.5, s.cfg.Get().Inference.Fallback.ThreatRate)

	rec = do(t, s.Handler(), http.MethodPost, "/config/fallback", `{"threat_rate":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0.5, s.scorer.Heuristic().ThreatRate)

	rec = do(t, s.Handler(), http.MethodGet, "/config/fallback", "")
	assert.Contains(t, rec.Body.String(), `"threat_rate":0.5`)
}

func TestFallbackConfigPartialUpdateKeepsRange(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	rec := do(t, s.Handler(), http.MethodPost, "/config/fallback", `{"threat_rate":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Fallback config.FallbackConfig `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0.5, body.Fallback.ThreatRate)
	assert.Equal(t, 0.70, body.Fallback.MinConfidence)
	assert.Equal(t, 1.00, body.Fallback.MaxConfidence)
	assert.Equal(t, body.Fallback, s.scorer.Heuristic())

	rec = do(t, s.Handler(), http.MethodPost, "/config/fallback", `{"min_confidence":0,"max_confidence":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0.70, s.scorer.Heuristic().MinConfidence)
}

func TestStatsAndStatus(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	s.stats.Update(model.PredictionResult{ModelID: "ddos-detector", Label: model.LabelThreat})

	rec := do(t, s.Handler(), http.MethodGet, "/stats/ddos-detector", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"threats":1`)
	rec = do(t, s.Handler(), http.MethodGet, "/stats/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 20, st.Buffer.Cap)
	assert.Equal(t, 3, st.Catalog.Active)
	assert.True(t, st.Catalog.LoadedAt.IsZero())
	assert.NotContains(t, rec.Body.String(), "loaded_at")

	rec = do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s.Handler(), http.MethodGet, "/predictions/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream(t *testing.T) {
	s, buf := newTestServer(t, &fakePredictor{})
	buf.Append(model.PredictionResult{ID: "first"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/predictions/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() []model.PredictionResult {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var snap []model.PredictionResult
				require.NoError(t, json.Unmarshal([]byte(data), &snap))
				return snap
			}
		}
	}
	initial := next()
	require.Len(t, initial, 1)
	assert.Equal(t, "first", initial[0].ID)

	require.Eventually(t, func() bool { return buf.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	buf.Append(model.PredictionResult{ID: "second"})
	update := next()
	require.Len(t, update, 2)
	assert.Equal(t, "second", update[1].ID)
}
