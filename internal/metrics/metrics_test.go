package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nidsguard/internal/model"
)

func TestStoreCounts(t *testing.T) {
	s := NewStore(10)
	s.Update(model.PredictionResult{ModelID: "a", Label: model.LabelThreat, Source: model.SourceRemote, Confidence: 0.9})
	s.Update(model.PredictionResult{ModelID: "a", Label: model.LabelBenign, Source: model.SourceFallback, Confidence: 0.8})
	s.Update(model.PredictionResult{ModelID: ""})

	st, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Threats)
	assert.Equal(t, 1, st.Fallbacks)
	assert.Equal(t, 0.8, st.LastConfidence)
	assert.Len(t, s.GetAll(), 1)
}

func TestStoreEvictsLeastRecent(t *testing.T) {
	s := NewStore(2)
	s.Update(model.PredictionResult{ModelID: "a"})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.PredictionResult{ModelID: "b"})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.PredictionResult{ModelID: "c"})

	_, ok := s.Get("a")
	assert.False(t, ok)
	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ModelID)
	assert.Equal(t, "c", all[1].ModelID)
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.ObservePrediction(model.PredictionResult{ModelID: "a", Label: model.LabelThreat, Source: model.SourceFallback}, 10*time.Millisecond)
	c.TickDropped("busy")
	c.TickDropped("busy")
	c.SetBufferLen(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.predictions.WithLabelValues("a", "threat", "fallback")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticksDropped.WithLabelValues("busy")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.bufferLen))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "nidsguard_ticks_dropped_total")
}

func TestCollectorFoldsUnknownModels(t *testing.T) {
	c := NewCollector(WithModelFilter(func(id string) bool { return id == "ddos-detector" }))
	for _, id := range []string{"ddos-detector", "x1", "x2", "x3"} {
		c.ObservePrediction(model.PredictionResult{ModelID: id, Label: model.LabelBenign, Source: model.SourceFallback}, 0)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.predictions.WithLabelValues("ddos-detector", "benign", "fallback")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.predictions.WithLabelValues(UnknownModel, "benign", "fallback")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.predictions))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.TickDropped("busy")
	c.SetBufferLen(1)
	c.CatalogRefresh(false)
	c.SinkError("kafka")
	c.ObservePrediction(model.PredictionResult{}, 0)
	assert.Nil(t, c.Registry())
}
