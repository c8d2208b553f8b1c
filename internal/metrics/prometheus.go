package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nidsguard/internal/model"
)

// Collector owns a private registry so several pipelines can coexist in one
// process (tests). All methods are safe on a nil receiver.
type Collector struct {
	registry *prometheus.Registry

	predictions      *prometheus.CounterVec
	ticksDropped     *prometheus.CounterVec
	inferDuration    *prometheus.HistogramVec
	bufferLen        prometheus.Gauge
	catalogRefreshes *prometheus.CounterVec
	sinkErrors       *prometheus.CounterVec

	knownModel func(id string) bool
}

// UnknownModel is the model label used for ids the filter rejects.
const UnknownModel = "unknown"

type CollectorOption func(*Collector)

// WithModelFilter bounds the model label to ids the filter accepts. Other
// ids are counted under UnknownModel.
func WithModelFilter(known func(id string) bool) CollectorOption {
	return func(c *Collector) { c.knownModel = known }
}

func NewCollector(opts ...CollectorOption) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)
	c := &Collector{
		registry: registry,
		predictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nidsguard_predictions_total",
				Help: "Prediction results appended to the buffer",
			},
			[]string{"model", "label", "source"},
		),
		ticksDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nidsguard_ticks_dropped_total",
				Help: "Dispatch triggers dropped without a prediction",
			},
			[]string{"reason"},
		),
		inferDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nidsguard_inference_duration_seconds",
				Help:    "Wall time of one inference call",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		bufferLen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "nidsguard_buffer_len",
				Help: "Entries currently held in the result buffer",
			},
		),
		catalogRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nidsguard_catalog_refresh_total",
				Help: "Catalog load attempts by outcome",
			},
			[]string{"result"},
		),
		sinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nidsguard_sink_errors_total",
				Help: "Failed or dropped sink deliveries",
			},
			[]string{"sink"},
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) ObservePrediction(res model.PredictionResult, took time.Duration) {
	if c == nil {
		return
	}
	id := res.ModelID
	if c.knownModel != nil && !c.knownModel(id) {
		id = UnknownModel
	}
	c.predictions.WithLabelValues(id, string(res.Label), string(res.Source)).Inc()
	c.inferDuration.WithLabelValues(string(res.Source)).Observe(took.Seconds())
}

func (c *Collector) TickDropped(reason string) {
	if c == nil {
		return
	}
	c.ticksDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SetBufferLen(n int) {
	if c == nil {
		return
	}
	c.bufferLen.Set(float64(n))
}

func (c *Collector) CatalogRefresh(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.catalogRefreshes.WithLabelValues(result).Inc()
}

func (c *Collector) SinkError(sink string) {
	if c == nil {
		return
	}
	c.sinkErrors.WithLabelValues(sink).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
