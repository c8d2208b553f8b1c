// Package gateway calls the remote scoring service and degrades to a local
// heuristic whenever the service cannot produce a usable answer. Callers
// always get a PredictionResult back.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nidsguard/internal/config"
	"nidsguard/internal/features"
	"nidsguard/internal/logging"
	"nidsguard/internal/model"
)

const maxBody = 1 << 20

type Gateway struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	rnd       func() float64
	heuristic config.FallbackConfig
}

type Option func(*Gateway)

func WithClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.client = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithRandom replaces the uniform [0,1) source used by the heuristic.
func WithRandom(f func() float64) Option {
	return func(g *Gateway) {
		if f != nil {
			g.rnd = f
		}
	}
}

func New(cfg config.InferenceConfig, opts ...Option) *Gateway {
	g := &Gateway{
		client:    &http.Client{},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		logger:    logging.Discard(),
		now:       time.Now,
		rnd:       rand.Float64,
		heuristic: cfg.Fallback,
	}
	if g.timeout <= 0 {
		g.timeout = 2 * time.Second
	}
	if config.ValidateFallback(g.heuristic) != nil || g.heuristic == (config.FallbackConfig{}) {
		g.heuristic = config.DefaultFallback()
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Heuristic() config.FallbackConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heuristic
}

func (g *Gateway) SetHeuristic(fb config.FallbackConfig) error {
	if err := config.ValidateFallback(fb); err != nil {
		return err
	}
	g.mu.Lock()
	g.heuristic = fb
	g.mu.Unlock()
	return nil
}

type predictWire struct {
	Prediction *int     `json:"prediction"`
	Confidence *float64 `json:"confidence"`
	Timestamp  string   `json:"timestamp"`
}

// Infer scores rec with modelID. Any failure of the remote call, including
// a missed deadline, yields a heuristic result instead of an error.
func (g *Gateway) Infer(ctx context.Context, modelID string, rec model.FeatureRecord, timeout time.Duration) model.PredictionResult {
	projection := features.Project(rec)
	var wire predictWire
	if err := g.post(ctx, "/predict/"+url.PathEscape(modelID), rec, &wire, timeout); err != nil {
		g.logger.Debug("remote inference failed", "model_id", modelID, "err", err)
		return g.fallback(modelID, projection, err.Error())
	}
	res, err := g.fromWire(modelID, projection, wire)
	if err != nil {
		g.logger.Debug("remote inference rejected", "model_id", modelID, "err", err)
		return g.fallback(modelID, projection, err.Error())
	}
	return res
}

// InferBatch scores recs in one call. A failed call or a response of the
// wrong length falls back for the whole batch; a malformed item falls back
// on its own.
func (g *Gateway) InferBatch(ctx context.Context, modelID string, recs []model.FeatureRecord, timeout time.Duration) []model.PredictionResult {
	if len(recs) == 0 {
		return nil
	}
	out := make([]model.PredictionResult, len(recs))
	body := struct {
		Data []model.FeatureRecord `json:"data"`
	}{Data: recs}
	var wire []predictWire
	err := g.post(ctx, "/batch-predict/"+url.PathEscape(modelID), body, &wire, timeout)
	if err == nil && len(wire) != len(recs) {
		err = fmt.Errorf("batch length mismatch: sent %d, got %d", len(recs), len(wire))
	}
	if err != nil {
		g.logger.Debug("remote batch inference failed", "model_id", modelID, "size", len(recs), "err", err)
		for i, rec := range recs {
			out[i] = g.fallback(modelID, features.Project(rec), err.Error())
		}
		return out
	}
	for i, rec := range recs {
		projection := features.Project(rec)
		res, itemErr := g.fromWire(modelID, projection, wire[i])
		if itemErr != nil {
			res = g.fallback(modelID, projection, itemErr.Error())
		}
		out[i] = res
	}
	return out
}

type metricsWire struct {
	TruePositiveRate  *float64 `json:"truePositiveRate"`
	FalsePositiveRate *float64 `json:"falsePositiveRate"`
	Precision         *float64 `json:"precision"`
	Recall            *float64 `json:"recall"`
	F1Score           *float64 `json:"f1Score"`
	Accuracy          *float64 `json:"accuracy"`
}

func DefaultMetrics(modelID string) model.ModelMetrics {
	return model.ModelMetrics{
		ModelID:           modelID,
		TruePositiveRate:  0.978,
		FalsePositiveRate: 0.012,
		Precision:         0.985,
		Recall:            0.969,
		F1Score:           0.977,
		Source:            model.SourceFallback,
	}
}

// Metrics fetches evaluation metrics for modelID, or fixed defaults when the
// service is unavailable.
func (g *Gateway) Metrics(ctx context.Context, modelID string, timeout time.Duration) model.ModelMetrics {
	var wire metricsWire
	if err := g.do(ctx, http.MethodGet, "/metrics/"+url.PathEscape(modelID), nil, &wire, timeout); err != nil {
		g.logger.Debug("remote metrics failed", "model_id", modelID, "err", err)
		return DefaultMetrics(modelID)
	}
	if wire.TruePositiveRate == nil || wire.FalsePositiveRate == nil || wire.Precision == nil || wire.Recall == nil || wire.F1Score == nil {
		return DefaultMetrics(modelID)
	}
	m := model.ModelMetrics{
		ModelID:           modelID,
		TruePositiveRate:  *wire.TruePositiveRate,
		FalsePositiveRate: *wire.FalsePositiveRate,
		Precision:         *wire.Precision,
		Recall:            *wire.Recall,
		F1Score:           *wire.F1Score,
		Source:            model.SourceRemote,
	}
	if wire.Accuracy != nil {
		m.Accuracy = *wire.Accuracy
	}
	return m
}

func (g *Gateway) post(ctx context.Context, path string, in, out any, timeout time.Duration) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return g.do(ctx, http.MethodPost, path, payload, out, timeout)
}

func (g *Gateway) do(ctx context.Context, method, path string, payload []byte, out any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (g *Gateway) fromWire(modelID string, projection map[string]float64, w predictWire) (model.PredictionResult, error) {
	if w.Prediction == nil || w.Confidence == nil {
		return model.PredictionResult{}, fmt.Errorf("missing prediction or confidence")
	}
	var label model.Label
	switch *w.Prediction {
	case 0:
		label = model.LabelBenign
	case 1:
		label = model.LabelThreat
	default:
		return model.PredictionResult{}, fmt.Errorf("invalid prediction %d", *w.Prediction)
	}
	conf := *w.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return model.PredictionResult{}, fmt.Errorf("confidence out of range: %v", conf)
	}
	// ProducedAt uses the local clock so buffer order matches time order;
	// the scorer's own clock is kept alongside.
	var scored time.Time
	if w.Timestamp != "" {
		if ts, err := features.ParseTimestamp(w.Timestamp, time.Local); err == nil {
			scored = ts
		}
	}
	return model.PredictionResult{
		ID:         uuid.NewString(),
		ModelID:    modelID,
		Label:      label,
		Confidence: conf,
		ProducedAt: g.now(),
		ScoredAt:   scored,
		Source:     model.SourceRemote,
		Features:   projection,
	}, nil
}

func (g *Gateway) fallback(modelID string, projection map[string]float64, reason string) model.PredictionResult {
	g.mu.Lock()
	h := g.heuristic
	threat := g.rnd() < h.ThreatRate
	conf := h.MinConfidence + g.rnd()*(h.MaxConfidence-h.MinConfidence)
	g.mu.Unlock()

	label := model.LabelBenign
	if threat {
		label = model.LabelThreat
	}
	return model.PredictionResult{
		ID:             uuid.NewString(),
		ModelID:        modelID,
		Label:          label,
		Confidence:     conf,
		ProducedAt:     g.now(),
		Source:         model.SourceFallback,
		Features:       projection,
		FallbackReason: reason,
	}
}
