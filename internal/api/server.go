package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"nidsguard/internal/catalog"
	"nidsguard/internal/config"
	"nidsguard/internal/features"
	"nidsguard/internal/logging"
	"nidsguard/internal/metrics"
	"nidsguard/internal/model"
	"nidsguard/internal/results"
	"nidsguard/internal/scheduler"
	"nidsguard/internal/storage"
)

type Predictor interface {
	RequestPrediction(ctx context.Context, req scheduler.Request) (model.PredictionResult, error)
	State() scheduler.State
}

type ModelCatalog interface {
	Models() []model.ModelDescriptor
	Get(id string) (model.ModelDescriptor, bool)
	Load(ctx context.Context) ([]model.ModelDescriptor, error)
	Source() string
	LoadedAt() time.Time
}

type Scorer interface {
	Metrics(ctx context.Context, modelID string, timeout time.Duration) model.ModelMetrics
	Heuristic() config.FallbackConfig
	SetHeuristic(fb config.FallbackConfig) error
}

type Deps struct {
	Config    *config.Manager
	Predictor Predictor
	Buffer    *results.Buffer
	Catalog   ModelCatalog
	Scorer    Scorer
	Stats     *metrics.Store
	Metrics   *metrics.Collector
	History   storage.Store
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	cfg       *config.Manager
	predictor Predictor
	buffer    *results.Buffer
	catalog   ModelCatalog
	scorer    Scorer
	stats     *metrics.Store
	prom      *metrics.Collector
	history   storage.Store
	logger    *slog.Logger
	version   string

	heartbeat time.Duration
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	State      string        `json:"state"`
	Buffer     bufferStatus  `json:"buffer"`
	Catalog    catalogStatus `json:"catalog"`
	Pipeline   pipelineInfo  `json:"pipeline"`
	Sinks      sinkStatus    `json:"sinks"`
}

type bufferStatus struct {
	Len         int `json:"len"`
	Cap         int `json:"cap"`
	Subscribers int `json:"subscribers"`
}

type catalogStatus struct {
	Source   string    `json:"source"`
	Models   int       `json:"models"`
	Active   int       `json:"active"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
}

type pipelineInfo struct {
	Interval string `json:"interval"`
	Timeout  string `json:"timeout"`
	Endpoint string `json:"endpoint"`
}

type sinkStatus struct {
	Storage bool `json:"storage"`
	Kafka   bool `json:"kafka"`
	NATS    bool `json:"nats"`
}

type predictRequest struct {
	ModelID string               `json:"model_id"`
	Record  *model.FeatureRecord `json:"record"`
}

func NewServer(d Deps) *Server {
	if d.Config == nil {
		d.Config = config.NewStaticManager(nil)
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return &Server{
		cfg:       d.Config,
		predictor: d.Predictor,
		buffer:    d.Buffer,
		catalog:   d.Catalog,
		scorer:    d.Scorer,
		stats:     d.Stats,
		prom:      d.Metrics,
		history:   d.History,
		logger:    d.Logger,
		version:   d.Version,
		heartbeat: 15 * time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/predictions", s.handlePredictions).Methods(http.MethodGet)
	r.HandleFunc("/predictions", s.handleRequestPrediction).Methods(http.MethodPost)
	r.HandleFunc("/predictions/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/predictions/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/models/reload", s.handleReloadModels).Methods(http.MethodPost)
	r.HandleFunc("/models/{id}/metrics", s.handleModelMetrics).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/stats/{model}", s.handleModelStats).Methods(http.MethodGet)
	r.HandleFunc("/config/fallback", s.handleGetFallback).Methods(http.MethodGet)
	r.HandleFunc("/config/fallback", s.handleSetFallback).Methods(http.MethodPost)
	r.Handle("/metrics", s.prom.Handler()).Methods(http.MethodGet)
	return r
}

// Start serves the API on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) *http.Server {
	s.logger.Info("api enabled", "addr", addr)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		State:      string(s.predictor.State()),
		Buffer: bufferStatus{
			Len:         s.buffer.Len(),
			Cap:         s.buffer.Cap(),
			Subscribers: s.buffer.Subscribers(),
		},
		Pipeline: pipelineInfo{
			Interval: cfg.Pipeline.Interval.String(),
			Timeout:  cfg.Pipeline.Timeout.String(),
			Endpoint: cfg.Inference.BaseURL,
		},
		Sinks: sinkStatus{
			Storage: cfg.Storage.Enabled,
			Kafka:   cfg.Publish.Kafka.Enabled,
			NATS:    cfg.Publish.NATS.Enabled,
		},
	}
	models := s.catalog.Models()
	resp.Catalog = catalogStatus{Source: s.catalog.Source(), Models: len(models), LoadedAt: s.catalog.LoadedAt()}
	for _, m := range models {
		if m.Status == model.StatusActive {
			resp.Catalog.Active++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var list []model.PredictionResult
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := features.ParseTimestamp(sinceStr, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		list = s.buffer.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.buffer.Latest(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": list,
		"count":       len(list),
		"capacity":    s.buffer.Cap(),
	})
}

func (s *Server) handleRequestPrediction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body too large")
		return
	}
	var req predictRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	res, err := s.predictor.RequestPrediction(r.Context(), scheduler.Request{
		ModelID: strings.TrimSpace(req.ModelID),
		Record:  req.Record,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrNoActiveModels), errors.Is(err, scheduler.ErrInvalidRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.history.RecentPredictions(r.Context(), limit)
	if err != nil {
		s.logger.Warn("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": list,
		"count":       len(list),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.Models()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
		"source": s.catalog.Source(),
	})
}

func (s *Server) handleReloadModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.catalog.Load(r.Context())
	s.prom.CatalogRefresh(err == nil)
	if err != nil {
		s.logger.Warn("catalog reload failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"models": s.catalog.Models(),
			"source": s.catalog.Source(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
		"source": s.catalog.Source(),
	})
}

func (s *Server) handleModelMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.catalog.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown model")
		return
	}
	writeJSON(w, http.StatusOK, s.scorer.Metrics(r.Context(), id, 0))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	all := s.stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": all,
		"count": len(all),
	})
}

func (s *Server) handleModelStats(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stats.Get(mux.Vars(r)["model"])
	if !ok {
		writeError(w, http.StatusNotFound, "no predictions for model")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetFallback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"fallback": s.scorer.Heuristic()})
}

func (s *Server) handleSetFallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body too large")
		return
	}
	// fields missing from the body keep their current values
	fb := s.scorer.Heuristic()
	if err := json.Unmarshal(body, &fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := config.ValidateFallback(fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next := *s.cfg.Get()
	next.Inference.Fallback = fb
	if err := s.cfg.Update(&next); err != nil {
		s.logger.Error("config update failed", "err", err)
		writeError(w, http.StatusInternalServerError, "config update failed")
		return
	}
	if err := s.scorer.SetHeuristic(fb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("fallback heuristic updated", "threat_rate", fb.ThreatRate, "min_confidence", fb.MinConfidence, "max_confidence", fb.MaxConfidence)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "fallback": fb})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
