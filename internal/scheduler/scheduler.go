// Package scheduler drives the prediction pipeline. At most one inference
// call is in flight at any time: cadence ticks that arrive while a dispatch
// is running are dropped, and on-demand requests are rejected with ErrBusy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nidsguard/internal/catalog"
	"nidsguard/internal/config"
	"nidsguard/internal/features"
	"nidsguard/internal/logging"
	"nidsguard/internal/metrics"
	"nidsguard/internal/model"
	"nidsguard/internal/results"
)

var (
	ErrBusy          = errors.New("prediction already in flight")
	ErrStopped       = errors.New("scheduler stopped")
	ErrInvalidRecord = errors.New("invalid feature record")
)

type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
)

type Sampler interface {
	Sample() model.FeatureRecord
}

type Picker interface {
	Pick(r catalog.Rand) (string, error)
}

type Inferer interface {
	Infer(ctx context.Context, modelID string, rec model.FeatureRecord, timeout time.Duration) model.PredictionResult
}

// SinkFunc receives every appended result, in append order, on the sink
// worker goroutine.
type SinkFunc func(ctx context.Context, res model.PredictionResult) error

type Deps struct {
	Sampler Sampler
	Catalog Picker
	Gateway Inferer
	Buffer  *results.Buffer
	Stats   *metrics.Store
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Request asks for one on-demand prediction. An empty ModelID picks an
// active model; a nil Record is sampled.
type Request struct {
	ModelID string
	Record  *model.FeatureRecord
}

type namedSink struct {
	name string
	fn   SinkFunc
}

type Scheduler struct {
	cfg      config.PipelineConfig
	sampler  Sampler
	picker   Picker
	inferer  Inferer
	buffer   *results.Buffer
	stats    *metrics.Store
	prom     *metrics.Collector
	logger   *slog.Logger
	cooldown *Cooldown

	dispatching atomic.Bool

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
	sinks    []namedSink

	sinkMu     sync.RWMutex
	sinkClosed bool
	sinkCh     chan model.PredictionResult
	sinkDone   chan struct{}
}

func New(cfg config.PipelineConfig, deps Deps) *Scheduler {
	def := config.DefaultConfig().Pipeline
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = cfg.Timeout + time.Second
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = def.SinkBuffer
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if deps.Buffer == nil {
		deps.Buffer = results.NewBuffer(cfg.BufferCapacity)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	s := &Scheduler{
		cfg:      cfg,
		sampler:  deps.Sampler,
		picker:   deps.Catalog,
		inferer:  deps.Gateway,
		buffer:   deps.Buffer,
		stats:    deps.Stats,
		prom:     deps.Metrics,
		logger:   deps.Logger,
		cooldown: NewCooldown(cfg.ThreatLogCooldown),
		sinkCh:   make(chan model.PredictionResult, cfg.SinkBuffer),
		sinkDone: make(chan struct{}),
	}
	go s.runSinks()
	return s
}

func (s *Scheduler) Buffer() *results.Buffer {
	return s.buffer
}

func (s *Scheduler) State() State {
	if s.dispatching.Load() {
		return StateDispatching
	}
	return StateIdle
}

// AddSink registers fn to receive every result appended from now on.
func (s *Scheduler) AddSink(name string, fn SinkFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, namedSink{name: name, fn: fn})
	s.mu.Unlock()
}

// Start runs the cadence loop until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "timeout", s.cfg.Timeout)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	if err := s.begin(); err != nil {
		if errors.Is(err, ErrBusy) {
			s.prom.TickDropped("busy")
			s.logger.Debug("tick dropped, dispatch in flight")
		}
		return
	}
	go func() {
		defer s.end()
		if _, err := s.dispatch(context.Background(), "", nil); err != nil {
			s.prom.TickDropped("no_model")
			s.logger.Debug("tick skipped", "err", err)
		}
	}()
}

// RequestPrediction runs one dispatch synchronously and returns its result.
func (s *Scheduler) RequestPrediction(ctx context.Context, req Request) (model.PredictionResult, error) {
	var rec *model.FeatureRecord
	if req.Record != nil {
		norm, err := features.Normalize(*req.Record)
		if err != nil {
			return model.PredictionResult{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		rec = &norm
	}
	if err := s.begin(); err != nil {
		return model.PredictionResult{}, err
	}
	defer s.end()
	return s.dispatch(ctx, req.ModelID, rec)
}

func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if !s.dispatching.CompareAndSwap(false, true) {
		return ErrBusy
	}
	s.inflight.Add(1)
	return nil
}

func (s *Scheduler) end() {
	s.dispatching.Store(false)
	s.inflight.Done()
}

func (s *Scheduler) dispatch(ctx context.Context, modelID string, rec *model.FeatureRecord) (model.PredictionResult, error) {
	if modelID == "" {
		id, err := s.picker.Pick(nil)
		if err != nil {
			return model.PredictionResult{}, fmt.Errorf("pick model: %w", err)
		}
		modelID = id
	}
	var record model.FeatureRecord
	if rec != nil {
		record = *rec
	} else {
		record = s.sampler.Sample()
	}

	start := time.Now()
	res := s.inferer.Infer(context.WithoutCancel(ctx), modelID, record, s.cfg.Timeout)
	s.prom.ObservePrediction(res, time.Since(start))

	s.buffer.Append(res)
	s.prom.SetBufferLen(s.buffer.Len())
	if res.IsThreat() && s.cooldown.Allow(res.ModelID) {
		s.logger.Warn("threat detected", "model_id", res.ModelID, "confidence", res.Confidence, "source", res.Source, "src", record.SourceAddress, "dst", record.DestAddress, "port", record.Port)
	}
	s.enqueue(res)
	return res, nil
}

func (s *Scheduler) enqueue(res model.PredictionResult) {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	if s.sinkClosed {
		return
	}
	select {
	case s.sinkCh <- res:
	default:
		s.prom.SinkError("queue")
		s.logger.Warn("sink queue full, dropping result", "model_id", res.ModelID, "id", res.ID)
	}
}

func (s *Scheduler) runSinks() {
	defer close(s.sinkDone)
	for res := range s.sinkCh {
		if s.stats != nil {
			s.stats.Update(res)
		}
		s.mu.Lock()
		sinks := s.sinks
		s.mu.Unlock()
		for _, sink := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SinkTimeout)
			err := sink.fn(ctx, res)
			cancel()
			if err != nil {
				s.prom.SinkError(sink.name)
				s.logger.Warn("sink failed", "sink", sink.name, "id", res.ID, "err", err)
			}
		}
	}
}

// Stop halts the cadence loop, waits up to the drain timeout for the
// in-flight dispatch, then flushes the sink queue. It is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, loopDone := s.cancel, s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("in-flight prediction did not finish before drain timeout", "drain_timeout", s.cfg.DrainTimeout)
	}

	s.sinkMu.Lock()
	s.sinkClosed = true
	close(s.sinkCh)
	s.sinkMu.Unlock()
	<-s.sinkDone
	s.logger.Info("scheduler stopped", "buffered", s.buffer.Len())
}
