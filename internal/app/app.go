// Package app wires the prediction pipeline together and manages its
// lifecycle.
//
//	Scheduler → Sampler → Catalog.Pick → Gateway.Infer → Buffer →
//	[sink queue] → stats, storage, Kafka, NATS
//
// The HTTP API reads the buffer and forwards on-demand requests to the
// scheduler.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nidsguard/internal/api"
	"nidsguard/internal/catalog"
	"nidsguard/internal/config"
	"nidsguard/internal/gateway"
	"nidsguard/internal/logging"
	"nidsguard/internal/metrics"
	"nidsguard/internal/publish"
	"nidsguard/internal/results"
	"nidsguard/internal/sampler"
	"nidsguard/internal/scheduler"
	"nidsguard/internal/storage"
)

type App struct {
	cfg     *config.Manager
	logger  *slog.Logger
	version string

	sampler *sampler.Sampler
	catalog *catalog.Catalog
	gateway *gateway.Gateway
	buffer  *results.Buffer
	stats   *metrics.Store
	prom    *metrics.Collector
	sched   *scheduler.Scheduler

	store      storage.Store
	publishers []publish.Publisher
	httpServer *http.Server

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs every component from the current configuration. Nothing
// touches the network until Start.
func New(cfg *config.Manager, logger *slog.Logger, version string) *App {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	c := cfg.Get()
	client := &http.Client{}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		version: version,
		sampler: sampler.New(nil),
		catalog: catalog.New(c.Catalog, client, logger.With("component", "catalog")),
		gateway: gateway.New(c.Inference, gateway.WithClient(client), gateway.WithLogger(logger.With("component", "gateway"))),
		buffer:  results.NewBuffer(c.Pipeline.BufferCapacity),
		stats:   metrics.NewStore(c.Metrics.StoreLimit),
		stopCh:  make(chan struct{}),
	}
	if c.Metrics.Prometheus {
		a.prom = metrics.NewCollector(metrics.WithModelFilter(func(id string) bool {
			_, ok := a.catalog.Get(id)
			return ok
		}))
	}
	a.sched = scheduler.New(c.Pipeline, scheduler.Deps{
		Sampler: a.sampler,
		Catalog: a.catalog,
		Gateway: a.gateway,
		Buffer:  a.buffer,
		Stats:   a.stats,
		Metrics: a.prom,
		Logger:  logger.With("component", "scheduler"),
	})
	return a
}

func (a *App) Sampler() *sampler.Sampler       { return a.sampler }
func (a *App) Catalog() *catalog.Catalog       { return a.catalog }
func (a *App) Gateway() *gateway.Gateway       { return a.gateway }
func (a *App) Buffer() *results.Buffer         { return a.buffer }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Stats() *metrics.Store           { return a.stats }

// Start opens the sinks, loads the catalog and launches the cadence loop,
// the watchers and the HTTP API. Sink failures are logged and skipped.
func (a *App) Start(ctx context.Context) error {
	c := a.cfg.Get()
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.openSinks(runCtx, c)

	a.RefreshCatalog(runCtx)
	if c.Catalog.RefreshInterval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.catalog.Watch(runCtx, c.Catalog.RefreshInterval)
		}()
	}

	if a.cfg.Path() != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.cfg.Watch(2*time.Second, a.applyConfig, func(err error) {
				a.logger.Warn("config reload failed", "err", err)
			}, a.stopCh)
		}()
	}

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("app: start scheduler: %w", err)
	}

	if c.API.Enabled {
		srv := api.NewServer(api.Deps{
			Config:    a.cfg,
			Predictor: a.sched,
			Buffer:    a.buffer,
			Catalog:   a.catalog,
			Scorer:    a.gateway,
			Stats:     a.stats,
			Metrics:   a.prom,
			History:   a.store,
			Logger:    a.logger.With("component", "api"),
			Version:   a.version,
		})
		a.httpServer = srv.Start(runCtx, c.API.Addr)
	}

	a.logger.Info("app: pipeline running",
		"interval", c.Pipeline.Interval,
		"buffer_capacity", a.buffer.Cap(),
		"endpoint", c.Inference.BaseURL,
		"models", a.catalog.Len(),
	)
	return nil
}

func (a *App) openSinks(ctx context.Context, c *config.Config) {
	store, err := storage.NewStore(c.Storage)
	if err != nil {
		a.logger.Error("app: storage disabled", "driver", c.Storage.Driver, "err", err)
	} else if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		cancel()
		if err != nil {
			a.logger.Error("app: storage init failed, continuing without it", "driver", c.Storage.Driver, "err", err)
			_ = store.Close()
		} else {
			a.store = store
			a.sched.AddSink("storage", store.SavePrediction)
			a.logger.Info("app: storage enabled", "driver", c.Storage.Driver)
		}
	}

	if k := publish.NewKafka(c.Publish.Kafka, a.logger); k != nil {
		a.publishers = append(a.publishers, k)
	}
	n, err := publish.NewNATS(c.Publish.NATS, a.logger)
	if err != nil {
		a.logger.Error("app: nats publish disabled", "err", err)
	} else if n != nil {
		a.publishers = append(a.publishers, n)
	}
	for _, p := range a.publishers {
		a.sched.AddSink(p.Name(), p.Publish)
	}
}

// RefreshCatalog performs one catalog load, keeping the cached set on failure.
func (a *App) RefreshCatalog(ctx context.Context) {
	_, err := a.catalog.Load(ctx)
	a.prom.CatalogRefresh(err == nil)
	if err != nil {
		a.logger.Warn("app: catalog unavailable, using cached models", "err", err, "source", a.catalog.Source(), "models", a.catalog.Len())
		return
	}
	a.logger.Info("app: catalog loaded", "models", a.catalog.Len())
}

func (a *App) applyConfig(c *config.Config) {
	if err := a.gateway.SetHeuristic(c.Inference.Fallback); err != nil {
		a.logger.Warn("app: fallback settings rejected", "err", err)
		return
	}
	a.logger.Info("app: configuration reloaded", "threat_rate", c.Inference.Fallback.ThreatRate)
}

// Stop shuts down in dependency order: API and watchers, then the scheduler
// (which drains the in-flight call and the sink queue), then the sinks.
func (a *App) Stop() {
	a.once.Do(func() {
		a.logger.Info("app: shutting down")
		if a.cancel != nil {
			a.cancel()
		}
		close(a.stopCh)
		a.sched.Stop()
		a.wg.Wait()

		if a.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.store.SaveStats(ctx, a.stats.GetAll()); err != nil {
				a.logger.Warn("app: saving stats failed", "err", err)
			}
			cancel()
			if err := a.store.Close(); err != nil {
				a.logger.Error("app: storage close error", "err", err)
			}
		}
		if err := publish.CloseAll(a.publishers); err != nil {
			a.logger.Error("app: publisher close error", "err", err)
		}
		a.logger.Info("app: shutdown complete")
	})
}
