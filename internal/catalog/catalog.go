// Package catalog keeps the registry of detection models. The registry starts
// from a built-in default set and is replaced only by an explicit, successful
// load from the remote metadata endpoint.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"nidsguard/internal/config"
	"nidsguard/internal/features"
	"nidsguard/internal/logging"
	"nidsguard/internal/model"
)

var (
	ErrCatalogUnavailable = errors.New("model catalog unavailable")
	ErrNoActiveModels     = errors.New("no active models")
)

// Rand is the random source used by Pick. *rand.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

type Catalog struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.RWMutex
	models   []model.ModelDescriptor
	source   string
	loadedAt time.Time
}

func New(cfg config.CatalogConfig, client *http.Client, logger *slog.Logger) *Catalog {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Catalog{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.LoadTimeout,
		logger:  logger,
		models:  DefaultModels(),
		source:  "default",
	}
}

func DefaultModels() []model.ModelDescriptor {
	day := func(s string) time.Time {
		t, _ := time.Parse("2006-01-02", s)
		return t
	}
	return []model.ModelDescriptor{
		{ID: "ddos-detector", DisplayName: "DDoS Detection Model", Type: "Random Forest", Status: model.StatusActive, ReportedAccuracy: 98.5, LastTrainedAt: day("2024-01-10"), Samples: 150000, Features: 32},
		{ID: "malware-classifier", DisplayName: "Malware Classification", Type: "Neural Network", Status: model.StatusActive, ReportedAccuracy: 96.8, LastTrainedAt: day("2024-01-12"), Samples: 85000, Features: 64},
		{ID: "anomaly-detector", DisplayName: "Anomaly Detection", Type: "Isolation Forest", Status: model.StatusTraining, ReportedAccuracy: 94.2, LastTrainedAt: day("2024-01-14"), Samples: 200000, Features: 28},
		{ID: "port-scan-detector", DisplayName: "Port Scan Detector", Type: "SVM", Status: model.StatusActive, ReportedAccuracy: 97.1, LastTrainedAt: day("2024-01-11"), Samples: 95000, Features: 16},
	}
}

type descriptorWire struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Accuracy    float64 `json:"accuracy"`
	LastTrained string  `json:"lastTrained"`
	Samples     int     `json:"samples"`
	Features    int     `json:"features"`
}

// Load fetches the remote catalog and, on success, replaces the cached set.
// Every failure wraps ErrCatalogUnavailable and leaves the cache untouched.
func (c *Catalog) Load(ctx context.Context) ([]model.ModelDescriptor, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrCatalogUnavailable, resp.StatusCode)
	}
	var wire []descriptorWire
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCatalogUnavailable, err)
	}
	models, err := convert(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	c.mu.Lock()
	c.models = models
	c.source = "remote"
	c.loadedAt = time.Now().UTC()
	c.mu.Unlock()
	return cloneModels(models), nil
}

func convert(wire []descriptorWire) ([]model.ModelDescriptor, error) {
	seen := make(map[string]struct{}, len(wire))
	out := make([]model.ModelDescriptor, 0, len(wire))
	for _, w := range wire {
		id := strings.TrimSpace(w.ID)
		if id == "" {
			return nil, errors.New("descriptor without id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate model id %q", id)
		}
		seen[id] = struct{}{}
		d := model.ModelDescriptor{
			ID:               id,
			DisplayName:      w.Name,
			Type:             w.Type,
			Status:           parseStatus(w.Status),
			ReportedAccuracy: normalizeAccuracy(w.Accuracy),
			Samples:          w.Samples,
			Features:         w.Features,
		}
		if d.DisplayName == "" {
			d.DisplayName = id
		}
		if w.LastTrained != "" {
			if ts, err := features.ParseTimestamp(w.LastTrained, time.UTC); err == nil {
				d.LastTrainedAt = ts.UTC()
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func parseStatus(s string) model.ModelStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return model.StatusActive
	case "training":
		return model.StatusTraining
	}
	return model.StatusOffline
}

// normalizeAccuracy accepts both fractions and percentages.
func normalizeAccuracy(v float64) float64 {
	if v > 0 && v <= 1 {
		v *= 100
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Refresh loads the remote catalog, logging and absorbing failure. It always
// returns the set in effect afterwards.
func (c *Catalog) Refresh(ctx context.Context) []model.ModelDescriptor {
	models, err := c.Load(ctx)
	if err != nil {
		c.logger.Warn("catalog load failed, keeping cached models", "err", err, "source", c.Source(), "models", c.Len())
		return c.Models()
	}
	c.logger.Info("catalog loaded", "models", len(models))
	return models
}

// Watch refreshes the catalog every interval until ctx is done.
func (c *Catalog) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Pick selects uniformly among Active models. A nil r uses the global source.
func (c *Catalog) Pick(r Rand) (string, error) {
	c.mu.RLock()
	active := make([]string, 0, len(c.models))
	for _, m := range c.models {
		if m.Status == model.StatusActive {
			active = append(active, m.ID)
		}
	}
	c.mu.RUnlock()
	if len(active) == 0 {
		return "", ErrNoActiveModels
	}
	var i int
	if r == nil {
		i = rand.IntN(len(active))
	} else {
		i = r.IntN(len(active))
	}
	return active[i], nil
}

func (c *Catalog) Models() []model.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneModels(c.models)
}

func (c *Catalog) Get(id string) (model.ModelDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return model.ModelDescriptor{}, false
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// Source reports whether the current set came from "default" or "remote".
func (c *Catalog) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

func cloneModels(in []model.ModelDescriptor) []model.ModelDescriptor {
	out := make([]model.ModelDescriptor, len(in))
	copy(out, in)
	return out
}
