package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Inference InferenceConfig `json:"inference" yaml:"inference"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Publish   PublishConfig   `json:"publish" yaml:"publish"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

type PipelineConfig struct {
	Interval          time.Duration `json:"interval" yaml:"interval"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	DrainTimeout      time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	BufferCapacity    int           `json:"buffer_capacity" yaml:"buffer_capacity"`
	SinkBuffer        int           `json:"sink_buffer" yaml:"sink_buffer"`
	SinkTimeout       time.Duration `json:"sink_timeout" yaml:"sink_timeout"`
	ThreatLogCooldown time.Duration `json:"threat_log_cooldown" yaml:"threat_log_cooldown"`
}

type InferenceConfig struct {
	BaseURL  string         `json:"base_url" yaml:"base_url"`
	Timeout  time.Duration  `json:"timeout" yaml:"timeout"`
	Fallback FallbackConfig `json:"fallback" yaml:"fallback"`
}

// FallbackConfig parameterizes the local heuristic scorer.
type FallbackConfig struct {
	ThreatRate    float64 `json:"threat_rate" yaml:"threat_rate"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	MaxConfidence float64 `json:"max_confidence" yaml:"max_confidence"`
}

type CatalogConfig struct {
	BaseURL         string        `json:"base_url" yaml:"base_url"`
	LoadTimeout     time.Duration `json:"load_timeout" yaml:"load_timeout"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type PublishConfig struct {
	Kafka KafkaConfig `json:"kafka" yaml:"kafka"`
	NATS  NATSConfig  `json:"nats" yaml:"nats"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type MetricsConfig struct {
	StoreLimit int  `json:"store_limit" yaml:"store_limit"`
	Prometheus bool `json:"prometheus" yaml:"prometheus"`
}

const defaultBaseURL = "http://localhost:8000/api"

func DefaultFallback() FallbackConfig {
	return FallbackConfig{ThreatRate: 0.15, MinConfidence: 0.70, MaxConfidence: 1.00}
}

// DefaultConfig returns the base values with derived fields filled in.
func DefaultConfig() *Config {
	cfg := baseConfig()
	applyDefaults(cfg)
	return cfg
}

// baseConfig leaves catalog.base_url, inference.timeout and
// pipeline.drain_timeout unset so applyDefaults can derive them from the
// values a file provides.
func baseConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Pipeline: PipelineConfig{
			Interval:          3 * time.Second,
			Timeout:           2 * time.Second,
			BufferCapacity:    20,
			SinkBuffer:        256,
			SinkTimeout:       2 * time.Second,
			ThreatLogCooldown: 30 * time.Second,
		},
		Inference: InferenceConfig{
			BaseURL:  defaultBaseURL,
			Fallback: DefaultFallback(),
		},
		Catalog: CatalogConfig{
			LoadTimeout: 2 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:nidsguard.db?_pragma=busy_timeout(5000)"},
		Publish: PublishConfig{
			Kafka: KafkaConfig{Enabled: false, Topic: "nidsguard.predictions"},
			NATS:  NATSConfig{Enabled: false, URL: "nats://127.0.0.1:4222", Subject: "nidsguard.predictions"},
		},
		Metrics: MetricsConfig{StoreLimit: 1000, Prometheus: true},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := baseConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = decodeJSON([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = encodeJSON(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// decodeJSON routes JSON through the YAML decoder so durations are written
// the same way in both formats ("3s", not nanoseconds).
func decodeJSON(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	doc, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(doc, cfg)
}

func encodeJSON(cfg *Config) ([]byte, error) {
	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, err
	}
	return json.MarshalIndent(raw, "", "  ")
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := baseConfig()
	if cfg.Pipeline.Interval <= 0 {
		cfg.Pipeline.Interval = def.Pipeline.Interval
	}
	if cfg.Pipeline.Timeout <= 0 {
		cfg.Pipeline.Timeout = def.Pipeline.Timeout
	}
	if cfg.Pipeline.DrainTimeout <= 0 {
		cfg.Pipeline.DrainTimeout = cfg.Pipeline.Timeout + time.Second
	}
	if cfg.Pipeline.BufferCapacity <= 0 {
		cfg.Pipeline.BufferCapacity = def.Pipeline.BufferCapacity
	}
	if cfg.Pipeline.SinkBuffer <= 0 {
		cfg.Pipeline.SinkBuffer = def.Pipeline.SinkBuffer
	}
	if cfg.Pipeline.SinkTimeout <= 0 {
		cfg.Pipeline.SinkTimeout = def.Pipeline.SinkTimeout
	}
	if cfg.Inference.BaseURL == "" {
		cfg.Inference.BaseURL = defaultBaseURL
	}
	if cfg.Inference.Timeout <= 0 {
		cfg.Inference.Timeout = cfg.Pipeline.Timeout
	}
	if cfg.Inference.Fallback == (FallbackConfig{}) {
		cfg.Inference.Fallback = DefaultFallback()
	}
	if cfg.Catalog.BaseURL == "" {
		cfg.Catalog.BaseURL = cfg.Inference.BaseURL
	}
	if cfg.Catalog.LoadTimeout <= 0 {
		cfg.Catalog.LoadTimeout = def.Catalog.LoadTimeout
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Pipeline.Interval <= 0 {
		return errors.New("pipeline.interval must be > 0")
	}
	if cfg.Pipeline.Timeout <= 0 {
		return errors.New("pipeline.timeout must be > 0")
	}
	if cfg.Pipeline.BufferCapacity <= 0 {
		return errors.New("pipeline.buffer_capacity must be > 0")
	}
	if err := ValidateFallback(cfg.Inference.Fallback); err != nil {
		return err
	}
	if cfg.Storage.Enabled && cfg.Storage.Driver == "" {
		return errors.New("storage.driver required when storage.enabled is true")
	}
	if cfg.Publish.Kafka.Enabled {
		if len(cfg.Publish.Kafka.Brokers) == 0 || cfg.Publish.Kafka.Topic == "" {
			return errors.New("publish.kafka requires brokers, topic")
		}
	}
	if cfg.Publish.NATS.Enabled {
		if cfg.Publish.NATS.URL == "" || cfg.Publish.NATS.Subject == "" {
			return errors.New("publish.nats requires url, subject")
		}
	}
	return nil
}

// ValidateFallback requires a threat rate in [0,1] and a non-empty
// confidence range inside (0,1].
func ValidateFallback(fb FallbackConfig) error {
	if math.IsNaN(fb.ThreatRate) || fb.ThreatRate < 0 || fb.ThreatRate > 1 {
		return fmt.Errorf("inference.fallback.threat_rate out of range [0,1]: %v", fb.ThreatRate)
	}
	if math.IsNaN(fb.MinConfidence) || math.IsNaN(fb.MaxConfidence) ||
		fb.MinConfidence <= 0 || fb.MaxConfidence > 1 || fb.MinConfidence >= fb.MaxConfidence {
		return fmt.Errorf("inference.fallback confidence range invalid: [%v,%v]", fb.MinConfidence, fb.MaxConfidence)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file. Update only swaps the
// in-memory value and Watch never reloads.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.mu.Lock()
		m.modTime = info.ModTime()
		m.mu.Unlock()
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
