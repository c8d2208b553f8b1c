package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"nidsguard/internal/model"
)

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS predictions (
    ID             String,
    ProducedAt     DateTime64(6, 'UTC'),
    ModelID        String,
    Label          LowCardinality(String),
    Confidence     Float64,
    Source         LowCardinality(String),
    FallbackReason String,
    FeaturesJSON   String
) ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(ProducedAt)
ORDER BY (ModelID, ProducedAt, ID);
`

const clickhouseStatsSchema = `
CREATE TABLE IF NOT EXISTS model_stats (
    Timestamp      DateTime,
    ModelID        String,
    Total          UInt64,
    Threats        UInt64,
    Fallbacks      UInt64,
    LastConfidence Float64
) ENGINE = MergeTree()
ORDER BY (ModelID, Timestamp);
`

type clickhouseStore struct {
	conn driver.Conn
}

// NewClickHouse opens a native-protocol connection, e.g.
// clickhouse://default:@localhost:9000/nidsguard.
func NewClickHouse(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "clickhouse://localhost:9000/default"
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseStore{conn: conn}, nil
}

func (s *clickhouseStore) Init(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	for _, stmt := range []string{clickhouseSchema, clickhouseStatsSchema} {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *clickhouseStore) Close() error {
	return s.conn.Close()
}

func (s *clickhouseStore) SavePrediction(ctx context.Context, res model.PredictionResult) error {
	if res.ID == "" {
		return errors.New("prediction without id")
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO predictions")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(
		res.ID,
		res.ProducedAt.UTC(),
		res.ModelID,
		string(res.Label),
		res.Confidence,
		string(res.Source),
		res.FallbackReason,
		encodeJSON(res.Features),
	); err != nil {
		return fmt.Errorf("failed to append prediction: %w", err)
	}
	return batch.Send()
}

func (s *clickhouseStore) SaveStats(ctx context.Context, stats []model.ModelStats) error {
	if len(stats) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO model_stats")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	ts := nowUTC()
	for _, st := range stats {
		if err := batch.Append(ts, st.ModelID, uint64(st.Total), uint64(st.Threats), uint64(st.Fallbacks), st.LastConfidence); err != nil {
			return fmt.Errorf("failed to append stats: %w", err)
		}
	}
	return batch.Send()
}

func (s *clickhouseStore) RecentPredictions(ctx context.Context, limit int) ([]model.PredictionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx,
		`SELECT ID, ProducedAt, ModelID, Label, Confidence, Source, FallbackReason, FeaturesJSON
		FROM predictions FINAL ORDER BY ProducedAt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PredictionResult
	for rows.Next() {
		var (
			res                  model.PredictionResult
			label, source, feats string
		)
		if err := rows.Scan(&res.ID, &res.ProducedAt, &res.ModelID, &label, &res.Confidence, &source, &res.FallbackReason, &feats); err != nil {
			return nil, err
		}
		res.Label = model.Label(label)
		res.Source = model.Source(source)
		res.Features = decodeFeatures(feats)
		out = append(out, res)
	}
	return out, rows.Err()
}
