package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nidsguard/internal/config"
	"nidsguard/internal/model"
)

// Store persists prediction results outside the in-memory buffer.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SavePrediction(ctx context.Context, res model.PredictionResult) error
	SaveStats(ctx context.Context, stats []model.ModelStats) error
	RecentPredictions(ctx context.Context, limit int) ([]model.PredictionResult, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "clickhouse":
		return NewClickHouse(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// sqlStore holds the queries shared by the database/sql drivers. Queries are
// written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	schema   []string
	dollar   bool
	timeArg  func(time.Time) any
	upsert   string
	statsSQL string
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) SavePrediction(ctx context.Context, res model.PredictionResult) error {
	if s.db == nil {
		return nil
	}
	if res.ID == "" {
		return errors.New("prediction without id")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(s.upsert),
		res.ID,
		s.timeArg(res.ProducedAt),
		res.ModelID,
		string(res.Label),
		res.Confidence,
		string(res.Source),
		res.FallbackReason,
		encodeJSON(res.Features),
	)
	return err
}

func (s *sqlStore) SaveStats(ctx context.Context, stats []model.ModelStats) error {
	if s.db == nil || len(stats) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(s.statsSQL))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	ts := s.timeArg(nowUTC())
	for _, st := range stats {
		if _, err := stmt.ExecContext(ctx, ts, st.ModelID, st.Total, st.Threats, st.Fallbacks, st.LastConfidence); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) RecentPredictions(ctx context.Context, limit int) ([]model.PredictionResult, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, produced_at, model_id, label, confidence, source, fallback_reason, features_json
		FROM predictions ORDER BY produced_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PredictionResult
	for rows.Next() {
		var (
			res                  model.PredictionResult
			produced             any
			label, source, feats string
		)
		if err := rows.Scan(&res.ID, &produced, &res.ModelID, &label, &res.Confidence, &source, &res.FallbackReason, &feats); err != nil {
			return nil, err
		}
		res.ProducedAt = scanTime(produced)
		res.Label = model.Label(label)
		res.Source = model.Source(source)
		res.Features = decodeFeatures(feats)
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *sqlStore) rebind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func scanTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		ts, _ := time.Parse(time.RFC3339Nano, t)
		return ts
	case []byte:
		ts, _ := time.Parse(time.RFC3339Nano, string(t))
		return ts
	}
	return time.Time{}
}

func decodeFeatures(raw string) map[string]float64 {
	if raw == "" || raw == "null" {
		return nil
	}
	var out map[string]float64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
