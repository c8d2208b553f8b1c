package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/nidsguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{
		db:     db,
		dollar: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS predictions (
				id UUID PRIMARY KEY,
				produced_at TIMESTAMPTZ NOT NULL,
				model_id TEXT NOT NULL,
				label TEXT NOT NULL,
				confidence DOUBLE PRECISION NOT NULL,
				source TEXT NOT NULL,
				fallback_reason TEXT NOT NULL,
				features_json JSONB NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_predictions_produced ON predictions(produced_at)`,
			`CREATE INDEX IF NOT EXISTS idx_predictions_model ON predictions(model_id)`,
			`CREATE TABLE IF NOT EXISTS model_stats (
				id BIGSERIAL PRIMARY KEY,
				ts TIMESTAMPTZ NOT NULL,
				model_id TEXT NOT NULL,
				total INTEGER NOT NULL,
				threats INTEGER NOT NULL,
				fallbacks INTEGER NOT NULL,
				last_confidence DOUBLE PRECISION NOT NULL
			)`,
		},
		timeArg: func(t time.Time) any { return t.UTC() },
		upsert: `INSERT INTO predictions (id, produced_at, model_id, label, confidence, source, fallback_reason, features_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
		statsSQL: `INSERT INTO model_stats (ts, model_id, total, threats, fallbacks, last_confidence)
			VALUES (?, ?, ?, ?, ?, ?)`,
	}, nil
}
