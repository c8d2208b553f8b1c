package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// fixed width so produced_at sorts lexically
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:nidsguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	return &sqlStore{
		db: db,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS predictions (
				id TEXT PRIMARY KEY,
				produced_at TEXT NOT NULL,
				model_id TEXT NOT NULL,
				label TEXT NOT NULL,
				confidence REAL NOT NULL,
				source TEXT NOT NULL,
				fallback_reason TEXT NOT NULL,
				features_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_predictions_produced ON predictions(produced_at)`,
			`CREATE INDEX IF NOT EXISTS idx_predictions_model ON predictions(model_id)`,
			`CREATE TABLE IF NOT EXISTS model_stats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				model_id TEXT NOT NULL,
				total INTEGER NOT NULL,
				threats INTEGER NOT NULL,
				fallbacks INTEGER NOT NULL,
				last_confidence REAL NOT NULL
			)`,
		},
		timeArg: func(t time.Time) any { return t.UTC().Format(sqliteTime) },
		upsert: `INSERT OR IGNORE INTO predictions (id, produced_at, model_id, label, confidence, source, fallback_reason, features_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		statsSQL: `INSERT INTO model_stats (ts, model_id, total, threats, fallbacks, last_confidence)
			VALUES (?, ?, ?, ?, ?, ?)`,
	}, nil
}
