// Package store persists post-call records to Postgres.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxmedica/voxmedica/src/logger"
)

// CallRecord is the persisted outcome of one session.
type CallRecord struct {
	SessionID     string
	CallerPhone   string
	StartedAt     time.Time
	Duration      time.Duration
	Outcome       string // "completed" | "not_completed"
	Action        string
	Sentiment     string
	Motivation    string
	PatientIntent string
	Summary       string
	TokenCount    int
	CostEstimate  float64
	Transcript    string
	StateSnapshot map[string]interface{}
}

// RecordStore is what the post-call extractor needs from persistence.
type RecordStore interface {
	SaveCallRecord(ctx context.Context, record *CallRecord) error
	Close()
}

// PostgresStore is a RecordStore backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveCallRecord inserts the record and its transcript/state blob.
func (s *PostgresStore) SaveCallRecord(ctx context.Context, record *CallRecord) error {
	snapshot, err := json.Marshal(record.StateSnapshot)
	if err != nil {
		logger.Warn("[Store] Marshalling state snapshot for %s: %v", record.SessionID, err)
		snapshot = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO call_records (
			session_id, caller_phone, started_at, duration_ms,
			outcome, action, sentiment, motivation, patient_intent,
			summary, token_count, cost_estimate, transcript, state_snapshot
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		record.SessionID, record.CallerPhone, record.StartedAt, record.Duration.Milliseconds(),
		record.Outcome, record.Action, record.Sentiment, record.Motivation, record.PatientIntent,
		record.Summary, record.TokenCount, record.CostEstimate, record.Transcript, snapshot,
	)
	if err != nil {
		return fmt.Errorf("inserting call record %s: %w", record.SessionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
