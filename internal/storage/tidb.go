package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/labfetch/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const historySchema = `CREATE TABLE IF NOT EXISTS history (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	filename VARCHAR(512) NOT NULL,
	size BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	sha256 CHAR(64) NOT NULL,
	completed_at DATETIME(3) NOT NULL
)`

// HistoryStore records finished downloads in TiDB with tracing
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens the database and creates the history table
func NewHistoryStore(dsn string) (*HistoryStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	hs := NewHistoryStoreFromDB(db)
	if err := hs.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return hs, nil
}

// NewHistoryStoreFromDB wraps an already open handle
func NewHistoryStoreFromDB(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

// Close closes the database connection
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}

// EnsureSchema creates the history table if it is missing
func (hs *HistoryStore) EnsureSchema(ctx context.Context) error {
	if _, err := hs.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	return nil
}

// RecordCompletion inserts one finished download
func (hs *HistoryStore) RecordCompletion(ctx context.Context, c models.Completion) error {
	ctx, span := tracer.Start(ctx, "tidb.record_completion",
		trace.WithAttributes(
			attribute.String("file_name", c.FileName),
			attribute.Int64("file_size", c.Size),
		),
	)
	defer span.End()

	query := `INSERT INTO history (filename, size, duration_ms, sha256, completed_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := hs.db.ExecContext(ctx, query, c.FileName, c.Size, c.Duration.Milliseconds(), c.SHA256, c.CompletedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert history: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// RecentHistory returns the latest completions, newest first
func (hs *HistoryStore) RecentHistory(ctx context.Context, limit int) ([]models.Completion, error) {
	ctx, span := tracer.Start(ctx, "tidb.recent_history",
		trace.WithAttributes(
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	query := `SELECT filename, size, duration_ms, sha256, completed_at
			  FROM history
			  ORDER BY completed_at DESC
			  LIMIT ?`

	rows, err := hs.db.QueryContext(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []models.Completion
	for rows.Next() {
		var (
			c          models.Completion
			durationMS int64
		)
		if err := rows.Scan(&c.FileName, &c.Size, &durationMS, &c.SHA256, &c.CompletedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		c.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	span.SetAttributes(attribute.Int("row_count", len(out)))
	return out, nil
}
