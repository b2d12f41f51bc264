package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// Item statuses recorded in the ledger.
const (
	ItemStored  = "stored"
	ItemSkipped = "skipped" // already present in the bucket
	ItemFailed  = "failed"
)

// Ledger records archived batches.
type Ledger interface {
	RecordBatch(ctx context.Context, entry *BatchEntry) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// BatchEntry is one dispatched batch.
type BatchEntry struct {
	BatchID      string    `db:"batch_id"`
	Dataset      string    `db:"dataset"`
	Stamp        string    `db:"stamp"`
	Username     string    `db:"username"`
	UserID       string    `db:"user_id"`
	Bucket       string    `db:"bucket"`
	IsPool       bool      `db:"is_pool"`
	ItemCount    int       `db:"item_count"`
	TotalBytes   int64     `db:"total_bytes"`
	AckStatus    string    `db:"ack_status"`
	DispatchedAt time.Time `db:"dispatched_at"`
	Emotions     []string  `db:"-"`

	Items []ItemEntry `db:"-"`
}

// ItemEntry is one recording of a batch.
type ItemEntry struct {
	BatchID   string    `db:"batch_id"`
	Index     int       `db:"item_index"`
	SessionID string    `db:"session_id"`
	Label     string    `db:"label"`
	Timestamp string    `db:"timestamp"`
	ObjectKey string    `db:"object_key"`
	SizeBytes int64     `db:"size_bytes"`
	Checksum  string    `db:"checksum"`
	Pool      bool      `db:"is_pool"`
	Partial   bool      `db:"partial"`
	StartedAt time.Time `db:"started_at"`
	EndedAt   time.Time `db:"ended_at"`
	Status    string    `db:"status"`
	LastError string    `db:"last_error"`
}

// PostgresLedger implements Ledger on PostgreSQL.
type PostgresLedger struct {
	db  *sqlx.DB
	log recorderlog.Logger
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger opens the database and creates the ledger tables.
func NewPostgresLedger(ctx context.Context, cfg config.PostgresConfig, log recorderlog.Logger) (*PostgresLedger, error) {
	if log == nil {
		log = recorderlog.L()
	}

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxConnections)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := &PostgresLedger{db: db, log: log.Named("ledger")}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *PostgresLedger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calibration_batches (
		batch_id UUID PRIMARY KEY,
		dataset VARCHAR(255) NOT NULL,
		stamp VARCHAR(32) NOT NULL,
		username VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		bucket VARCHAR(255) NOT NULL,
		is_pool BOOLEAN NOT NULL DEFAULT FALSE,
		item_count INTEGER NOT NULL,
		total_bytes BIGINT NOT NULL,
		emotions TEXT[] NOT NULL DEFAULT '{}',
		ack_status VARCHAR(64) NOT NULL DEFAULT '',
		dispatched_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS calibration_items (
		batch_id UUID REFERENCES calibration_batches(batch_id) ON DELETE CASCADE,
		item_index INTEGER NOT NULL,
		session_id UUID NOT NULL,
		label VARCHAR(64) NOT NULL,
		timestamp VARCHAR(48) NOT NULL,
		object_key VARCHAR(500) NOT NULL,
		size_bytes BIGINT NOT NULL,
		checksum VARCHAR(64) NOT NULL,
		is_pool BOOLEAN NOT NULL DEFAULT FALSE,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('stored', 'skipped', 'failed')),
		last_error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (batch_id, item_index)
	);

	CREATE INDEX IF NOT EXISTS idx_calibration_batches_dataset ON calibration_batches(dataset);
	CREATE INDEX IF NOT EXISTS idx_calibration_batches_dispatched_at ON calibration_batches(dispatched_at DESC);
	CREATE INDEX IF NOT EXISTS idx_calibration_items_label ON calibration_items(label);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// RecordBatch writes the batch row and its items in one transaction. Re-recording a
// batch replaces its items.
func (l *PostgresLedger) RecordBatch(ctx context.Context, entry *BatchEntry) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO calibration_batches (
			batch_id, dataset, stamp, username, user_id, bucket, is_pool,
			item_count, total_bytes, emotions, ack_status, dispatched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (batch_id) DO UPDATE SET
			item_count = EXCLUDED.item_count,
			total_bytes = EXCLUDED.total_bytes,
			ack_status = EXCLUDED.ack_status`,
		entry.BatchID, entry.Dataset, entry.Stamp, entry.Username, entry.UserID, entry.Bucket, entry.IsPool,
		entry.ItemCount, entry.TotalBytes, pq.Array(entry.Emotions), entry.AckStatus, entry.DispatchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch %s: %w", entry.BatchID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM calibration_items WHERE batch_id = $1`, entry.BatchID); err != nil {
		return fmt.Errorf("failed to clear items of batch %s: %w", entry.BatchID, err)
	}

	if len(entry.Items) > 0 {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO calibration_items (
				batch_id, item_index, session_id, label, timestamp, object_key, size_bytes, checksum,
				is_pool, partial, started_at, ended_at, status, last_error
			) VALUES (
				:batch_id, :item_index, :session_id, :label, :timestamp, :object_key, :size_bytes, :checksum,
				:is_pool, :partial, :started_at, :ended_at, :status, :last_error
			)`, entry.Items)
		if err != nil {
			return fmt.Errorf("failed to save items of batch %s: %w", entry.BatchID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch %s: %w", entry.BatchID, err)
	}

	l.log.Info("batch recorded",
		recorderlog.String("batch_id", entry.BatchID),
		recorderlog.String("dataset", entry.Dataset),
		recorderlog.Int("items", len(entry.Items)))
	return nil
}

// HealthCheck pings the database.
func (l *PostgresLedger) HealthCheck(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
