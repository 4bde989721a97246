package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/quantdesk/layoutsync/layout"
)

const (
	postgresRecordTableName  = "layout_records"
	postgresHistoryTableName = "layout_record_history"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores one current record per identity plus an
// append-only history of superseded versions for audit and rollback.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

func (b *PostgresBackend) Read(ctx context.Context, identityKey string) (layout.Record, error) {
	if err := b.ensureReady(); err != nil {
		return layout.Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(opCtx,
		`SELECT record FROM `+postgresRecordTableName+` WHERE identity_key = $1`,
		identityKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return layout.Record{}, ErrNotFound
	}
	if err != nil {
		return layout.Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec layout.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return layout.Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	rec.IdentityKey = identityKey
	return rec, nil
}

func (b *PostgresBackend) Write(ctx context.Context, identityKey string, rec layout.Record) error {
	if strings.TrimSpace(identityKey) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(opCtx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Superseded versions move to the history table before the upsert.
	_, err = tx.ExecContext(opCtx, `
		INSERT INTO `+postgresHistoryTableName+` (identity_key, version, writer_id, record, superseded_at)
		SELECT identity_key, version, writer_id, record, NOW()
		FROM `+postgresRecordTableName+` WHERE identity_key = $1`, identityKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	_, err = tx.ExecContext(opCtx, `
		INSERT INTO `+postgresRecordTableName+` (identity_key, version, writer_id, record, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (identity_key)
		DO UPDATE SET version = EXCLUDED.version, writer_id = EXCLUDED.writer_id,
			record = EXCLUDED.record, updated_at = NOW()`,
		identityKey, rec.Version, rec.WriterID, string(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresRecordTableName + ` (
				identity_key TEXT PRIMARY KEY,
				version BIGINT NOT NULL,
				writer_id TEXT NOT NULL,
				record TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS ` + postgresHistoryTableName + ` (
				id BIGSERIAL PRIMARY KEY,
				identity_key TEXT NOT NULL,
				version BIGINT NOT NULL,
				writer_id TEXT NOT NULL,
				record TEXT NOT NULL,
				superseded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}
