package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/fault"
	"github.com/speedwagon-io/garden/internal/model"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type SQLiteRecorder struct {
	log         *slog.Logger
	db          *sql.DB
	table       string
	insertQuery string
}

func NewSQLiteRecorder(log *slog.Logger, cfg *config.StoreConfig) (*SQLiteRecorder, error) {
	table := cfg.Table
	if table == "" {
		table = "tbl_analog"
	}
	// the table name is spliced into SQL, values never are
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	rec := &SQLiteRecorder{
		log:         log,
		db:          db,
		table:       table,
		insertQuery: fmt.Sprintf("INSERT INTO %s (timestamp, tag, value) VALUES (?, ?, ?)", table),
	}

	if err := rec.migrate(!cfg.SkipMigrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return rec, nil
}

func (r *SQLiteRecorder) migrate(readings bool) error {
	query := `
		CREATE TABLE IF NOT EXISTS tbl_exchange (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			address TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			bytes_sent INTEGER NOT NULL,
			bytes_received INTEGER NOT NULL,
			readings INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_exchange_started_at ON tbl_exchange(started_at);
	`
	if readings {
		query += fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp INTEGER NOT NULL,
			tag TEXT NOT NULL,
			value NUMERIC
		);
		CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp);
		`, r.table, r.table, r.table)
	}

	_, err := r.db.Exec(query)
	return err
}

func (r *SQLiteRecorder) Record(ctx context.Context, reading *model.SensorReading) (int, error) {
	if err := reading.Validate(); err != nil {
		return 0, fault.PersistenceError("validate reading", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fault.PersistenceError("begin", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.insertQuery)
	if err != nil {
		return 0, fault.PersistenceError("prepare", fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer stmt.Close()

	for i, tag := range reading.Sensors {
		if _, err := stmt.ExecContext(ctx, reading.Timestamp, tag, reading.Readings[i]); err != nil {
			return 0, fault.PersistenceError("insert", fmt.Errorf("failed to insert reading %q: %w", tag, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fault.PersistenceError("commit", fmt.Errorf("failed to commit transaction: %w", err))
	}

	r.log.Debug("readings recorded",
		slog.String("table", r.table),
		slog.Int64("timestamp", reading.Timestamp),
		slog.Int("count", reading.Len()),
	)
	return reading.Len(), nil
}

func (r *SQLiteRecorder) Journal(ctx context.Context, entry *model.ExchangeRecord) error {
	query := `
		INSERT INTO tbl_exchange (id, mode, address, started_at, duration_ms, bytes_sent, bytes_received, readings, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Mode,
		entry.Address,
		entry.StartedAt.UnixMilli(),
		entry.Duration.Milliseconds(),
		entry.BytesSent,
		entry.BytesReceived,
		entry.Readings,
		string(entry.Status),
		sql.NullString{String: entry.Error, Valid: entry.Error != ""},
	)
	if err != nil {
		return fault.PersistenceError("journal", fmt.Errorf("failed to journal exchange: %w", err))
	}

	return nil
}

// Recent returns the newest journal entries first.
func (r *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]*model.ExchangeRecord, error) {
	query := `
		SELECT id, mode, address, started_at, duration_ms, bytes_sent, bytes_received, readings, status, error
		FROM tbl_exchange
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []*model.ExchangeRecord
	for rows.Next() {
		var (
			e                     model.ExchangeRecord
			startedAt, durationMS int64
			status                string
			errText               sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Mode, &e.Address, &startedAt, &durationMS,
			&e.BytesSent, &e.BytesReceived, &e.Readings, &status, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedAt).UTC()
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Status = model.ExchangeStatus(status)
		e.Error = errText.String
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

func (r *SQLiteRecorder) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge).UnixMilli()

	result, err := r.db.ExecContext(ctx, "DELETE FROM tbl_exchange WHERE started_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup journal: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		r.log.Info("cleaned up old journal entries", slog.Int64("deleted", deleted))
	}

	return nil
}

// Count reports the number of stored readings.
func (r *SQLiteRecorder) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", r.table)).Scan(&count)
	return count, err
}

func (r *SQLiteRecorder) Health(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
