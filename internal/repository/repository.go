// Package repository persists IOCs, enrichment results, scores, uploads and
// jobs in SQLite. It is the source of truth for everything the API serves.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Common errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidPath  = errors.New("invalid database path")
	ErrInvalidInput = errors.New("invalid input")
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Config holds database settings.
type Config struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DefaultConfig returns defaults for a local database file.
func DefaultConfig() Config {
	return Config{Path: "data/iocforge.db", MaxOpenConns: 4}
}

// Repository is the SQLite-backed store.
type Repository struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database and ensures the schema.
// Path ":memory:" gives a private in-memory database.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" || strings.Contains(path, "\x00") {
		return nil, ErrInvalidPath
	}

	dsn := path
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	r := &Repository{
		db:     db,
		path:   path,
		logger: logger.With(zap.String("component", "repository")),
		now:    time.Now,
	}
	if err := r.verifyForeignKeys(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := r.ensureTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure tables: %w", err)
	}

	r.logger.Info("Database ready", zap.String("path", path))
	return r, nil
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks that the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) verifyForeignKeys(ctx context.Context) error {
	var enabled int
	if err := r.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got %d)", enabled)
	}
	return nil
}

func (r *Repository) ensureTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS iocs (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('url','domain','ipv4','sha256','md5','email','subject_keyword')),
		classification TEXT NOT NULL DEFAULT 'unknown' CHECK(classification IN ('malicious','suspicious','benign','unknown')),
		source_platform TEXT NOT NULL DEFAULT '',
		email_id TEXT NOT NULL DEFAULT '',
		campaign_id TEXT NOT NULL DEFAULT '',
		user_reported INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(type, value)
	);
	CREATE INDEX IF NOT EXISTS idx_iocs_last_seen ON iocs(last_seen);
	CREATE INDEX IF NOT EXISTS idx_iocs_campaign ON iocs(campaign_id);
	CREATE INDEX IF NOT EXISTS idx_iocs_source ON iocs(source_platform);

	CREATE TABLE IF NOT EXISTS enrichment_results (
		ioc_id TEXT NOT NULL REFERENCES iocs(id),
		provider TEXT NOT NULL,
		verdict TEXT NOT NULL CHECK(verdict IN ('malicious','suspicious','benign','unknown')),
		status TEXT NOT NULL CHECK(status IN ('ok','not_found','error')),
		confidence INTEGER CHECK(confidence IS NULL OR (confidence >= 0 AND confidence <= 100)),
		evidence TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		family TEXT NOT NULL DEFAULT '',
		first_seen TEXT,
		last_seen TEXT,
		http_status INTEGER NOT NULL DEFAULT 0,
		raw TEXT,
		queried_at TEXT NOT NULL,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (ioc_id, provider)
	);

	CREATE TABLE IF NOT EXISTS ioc_scores (
		ioc_id TEXT PRIMARY KEY REFERENCES iocs(id),
		risk_score INTEGER NOT NULL CHECK(risk_score >= 0 AND risk_score <= 100),
		attribution_score INTEGER NOT NULL CHECK(attribution_score >= 0 AND attribution_score <= 100),
		risk_band TEXT NOT NULL CHECK(risk_band IN ('Low','Medium','High','Critical')),
		computed_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scores_band ON ioc_scores(risk_band);

	CREATE TABLE IF NOT EXISTS uploads (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		uploaded_by TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT '',
		total_rows INTEGER NOT NULL DEFAULT 0,
		rows_ok INTEGER NOT NULL DEFAULT 0,
		rows_failed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS upload_iocs (
		upload_id TEXT NOT NULL REFERENCES uploads(id),
		ioc_id TEXT NOT NULL REFERENCES iocs(id),
		PRIMARY KEY (upload_id, ioc_id)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		upload_id TEXT NOT NULL REFERENCES uploads(id),
		status TEXT NOT NULL CHECK(status IN ('queued','running','done','incomplete','error')),
		total INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		successful INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_upload ON jobs(upload_id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn in a transaction, rolling back on error.
func (r *Repository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timeFromNull(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
