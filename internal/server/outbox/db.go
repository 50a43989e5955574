// Package outbox persists the relay's durable message queue and the log
// of events received from bridge agents. The outbox table is append-only:
// rows are enqueued as pending and flipped to delivered exactly once by an
// acknowledgement, never deleted.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/kaikybrofc/omnizap-relay/db/migrations"
)

const (
	defaultDBPath        = "./data/omnizap-relay.db"
	defaultBusyTimeoutMS = 5000
)

type Options struct {
	Path          string
	BusyTimeoutMS int
}

// Store owns the relay database. All queries run through it.
type Store struct {
	sql   *sql.DB
	nowFn func() time.Time
}

var gooseSetupOnce sync.Once

func Open(ctx context.Context, opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultDBPath
	}
	busyTimeout := opts.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeoutMS
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	cleanupOnErr := true
	defer func() {
		if cleanupOnErr {
			_ = db.Close()
		}
	}()

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db, busyTimeout); err != nil {
		return nil, err
	}

	if err := runMigrations(ctx, db); err != nil {
		return nil, err
	}

	cleanupOnErr = false
	return &Store{
		sql:   db,
		nowFn: time.Now,
	}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB, busyTimeoutMS int) error {
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	gooseSetupOnce.Do(func() {
		goose.SetBaseFS(migrations.Files)
		goose.SetVerbose(false)
	})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func ensureParentDir(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == ":memory:" || strings.HasPrefix(trimmed, "file:") {
		return nil
	}
	parentDir := filepath.Dir(trimmed)
	if parentDir == "." || parentDir == "" {
		return nil
	}
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("create sqlite parent directory %q: %w", parentDir, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}
