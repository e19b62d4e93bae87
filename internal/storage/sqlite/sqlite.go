// Package sqlite opens the single-node SQL store: a SQLite file through the
// pure Go glebarez driver. One connection serialises writers, so the ledger
// needs no row locks.
package sqlite

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/nox/internal/storage"
	pgstore "github.com/jkaninda/nox/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // Default: wal
}

// Store is the shared SQL store over a SQLite file.
type Store struct {
	*pgstore.Store
	path string
}

// Open creates the database file and its directory if needed. Call Migrate
// before use.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}
	journal := cfg.JournalMode
	if journal == "" {
		journal = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, journal)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(log),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journal))
	return &Store{Store: pgstore.Wrap(db, storage.DriverSQLite), path: cfg.Path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

var _ storage.Store = (*Store)(nil)
