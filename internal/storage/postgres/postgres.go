// Package postgres holds the GORM models and repositories of the SQL quota
// ledger and audit mirror, and the PostgreSQL Store. The sqlite package
// reuses the same Store over its own connection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/storage"
)

// Config configures the PostgreSQL connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 10
	ConnMaxLifetime time.Duration // Default: 30m
}

// Store is a storage.Store over a GORM connection.
type Store struct {
	db     *gorm.DB
	driver string
	quota  *QuotaRepository
	audit  *AuditRepository
}

// Open connects to PostgreSQL. Call Migrate before use.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(log),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen / 2)
	sqlDB.SetConnMaxLifetime(lifetime)

	log.Info("postgres connected", slog.Int("max_open_conns", maxOpen))
	return Wrap(db, storage.DriverPostgres), nil
}

// Wrap builds a Store over an open connection of any GORM dialect.
func Wrap(db *gorm.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: driver,
		quota:  NewQuotaRepository(db),
		audit:  NewAuditRepository(db),
	}
}

func (s *Store) Quota() quota.Ledger       { return s.quota }
func (s *Store) Audit() storage.AuditStore { return s.audit }
func (s *Store) Driver() string            { return s.driver }

// Migrate creates or updates the ledger and audit tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&QuotaLedgerModel{}, &AuditEventModel{})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ storage.Store = (*Store)(nil)

// slowQuery is the duration above which a statement is logged.
const slowQuery = 200 * time.Millisecond

// gormLogger sends GORM output to slog: failed and slow statements at warn,
// everything else is dropped.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

// NewGormLogger adapts log for GORM.
func NewGormLogger(log *slog.Logger) logger.Interface {
	return &gormLogger{log: log, level: logger.Warn}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *l
	c.level = level
	return &c
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.log.WarnContext(ctx, "sql statement failed",
			slog.String("sql", sql), slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed), slog.String("error", err.Error()))
	case elapsed > slowQuery && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.WarnContext(ctx, "slow sql statement",
			slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed))
	}
}
