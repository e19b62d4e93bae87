package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/nox/internal/quota"
)

// QuotaRepository implements quota.Ledger on top of GORM.
// Every operation locks the credential's row (SELECT ... FOR UPDATE) inside a
// transaction; on SQLite the write transaction serialises instead.
type QuotaRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewQuotaRepository creates a QuotaRepository.
func NewQuotaRepository(db *gorm.DB) *QuotaRepository {
	return &QuotaRepository{db: db, now: time.Now}
}

// Admit implements quota.Ledger.
func (r *QuotaRepository) Admit(ctx context.Context, fingerprint string, limits quota.Limits) (quota.Usage, error) {
	var (
		usage    quota.Usage
		rejected error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := r.lockRow(tx, fingerprint)
		if err != nil {
			return err
		}
		usage = toUsage(row)
		quota.Roll(&usage, r.now().UTC())

		if rejected = quota.Check(usage, limits); rejected != nil {
			// Persist a reset even when the request is rejected.
			return r.save(tx, usage)
		}
		usage.Requests++
		return r.save(tx, usage)
	})
	if err != nil {
		return quota.Usage{}, fmt.Errorf("admitting against quota: %w", err)
	}
	return usage, rejected
}

// AddCPU implements quota.Ledger.
func (r *QuotaRepository) AddCPU(ctx context.Context, fingerprint string, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := r.lockRow(tx, fingerprint)
		if err != nil {
			return err
		}
		usage := toUsage(row)
		quota.Roll(&usage, r.now().UTC())
		usage.CPUSeconds += seconds
		return r.save(tx, usage)
	})
	if err != nil {
		return fmt.Errorf("charging cpu time: %w", err)
	}
	return nil
}

// Usage implements quota.Ledger. A stale window is reported as reset but not
// written back.
func (r *QuotaRepository) Usage(ctx context.Context, fingerprint string) (quota.Usage, error) {
	var row QuotaLedgerModel
	err := r.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Limit(1).Find(&row).Error
	if err != nil {
		return quota.Usage{}, fmt.Errorf("reading quota usage: %w", err)
	}
	usage := toUsage(row)
	usage.Fingerprint = fingerprint
	quota.Roll(&usage, r.now().UTC())
	return usage, nil
}

// lockRow makes sure the row exists and then re-reads it with FOR UPDATE.
func (r *QuotaRepository) lockRow(tx *gorm.DB, fingerprint string) (QuotaLedgerModel, error) {
	fresh := QuotaLedgerModel{Fingerprint: fingerprint, WindowStart: r.now().UTC()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return QuotaLedgerModel{}, fmt.Errorf("creating quota row: %w", err)
	}
	var row QuotaLedgerModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "fingerprint = ?", fingerprint).Error; err != nil {
		return QuotaLedgerModel{}, fmt.Errorf("locking quota row: %w", err)
	}
	return row, nil
}

func (r *QuotaRepository) save(tx *gorm.DB, u quota.Usage) error {
	err := tx.Model(&QuotaLedgerModel{}).
		Where("fingerprint = ?", u.Fingerprint).
		Updates(map[string]any{
			"requests":     u.Requests,
			"cpu_seconds":  u.CPUSeconds,
			"window_start": u.WindowStart,
		}).Error
	if err != nil {
		return fmt.Errorf("updating quota row: %w", err)
	}
	return nil
}

func toUsage(m QuotaLedgerModel) quota.Usage {
	return quota.Usage{
		Fingerprint: m.Fingerprint,
		Requests:    m.Requests,
		CPUSeconds:  m.CPUSeconds,
		WindowStart: m.WindowStart.UTC(),
	}
}

var _ quota.Ledger = (*QuotaRepository)(nil)
