package postgres

import (
	"time"

	"github.com/google/uuid"
)

// QuotaLedgerModel maps to the "quota_ledger" table: one row per credential
// fingerprint holding the usage of its current 24h window.
type QuotaLedgerModel struct {
	Fingerprint string    `gorm:"primaryKey;size:64"`
	Requests    int       `gorm:"not null;default:0"`
	CPUSeconds  float64   `gorm:"not null;default:0"`
	WindowStart time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time
}

func (QuotaLedgerModel) TableName() string { return "quota_ledger" }

// AuditEventModel maps to the "audit_events" table, a queryable mirror of
// the signed audit log.
type AuditEventModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID       string    `gorm:"index"`
	Timestamp       time.Time `gorm:"not null;index"`
	ClientIP        string
	UserAgent       string
	TokenID         string `gorm:"not null;index"`
	Method          string `gorm:"not null"`
	Endpoint        string `gorm:"not null"`
	Query           string
	ResponseCode    int     `gorm:"not null"`
	ExecutionTimeMS float64 `gorm:"not null"`
	ErrorMessage    string
	Signature       string `gorm:"not null"`
	CreatedAt       time.Time
}

func (AuditEventModel) TableName() string { return "audit_events" }
