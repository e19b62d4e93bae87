package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/nox/internal/security"
)

// AuditRepository implements security.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single signed audit record.
func (r *AuditRepository) Append(ctx context.Context, rec security.AuditRecord) error {
	model := toAuditModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

// Query returns the most recent records of a token id, newest first.
// An empty tokenID matches every record. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, tokenID string, limit int) ([]security.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("timestamp DESC").Limit(limit)
	if tokenID != "" {
		q = q.Where("token_id = ?", tokenID)
	}
	var models []AuditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	out := make([]security.AuditRecord, len(models))
	for i := range models {
		out[i] = toAuditRecord(&models[i])
	}
	return out, nil
}

func toAuditModel(rec security.AuditRecord) AuditEventModel {
	ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	q := url.Values{}
	for k, v := range rec.QueryParams {
		q.Set(k, v)
	}
	return AuditEventModel{
		ID:              uuid.New(),
		RequestID:       rec.RequestID,
		Timestamp:       ts,
		ClientIP:        rec.ClientIP,
		UserAgent:       rec.UserAgent,
		TokenID:         rec.TokenID,
		Method:          rec.Method,
		Endpoint:        rec.Endpoint,
		Query:           q.Encode(),
		ResponseCode:    rec.ResponseCode,
		ExecutionTimeMS: rec.ExecutionTimeMS,
		ErrorMessage:    rec.ErrorMessage,
		Signature:       rec.Signature,
	}
}

func toAuditRecord(m *AuditEventModel) security.AuditRecord {
	rec := security.AuditRecord{
		RequestID:       m.RequestID,
		ClientIP:        m.ClientIP,
		UserAgent:       m.UserAgent,
		TokenID:         m.TokenID,
		Method:          m.Method,
		Endpoint:        m.Endpoint,
		QueryParams:     map[string]string{},
		ResponseCode:    m.ResponseCode,
		ExecutionTimeMS: m.ExecutionTimeMS,
		ErrorMessage:    m.ErrorMessage,
		Signature:       m.Signature,
	}
	rec.Stamp(m.Timestamp)
	if q, err := url.ParseQuery(m.Query); err == nil {
		for k := range q {
			rec.QueryParams[k] = q.Get(k)
		}
	}
	return rec
}

var _ security.AuditStore = (*AuditRepository)(nil)
