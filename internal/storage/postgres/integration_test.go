//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/nox/internal/quota"
	"github.com/jkaninda/nox/internal/security"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db
}

// --- Quota Atomicity ---

func TestQuotaAtomicity_ConcurrentAdmits(t *testing.T) {
	db := testDB(t)
	repo := db.quota
	fp := "it-" + uuid.New().String()[:8]
	ctx := context.Background()

	const numWorkers = 30
	limits := quota.Limits{DailyRequests: 10}

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			if _, err := repo.Admit(ctx, fp, limits); err != nil {
				rejected.Add(1)
				return
			}
			admitted.Add(1)
		}()
	}
	wg.Wait()

	if admitted.Load() != 10 {
		t.Errorf("admitted = %d, want 10", admitted.Load())
	}
	if rejected.Load() != numWorkers-10 {
		t.Errorf("rejected = %d, want %d", rejected.Load(), numWorkers-10)
	}
	u, err := repo.Usage(ctx, fp)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.Requests != 10 {
		t.Errorf("stored Requests = %d, want 10", u.Requests)
	}
}

func TestQuotaAtomicity_ConcurrentCPU(t *testing.T) {
	db := testDB(t)
	repo := db.quota
	fp := "it-" + uuid.New().String()[:8]
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.AddCPU(ctx, fp, 0.5); err != nil {
				t.Errorf("AddCPU: %v", err)
			}
		}()
	}
	wg.Wait()

	u, err := repo.Usage(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if u.CPUSeconds != 10 {
		t.Errorf("CPUSeconds = %v, want 10", u.CPUSeconds)
	}
}

func TestQuota_WindowRollover(t *testing.T) {
	db := testDB(t)
	repo := db.quota
	fp := "it-" + uuid.New().String()[:8]
	ctx := context.Background()
	now := time.Now().UTC()
	repo.now = func() time.Time { return now }

	limits := quota.Limits{DailyRequests: 1}
	if _, err := repo.Admit(ctx, fp, limits); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Admit(ctx, fp, limits); err == nil {
		t.Fatal("second admit should be rejected")
	}
	now = now.Add(quota.Window)
	if _, err := repo.Admit(ctx, fp, limits); err != nil {
		t.Errorf("admit after window: %v", err)
	}
}

// --- Audit Mirror ---

func TestAuditRepository_AppendOnly(t *testing.T) {
	db := testDB(t)
	repo := db.audit
	ctx := context.Background()
	tok := uuid.New().String()[:16]

	rec := security.AuditRecord{
		RequestID:    uuid.New().String(),
		Endpoint:     "/list",
		Method:       "GET",
		TokenID:      tok,
		ResponseCode: 200,
		Signature:    "abc",
	}
	rec.Stamp(time.Now())
	if err := repo.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := repo.Query(ctx, tok, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != rec.RequestID {
		t.Errorf("Query = %+v", got)
	}
}
