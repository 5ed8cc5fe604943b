package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/playbook/internal/store"
)

func TestArchiveRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("playbook"),
		tcPostgres.WithUsername("playbook"),
		tcPostgres.WithPassword("playbook"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://playbook:playbook@%s:%s/playbook?sslmode=disable", host, port.Port())
	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	archive, err := store.NewArchive(ctx, dsn)
	if err != nil {
		t.Fatalf("archive init: %v", err)
	}
	defer archive.Close()

	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		record := map[string]interface{}{
			"id":   fmt.Sprintf("research_%d", i),
			"date": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			"research_result": map[string]interface{}{
				"key_finding": fmt.Sprintf("finding %d", i),
			},
		}
		if err := archive.ArchiveRecord(ctx, "nvda", record); err != nil {
			t.Fatalf("archive %d: %v", i, err)
		}
	}

	records, err := archive.ArchivedRecords(ctx, "nvda", 2)
	if err != nil {
		t.Fatalf("archived records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["id"] != "research_2" {
		t.Fatalf("newest record should come first: %v", records[0]["id"])
	}

	// Re-archiving the same id updates in place rather than duplicating.
	if err := archive.ArchiveRecord(ctx, "nvda", map[string]interface{}{
		"id":           "research_0",
		"date":         base.Format(time.RFC3339),
		"is_milestone": true,
	}); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	all, err := archive.ArchivedRecords(ctx, "nvda", 0)
	if err != nil {
		t.Fatalf("archived records: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("upsert should not duplicate, got %d records", len(all))
	}

	if err := archive.MarkMilestone(ctx, "research_1", true); err != nil {
		t.Fatalf("mark milestone: %v", err)
	}
	if err := archive.StoreFeedback(ctx, "research_1", map[string]interface{}{
		"notes":    "watch margins",
		"decision": "持有",
	}); err != nil {
		t.Fatalf("store feedback: %v", err)
	}

	all, err = archive.ArchivedRecords(ctx, "nvda", 0)
	if err != nil {
		t.Fatalf("archived records: %v", err)
	}
	var checked bool
	for _, r := range all {
		if r["id"] != "research_1" {
			continue
		}
		if r["is_milestone"] != true {
			t.Fatalf("milestone flag not written into payload: %v", r)
		}
		fb, _ := r["user_feedback"].(map[string]interface{})
		if fb["notes"] != "watch margins" {
			t.Fatalf("feedback not written into payload: %v", r)
		}
		checked = true
	}
	if !checked {
		t.Fatalf("research_1 missing from archive")
	}
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE TABLE IF NOT EXISTS research_records (
  id TEXT PRIMARY KEY,
  stock_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  is_milestone BOOLEAN NOT NULL DEFAULT FALSE,
  payload JSONB NOT NULL,
  feedback JSONB
);

CREATE INDEX IF NOT EXISTS research_records_stock_idx ON research_records (stock_id, created_at DESC);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
