package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Archive mirrors research records into Postgres for deployments that want
// a queryable fleet view. The file store stays the source of truth; every
// archive call site logs failures and carries on.
type Archive struct {
	DB *sql.DB
}

// NewArchive connects and pings. Schema management lives in migrations/;
// the archive assumes research_records already exists.
func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Archive{DB: db}, nil
}

func (a *Archive) Close() error { return a.DB.Close() }

// ArchiveRecord upserts one record, payload stored whole so the archive can
// always reproduce the file store's view of it.
func (a *Archive) ArchiveRecord(ctx context.Context, stockID string, record map[string]interface{}) error {
	id := stringField(record, "id", "")
	if id == "" {
		return fmt.Errorf("record has no id")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	createdAt := time.Now()
	if ts, err := time.Parse(time.RFC3339, stringField(record, "date", "")); err == nil {
		createdAt = ts
	}
	var feedback []byte
	if fb := mapField(record, "user_feedback"); len(fb) > 0 {
		if feedback, err = json.Marshal(fb); err != nil {
			return fmt.Errorf("encoding feedback: %w", err)
		}
	}

	_, err = a.DB.ExecContext(ctx, `
INSERT INTO research_records (id, stock_id, created_at, is_milestone, payload, feedback)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
  is_milestone = EXCLUDED.is_milestone,
  payload = EXCLUDED.payload,
  feedback = EXCLUDED.feedback`,
		id, NormalizeStockID(stockID), createdAt, boolField(record, "is_milestone"), payload, feedback)
	return err
}

// ArchivedRecords returns up to limit record payloads for a stock, newest
// first.
func (a *Archive) ArchivedRecords(ctx context.Context, stockID string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.DB.QueryContext(ctx,
		`SELECT payload FROM research_records WHERE stock_id=$1 ORDER BY created_at DESC LIMIT $2`,
		NormalizeStockID(stockID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record map[string]interface{}
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decoding archived record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// MarkMilestone mirrors a milestone toggle, keeping the stored payload in
// step with the column.
func (a *Archive) MarkMilestone(ctx context.Context, recordID string, milestone bool) error {
	_, err := a.DB.ExecContext(ctx, `
UPDATE research_records
SET is_milestone=$2,
    payload = jsonb_set(payload, '{is_milestone}', to_jsonb($2::boolean))
WHERE id=$1`, recordID, milestone)
	return err
}

// StoreFeedback mirrors attached feedback into both the column and the
// payload.
func (a *Archive) StoreFeedback(ctx context.Context, recordID string, feedback map[string]interface{}) error {
	data, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}
	_, err = a.DB.ExecContext(ctx, `
UPDATE research_records
SET feedback=$2,
    payload = jsonb_set(payload, '{user_feedback}', $2::jsonb)
WHERE id=$1`, recordID, data)
	return err
}
