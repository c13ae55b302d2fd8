package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/moderationbridge/internal/domain"
)

// suppressFeedSetting is checked by the transition trigger; writes made
// with it set inside their transaction never reach the change feed.
const suppressFeedSetting = "moderation_bridge.suppress_feed"

const recordColumns = `id, content_type, coalesce(title, ''), status,
	coalesce(moderation_reason, ''), coalesce(synced_from, ''), updated_at`

// ContentStore reads and writes the moderation fields of content records.
type ContentStore struct {
	db *DB
}

func NewContentStore(db *DB) *ContentStore { return &ContentStore{db: db} }

func (s *ContentStore) Ready(ctx context.Context) error { return s.db.Ready(ctx) }

func (s *ContentStore) Get(ctx context.Context, ct domain.ContentType, id string) (domain.Record, error) {
	row := s.db.Pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM moderated_content WHERE content_type=$1 AND id=$2",
		string(ct), id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ApplyDecision updates one record by id. The transaction marks itself
// so the transition trigger stays silent.
func (s *ContentStore) ApplyDecision(ctx context.Context, d domain.Decision) (domain.Record, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return domain.Record{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT set_config($1, 'on', true)", suppressFeedSetting); err != nil {
		return domain.Record{}, fmt.Errorf("suppress feed: %w", err)
	}

	row := tx.QueryRow(ctx, `
UPDATE moderated_content
SET status = $1, moderation_reason = $2, synced_from = $3, updated_at = now()
WHERE content_type = $4 AND id = $5
RETURNING `+recordColumns,
		string(d.Status), nullable(d.Reason), nullable(string(d.SyncedFrom)), string(d.ContentType), d.ID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("update record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		rec                   domain.Record
		ct, status, syncedRaw string
		updated               time.Time
	)
	if err := row.Scan(&rec.ID, &ct, &rec.Title, &status, &rec.ModerationReason, &syncedRaw, &updated); err != nil {
		return rec, err
	}
	rec.ContentType = domain.ContentType(ct)
	rec.Status = domain.Status(status)
	rec.SyncedFrom = syncedRaw
	rec.UpdatedAt = updated.UTC()
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
