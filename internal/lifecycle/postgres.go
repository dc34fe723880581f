package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/queue"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists records in notifier_patients.
type PostgresStore struct {
	db pgQuerier
}

// NewPostgresStore builds a store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("lifecycle: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithExec(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("lifecycle: exec required")
	}
	return &PostgresStore{db: db}
}

const pgUpsertWaiting = `
INSERT INTO notifier_patients (patient_id, sector_id, channel_id, wait_started_at, first_seen_at, last_seen_waiting, status, status_changed_at, sent_types)
VALUES ($1, $2, $3, $4, $5, $5, 'waiting', $5, '{}')
ON CONFLICT (patient_id) DO UPDATE SET
    sent_types = CASE
        WHEN notifier_patients.wait_started_at IS NULL OR notifier_patients.wait_started_at = EXCLUDED.wait_started_at THEN notifier_patients.sent_types
        ELSE '{}' END,
    first_seen_at = CASE
        WHEN notifier_patients.wait_started_at IS NULL OR notifier_patients.wait_started_at = EXCLUDED.wait_started_at THEN notifier_patients.first_seen_at
        ELSE EXCLUDED.first_seen_at END,
    status_changed_at = CASE
        WHEN notifier_patients.status = 'waiting'
            AND (notifier_patients.wait_started_at IS NULL OR notifier_patients.wait_started_at = EXCLUDED.wait_started_at)
        THEN notifier_patients.status_changed_at
        ELSE EXCLUDED.status_changed_at END,
    sector_id = EXCLUDED.sector_id,
    channel_id = EXCLUDED.channel_id,
    wait_started_at = EXCLUDED.wait_started_at,
    last_seen_waiting = EXCLUDED.last_seen_waiting,
    status = 'waiting'
`

func (s *PostgresStore) UpsertWaiting(ctx context.Context, p queue.WaitingPatient, now time.Time) error {
	if _, err := s.db.Exec(ctx, pgUpsertWaiting, p.ID, p.SectorID, p.ChannelID, p.WaitStartedAt.UTC(), now.UTC()); err != nil {
		return fmt.Errorf("lifecycle: upsert waiting: %w", err)
	}
	return nil
}

const pgMarkSent = `
INSERT INTO notifier_patients (patient_id, first_seen_at, last_seen_waiting, status, status_changed_at, sent_types)
VALUES ($1, $3, $3, 'waiting', $3, ARRAY[$2::text])
ON CONFLICT (patient_id) DO UPDATE SET
    sent_types = CASE
        WHEN $2::text = ANY(notifier_patients.sent_types) THEN notifier_patients.sent_types
        ELSE array_append(notifier_patients.sent_types, $2::text) END
`

func (s *PostgresStore) MarkSent(ctx context.Context, patientID string, mt eligibility.MessageType, now time.Time) error {
	if _, err := s.db.Exec(ctx, pgMarkSent, patientID, string(mt), now.UTC()); err != nil {
		return fmt.Errorf("lifecycle: mark sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, patientID string, now time.Time) error {
	ct, err := s.db.Exec(ctx,
		`UPDATE notifier_patients SET status = 'processed', status_changed_at = $2 WHERE patient_id = $1 AND status = 'waiting'`,
		patientID, now.UTC())
	if err != nil {
		return fmt.Errorf("lifecycle: mark processed: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRow(ctx, `SELECT 1 FROM notifier_patients WHERE patient_id = $1`, patientID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lifecycle: mark processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlreadySent(ctx context.Context, patientID string) (eligibility.Set, error) {
	var sent []string
	err := s.db.QueryRow(ctx, `SELECT sent_types FROM notifier_patients WHERE patient_id = $1`, patientID).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lifecycle: get already sent: %w", err)
	}
	return eligibility.SetFromStrings(sent), nil
}

const pgSelectRecord = `
SELECT patient_id, sector_id, channel_id, wait_started_at, first_seen_at, last_seen_waiting, status, status_changed_at, sent_types
FROM notifier_patients`

func scanPostgresRecord(row pgx.Row) (Record, error) {
	var (
		r         Record
		waitStart *time.Time
		status    string
		sent      []string
	)
	if err := row.Scan(&r.PatientID, &r.SectorID, &r.ChannelID, &waitStart, &r.FirstSeenAt, &r.LastSeenWaiting, &status, &r.StatusChangedAt, &sent); err != nil {
		return Record{}, err
	}
	if waitStart != nil {
		r.WaitStartedAt = waitStart.UTC()
	}
	r.FirstSeenAt = r.FirstSeenAt.UTC()
	r.LastSeenWaiting = r.LastSeenWaiting.UTC()
	r.StatusChangedAt = r.StatusChangedAt.UTC()
	r.Status = Status(status)
	r.SentTypes = eligibility.SetFromStrings(sent)
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, patientID string) (Record, error) {
	r, err := scanPostgresRecord(s.db.QueryRow(ctx, pgSelectRecord+` WHERE patient_id = $1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lifecycle: get: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListWaiting(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx, pgSelectRecord+` WHERE status = 'waiting' ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list waiting: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lifecycle: list waiting: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PruneOlderThan(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	deleted, err := s.db.Exec(ctx,
		`DELETE FROM notifier_patients WHERE status = 'removed' AND status_changed_at < $1`,
		now.Add(-2*retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("lifecycle: prune removed: %w", err)
	}
	tombstoned, err := s.db.Exec(ctx,
		`UPDATE notifier_patients SET status = 'removed' WHERE status = 'processed' AND status_changed_at < $1`,
		now.Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("lifecycle: prune processed: %w", err)
	}
	return int(deleted.RowsAffected() + tombstoned.RowsAffected()), nil
}
