package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/queue"
	"github.com/wolfman30/triage-notifier/internal/storage/sqlitedb"
)

// SQLiteStore persists records in the embedded database. sent_types is a
// comma separated list; wait_started_at 0 means unknown.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database opened by sqlitedb.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	if db == nil {
		panic("lifecycle: sqlite db required")
	}
	return &SQLiteStore{db: db}
}

const sqliteUpsertWaiting = `
INSERT INTO patients(patient_id, sector_id, channel_id, wait_started_at, first_seen_at, last_seen_waiting, status, status_changed_at, sent_types)
VALUES(?, ?, ?, ?, ?, ?, 'waiting', ?, '')
ON CONFLICT(patient_id) DO UPDATE SET
    sent_types = CASE
        WHEN patients.wait_started_at = 0 OR patients.wait_started_at = excluded.wait_started_at THEN patients.sent_types
        ELSE '' END,
    first_seen_at = CASE
        WHEN patients.wait_started_at = 0 OR patients.wait_started_at = excluded.wait_started_at THEN patients.first_seen_at
        ELSE excluded.first_seen_at END,
    status_changed_at = CASE
        WHEN patients.status = 'waiting' AND (patients.wait_started_at = 0 OR patients.wait_started_at = excluded.wait_started_at) THEN patients.status_changed_at
        ELSE excluded.status_changed_at END,
    sector_id = excluded.sector_id,
    channel_id = excluded.channel_id,
    wait_started_at = excluded.wait_started_at,
    last_seen_waiting = excluded.last_seen_waiting,
    status = 'waiting'`

func (s *SQLiteStore) UpsertWaiting(ctx context.Context, p queue.WaitingPatient, now time.Time) error {
	nowMs := sqlitedb.Millis(now)
	_, err := s.db.ExecContext(ctx, sqliteUpsertWaiting,
		p.ID, p.SectorID, p.ChannelID, sqlitedb.Millis(p.WaitStartedAt), nowMs, nowMs, nowMs)
	if err != nil {
		return fmt.Errorf("lifecycle: upsert waiting: %w", err)
	}
	return nil
}

const sqliteMarkSent = `
INSERT INTO patients(patient_id, wait_started_at, first_seen_at, last_seen_waiting, status, status_changed_at, sent_types)
VALUES(?, 0, ?, ?, 'waiting', ?, ?)
ON CONFLICT(patient_id) DO UPDATE SET
    sent_types = CASE
        WHEN instr(',' || patients.sent_types || ',', ',' || excluded.sent_types || ',') > 0 THEN patients.sent_types
        WHEN patients.sent_types = '' THEN excluded.sent_types
        ELSE patients.sent_types || ',' || excluded.sent_types END`

func (s *SQLiteStore) MarkSent(ctx context.Context, patientID string, mt eligibility.MessageType, now time.Time) error {
	nowMs := sqlitedb.Millis(now)
	if _, err := s.db.ExecContext(ctx, sqliteMarkSent, patientID, nowMs, nowMs, nowMs, string(mt)); err != nil {
		return fmt.Errorf("lifecycle: mark sent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, patientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE patients SET status = 'processed', status_changed_at = ? WHERE patient_id = ? AND status = 'waiting'`,
		sqlitedb.Millis(now), patientID)
	if err != nil {
		return fmt.Errorf("lifecycle: mark processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, patientID); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) GetAlreadySent(ctx context.Context, patientID string) (eligibility.Set, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT sent_types FROM patients WHERE patient_id = ?`, patientID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lifecycle: get already sent: %w", err)
	}
	return parseSentTypes(raw), nil
}

const sqliteSelectRecord = `SELECT patient_id, sector_id, channel_id, wait_started_at, first_seen_at, last_seen_waiting, status, status_changed_at, sent_types FROM patients`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scanner) (Record, error) {
	var (
		r                                        Record
		waitStart, firstSeen, lastSeen, statusAt int64
		status, sent                             string
	)
	if err := row.Scan(&r.PatientID, &r.SectorID, &r.ChannelID, &waitStart, &firstSeen, &lastSeen, &status, &statusAt, &sent); err != nil {
		return Record{}, err
	}
	if waitStart != 0 {
		r.WaitStartedAt = sqlitedb.FromMillis(waitStart)
	}
	r.FirstSeenAt = sqlitedb.FromMillis(firstSeen)
	r.LastSeenWaiting = sqlitedb.FromMillis(lastSeen)
	r.Status = Status(status)
	r.StatusChangedAt = sqlitedb.FromMillis(statusAt)
	r.SentTypes = parseSentTypes(sent)
	return r, nil
}

func (s *SQLiteStore) Get(ctx context.Context, patientID string) (Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, sqliteSelectRecord+` WHERE patient_id = ?`, patientID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lifecycle: get: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListWaiting(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectRecord+` WHERE status = 'waiting' ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list waiting: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
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

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	deleted, err := s.db.ExecContext(ctx,
		`DELETE FROM patients WHERE status = 'removed' AND status_changed_at < ?`,
		sqlitedb.Millis(now.Add(-2*retention)))
	if err != nil {
		return 0, fmt.Errorf("lifecycle: prune removed: %w", err)
	}
	tombstoned, err := s.db.ExecContext(ctx,
		`UPDATE patients SET status = 'removed' WHERE status = 'processed' AND status_changed_at < ?`,
		sqlitedb.Millis(now.Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("lifecycle: prune processed: %w", err)
	}
	d, _ := deleted.RowsAffected()
	u, _ := tombstoned.RowsAffected()
	return int(d + u), nil
}

func parseSentTypes(raw string) eligibility.Set {
	if strings.TrimSpace(raw) == "" {
		return 0
	}
	return eligibility.SetFromStrings(strings.Split(raw, ","))
}
