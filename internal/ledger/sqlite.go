package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/storage/sqlitedb"
)

// SQLiteStore persists reservations in the embedded SQLite database. The
// database is opened with a single connection, so INSERT ... ON CONFLICT is
// the atomic reserve primitive.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database opened by sqlitedb.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	if db == nil {
		panic("ledger: sqlite db required")
	}
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (Result, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reservations(tag, patient_id, message_type, state, reserved_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tag) DO NOTHING`,
		tag, patientID, string(mt), string(StateReserved), sqlitedb.Millis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Reserved, nil
	}
	state, err := s.state(ctx, tag)
	if errors.Is(err, ErrNotFound) {
		// released between the insert and the lookup; the caller retries next tick
		return AlreadyReserved, nil
	}
	if err != nil {
		return 0, err
	}
	if state == StateConfirmed {
		return AlreadyConfirmed, nil
	}
	return AlreadyReserved, nil
}

func (s *SQLiteStore) Confirm(ctx context.Context, tag string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reservations SET state = ?, confirmed_at = ? WHERE tag = ? AND state = ?`,
		string(StateConfirmed), sqlitedb.Millis(now), tag, string(StateReserved),
	)
	if err != nil {
		return fmt.Errorf("ledger: confirm: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	_, err = s.state(ctx, tag)
	return err
}

func (s *SQLiteStore) Release(ctx context.Context, tag string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reservations WHERE tag = ? AND state = ?`, tag, string(StateReserved))
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	state, err := s.state(ctx, tag)
	if err != nil {
		return err
	}
	if state == StateConfirmed {
		return ErrConfirmed
	}
	return nil
}

func (s *SQLiteStore) SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reservations WHERE state = ? AND reserved_at < ?`,
		string(StateReserved), sqlitedb.Millis(now.Add(-timeout)),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Get(ctx context.Context, tag string) (Reservation, error) {
	var (
		r           Reservation
		mt, state   string
		reservedAt  int64
		confirmedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tag, patient_id, message_type, state, reserved_at, confirmed_at FROM reservations WHERE tag = ?`, tag,
	).Scan(&r.Tag, &r.PatientID, &mt, &state, &reservedAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: get: %w", err)
	}
	r.MessageType = eligibility.MessageType(mt)
	r.State = State(state)
	r.ReservedAt = sqlitedb.FromMillis(reservedAt)
	r.ConfirmedAt = sqlitedb.NullMillis(confirmedAt)
	return r, nil
}

func (s *SQLiteStore) PurgeConfirmedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reservations WHERE state = ? AND confirmed_at < ?`,
		string(StateConfirmed), sqlitedb.Millis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) state(ctx context.Context, tag string) (State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM reservations WHERE tag = ?`, tag).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("ledger: lookup state: %w", err)
	}
	return State(state), nil
}
