package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps reservations in the notifier_reservations table.
// Correct across instances: every transition is a single conditional
// statement.
type PostgresStore struct {
	db pgQuerier
}

// NewPostgresStore builds a store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("ledger: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithExec(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("ledger: exec required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (Result, error) {
	query := `
		INSERT INTO notifier_reservations (tag, patient_id, message_type, state, reserved_at)
		VALUES ($1, $2, $3, 'reserved', $4)
		ON CONFLICT (tag) DO NOTHING
	`
	ct, err := s.db.Exec(ctx, query, tag, patientID, string(mt), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger: reserve: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return Reserved, nil
	}
	state, err := s.state(ctx, tag)
	if errors.Is(err, ErrNotFound) {
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

func (s *PostgresStore) Confirm(ctx context.Context, tag string, now time.Time) error {
	query := `UPDATE notifier_reservations SET state = 'confirmed', confirmed_at = $2 WHERE tag = $1 AND state = 'reserved'`
	ct, err := s.db.Exec(ctx, query, tag, now.UTC())
	if err != nil {
		return fmt.Errorf("ledger: confirm: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	_, err = s.state(ctx, tag)
	return err
}

func (s *PostgresStore) Release(ctx context.Context, tag string) error {
	ct, err := s.db.Exec(ctx, `DELETE FROM notifier_reservations WHERE tag = $1 AND state = 'reserved'`, tag)
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	if ct.RowsAffected() == 1 {
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

func (s *PostgresStore) SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	ct, err := s.db.Exec(ctx,
		`DELETE FROM notifier_reservations WHERE state = 'reserved' AND reserved_at < $1`,
		now.Add(-timeout).UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: sweep: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) Get(ctx context.Context, tag string) (Reservation, error) {
	query := `
		SELECT tag, patient_id, message_type, state, reserved_at, confirmed_at
		FROM notifier_reservations WHERE tag = $1
	`
	var (
		r           Reservation
		mt, state   string
		confirmedAt *time.Time
	)
	err := s.db.QueryRow(ctx, query, tag).Scan(&r.Tag, &r.PatientID, &mt, &state, &r.ReservedAt, &confirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: get: %w", err)
	}
	r.MessageType = eligibility.MessageType(mt)
	r.State = State(state)
	r.ReservedAt = r.ReservedAt.UTC()
	if confirmedAt != nil {
		r.ConfirmedAt = confirmedAt.UTC()
	}
	return r, nil
}

func (s *PostgresStore) PurgeConfirmedBefore(ctx context.Context, before time.Time) (int, error) {
	ct, err := s.db.Exec(ctx,
		`DELETE FROM notifier_reservations WHERE state = 'confirmed' AND confirmed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *PostgresStore) state(ctx context.Context, tag string) (State, error) {
	var state string
	err := s.db.QueryRow(ctx, `SELECT state FROM notifier_reservations WHERE tag = $1`, tag).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("ledger: lookup state: %w", err)
	}
	return State(state), nil
}
