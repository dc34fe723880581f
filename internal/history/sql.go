package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/triage-notifier/internal/eligibility"
	"github.com/wolfman30/triage-notifier/internal/storage/sqlitedb"
)

// Dialect selects placeholder and time encoding for SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore persists history in the send_history table through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. For Postgres, open it with the pgx
// stdlib driver.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	if db == nil {
		panic("history: sql db cannot be nil")
	}
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLStore) encodeTime(t time.Time) any {
	if s.dialect == DialectPostgres {
		return t.UTC()
	}
	return sqlitedb.Millis(t)
}

func (s *SQLStore) encodeID(id uuid.UUID) any {
	return id.String()
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO send_history (id, patient_id, message_type, tag, channel_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		s.encodeID(e.ID), e.PatientID, string(e.MessageType), e.Tag, e.ChannelID, s.encodeTime(e.SentAt))
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, patientID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, patient_id, message_type, tag, channel_id, sent_at
		FROM send_history
		WHERE patient_id = ?
		ORDER BY sent_at DESC
		LIMIT ?`), patientID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return s.scanAll(rows)
}

func (s *SQLStore) ListSince(ctx context.Context, since time.Time) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, patient_id, message_type, tag, channel_id, sent_at
		FROM send_history
		WHERE sent_at >= ?
		ORDER BY sent_at ASC`), s.encodeTime(since))
	if err != nil {
		return nil, fmt.Errorf("history: list since: %w", err)
	}
	return s.scanAll(rows)
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM send_history WHERE sent_at < ?`), s.encodeTime(before))
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) scanAll(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			id, mt string
		)
		if s.dialect == DialectPostgres {
			var sentAt time.Time
			if err := rows.Scan(&id, &e.PatientID, &mt, &e.Tag, &e.ChannelID, &sentAt); err != nil {
				return nil, fmt.Errorf("history: scan: %w", err)
			}
			e.SentAt = sentAt.UTC()
		} else {
			var sentAt int64
			if err := rows.Scan(&id, &e.PatientID, &mt, &e.Tag, &e.ChannelID, &sentAt); err != nil {
				return nil, fmt.Errorf("history: scan: %w", err)
			}
			e.SentAt = sqlitedb.FromMillis(sentAt)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("history: parse id %q: %w", id, err)
		}
		e.ID = parsed
		e.MessageType = eligibility.MessageType(mt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	return out, nil
}
