package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mailarchiver/internal/dbx"
)

// LedgerLockKey is the advisory lock key every appender takes.
const LedgerLockKey int64 = 0x0a0d17

const entryColumns = `id, previous_hash, timestamp, actor_identifier, actor_ip, action_type, target_type, target_id, details, current_hash`

// PostgresStore keeps the ledger in the audit_logs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// AppendTx runs fn in a transaction holding the ledger advisory lock.
func (s *PostgresStore) AppendTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := dbx.AdvisoryXactLock(ctx, tx, LedgerLockKey); err != nil {
			return err
		}
		return fn(ctx, &pgWriter{db: tx})
	})
}

type pgWriter struct {
	db dbx.DBTX
}

func (w *pgWriter) LatestHash(ctx context.Context) (*string, error) {
	var hash string
	err := w.db.QueryRowContext(ctx, `SELECT current_hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &hash, nil
}

func (w *pgWriter) Insert(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO audit_logs (previous_hash, timestamp, actor_identifier, actor_ip, action_type, target_type, target_id, details, current_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING id`

	var details any
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	var target any
	if e.TargetType != nil {
		target = string(*e.TargetType)
	}

	err := w.db.QueryRowContext(ctx, query,
		nullString(e.PreviousHash), e.Timestamp, e.ActorIdentifier, nullString(e.ActorIP),
		string(e.ActionType), target, nullString(e.TargetID), details, e.CurrentHash,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Page(ctx context.Context, afterID int64, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_logs WHERE id > $1 ORDER BY id ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return scanEntries(rows)
}

func (s *PostgresStore) Query(ctx context.Context, q Query) ([]Entry, int64, error) {
	q = q.withDefaults()

	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !q.StartDate.IsZero() {
		add("timestamp >= $%d", q.StartDate)
	}
	if !q.EndDate.IsZero() {
		add("timestamp <= $%d", q.EndDate)
	}
	if q.Actor != "" {
		add("actor_identifier = $%d", q.Actor)
	}
	if q.ActionType != "" {
		add("action_type = $%d", string(q.ActionType))
	}
	if q.TargetType != "" {
		add("target_type = $%d", string(q.TargetType))
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audit_logs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}

	order := "DESC"
	if q.Sort == SortAsc {
		order = "ASC"
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY id %s LIMIT $%d OFFSET $%d`,
		entryColumns, cond, order, n+1, n+2)

	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("db error: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var (
			e                          Entry
			prev, ip, target, targetID sql.NullString
			action                     string
			details                    []byte
		)
		if err := rows.Scan(&e.ID, &prev, &e.Timestamp, &e.ActorIdentifier, &ip, &action,
			&target, &targetID, &details, &e.CurrentHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PreviousHash = fromNull(prev)
		e.ActorIP = fromNull(ip)
		e.ActionType = ActionType(action)
		if target.Valid {
			tt := TargetType(target.String)
			e.TargetType = &tt
		}
		e.TargetID = fromNull(targetID)
		if len(details) > 0 {
			e.Details = append([]byte(nil), details...)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
