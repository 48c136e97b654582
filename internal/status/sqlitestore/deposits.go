package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"accession/internal/status"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const liveDeposit = "SELECT 1 FROM deposits WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)"

func (s *Store) requireDeposit(ctx context.Context, q querier, id string) error {
	var one int
	err := q.QueryRowContext(ctx, liveDeposit, id, s.nowMillis()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup deposit %s: %w", id, err)
	}
	return nil
}

func (s *Store) CreateDeposit(ctx context.Context, id string, fields status.DepositFields) (bool, error) {
	if err := fields.Validate(); err != nil {
		return false, err
	}
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = false
		var one int
		err := tx.QueryRowContext(ctx, liveDeposit, id, s.nowMillis()).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// An expired row that was not purged yet is replaced.
		if _, err := tx.ExecContext(ctx, "DELETE FROM deposits WHERE id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO deposits (id) VALUES (?)", id); err != nil {
			return err
		}
		for field, value := range fields {
			if field == status.FieldLock {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO deposit_fields (deposit_id, field, value) VALUES (?, ?, ?)",
				id, string(field), value,
			); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("create deposit %s: %w", id, err)
	}
	return created, nil
}

func (s *Store) Deposit(ctx context.Context, id string) (status.DepositFields, error) {
	if err := s.requireDeposit(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT field, value FROM deposit_fields WHERE deposit_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("read deposit %s: %w", id, err)
	}
	defer rows.Close()

	fields := status.DepositFields{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan deposit field: %w", err)
		}
		fields[status.DepositField(field)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deposit fields: %w", err)
	}
	delete(fields, status.FieldLock)

	var owner sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT owner FROM deposit_locks WHERE deposit_id = ? AND expires_at > ?",
		id, s.nowMillis(),
	).Scan(&owner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read deposit lock %s: %w", id, err)
	}
	if owner.Valid && owner.String != "" {
		fields[status.FieldLock] = owner.String
	}
	return fields, nil
}

func (s *Store) SetDeposit(ctx context.Context, id string, fields status.DepositFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireDeposit(ctx, tx, id); err != nil {
			return err
		}
		for field, value := range fields {
			if field == status.FieldLock {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO deposit_fields (deposit_id, field, value) VALUES (?, ?, ?)
ON CONFLICT (deposit_id, field) DO UPDATE SET value = excluded.value`,
				id, string(field), value,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set deposit %s: %w", id, err)
	}
	return nil
}

func (s *Store) CompareAndSetDeposit(ctx context.Context, id string, field status.DepositField, expected []string, value string) (bool, error) {
	if !field.Valid() {
		return false, fmt.Errorf("%w: deposit field %q", status.ErrUnknownField, field)
	}
	if err := s.requireDeposit(ctx, s.db, id); err != nil {
		return false, err
	}
	ok, err := s.compareAndSet(ctx,
		"UPDATE deposit_fields SET value = ? WHERE deposit_id = ? AND field = ? AND value IN (%s)",
		"INSERT INTO deposit_fields (deposit_id, field, value) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		[]any{id, string(field)}, expected, value)
	if err != nil {
		return false, fmt.Errorf("compare-and-set deposit %s %s: %w", id, field, err)
	}
	return ok, nil
}

// compareAndSet runs the conditional update and, when "" is expected, the
// insert-if-absent. Both statements are atomic on their own; a concurrent
// insert between them makes the second one a no-op.
func (s *Store) compareAndSet(ctx context.Context, update, insert string, keys []any, expected []string, value string) (bool, error) {
	if len(expected) == 0 {
		return false, nil
	}
	placeholders := make([]byte, 0, len(expected)*2)
	args := append([]any{value}, keys...)
	for i, v := range expected {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, v)
	}
	res, err := s.execWithRetry(ctx, fmt.Sprintf(update, string(placeholders)), args...)
	if err != nil {
		return false, err
	}
	if ok, err := affected(res); err != nil || ok {
		return ok, err
	}
	if !slices.Contains(expected, "") {
		return false, nil
	}
	res, err = s.execWithRetry(ctx, insert, append(append([]any{}, keys...), value)...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *Store) IncrDeposit(ctx context.Context, id string, field status.DepositField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: deposit field %q", status.ErrUnknownField, field)
	}
	if err := s.requireDeposit(ctx, s.db, id); err != nil {
		return 0, err
	}
	var value string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
INSERT INTO deposit_fields (deposit_id, field, value) VALUES (?, ?, ?)
ON CONFLICT (deposit_id, field) DO UPDATE SET value = CAST(CAST(deposit_fields.value AS INTEGER) + ? AS TEXT)
RETURNING value`,
			id, string(field), strconv.FormatInt(delta, 10), delta,
		).Scan(&value)
	})
	if err != nil {
		return 0, fmt.Errorf("increment deposit %s %s: %w", id, field, err)
	}
	return strconv.ParseInt(value, 10, 64)
}

func (s *Store) DepositIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM deposits WHERE expires_at IS NULL OR expires_at > ? ORDER BY id",
		s.nowMillis(),
	)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) AddPaths(ctx context.Context, id string, kind status.PathKind, paths ...string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown path kind %q", kind)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireDeposit(ctx, tx, id); err != nil {
			return err
		}
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO deposit_paths (deposit_id, kind, path) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
				id, string(kind), p,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s paths to %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) Paths(ctx context.Context, id string, kind status.PathKind) ([]string, error) {
	if err := s.requireDeposit(ctx, s.db, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT path FROM deposit_paths WHERE deposit_id = ? AND kind = ? ORDER BY path",
		id, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s paths of %s: %w", kind, id, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
