package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"accession/internal/status"
)

func (s *Store) requireJob(ctx context.Context, q querier, depositID, jobID string) error {
	if err := s.requireDeposit(ctx, q, depositID); err != nil {
		return err
	}
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM jobs WHERE deposit_id = ? AND job_id = ?", depositID, jobID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s/%s: %w", depositID, jobID, status.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup job %s/%s: %w", depositID, jobID, err)
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, depositID, jobID string, fields status.JobFields) (bool, error) {
	if err := fields.Validate(); err != nil {
		return false, err
	}
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = false
		if err := s.requireDeposit(ctx, tx, depositID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO jobs (deposit_id, job_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			depositID, jobID,
		)
		if err != nil {
			return err
		}
		if ok, err := affected(res); err != nil || !ok {
			return err
		}
		for field, value := range fields {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO job_fields (deposit_id, job_id, field, value) VALUES (?, ?, ?, ?)",
				depositID, jobID, string(field), value,
			); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("create job %s/%s: %w", depositID, jobID, err)
	}
	return created, nil
}

func (s *Store) Job(ctx context.Context, depositID, jobID string) (status.JobFields, error) {
	if err := s.requireJob(ctx, s.db, depositID, jobID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT field, value FROM job_fields WHERE deposit_id = ? AND job_id = ?",
		depositID, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("read job %s/%s: %w", depositID, jobID, err)
	}
	defer rows.Close()

	fields := status.JobFields{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan job field: %w", err)
		}
		fields[status.JobField(field)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job fields: %w", err)
	}
	return fields, nil
}

func (s *Store) JobIDs(ctx context.Context, depositID string) ([]string, error) {
	if err := s.requireDeposit(ctx, s.db, depositID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id FROM jobs WHERE deposit_id = ? ORDER BY seq", depositID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs of %s: %w", depositID, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) SetJob(ctx context.Context, depositID, jobID string, fields status.JobFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireJob(ctx, tx, depositID, jobID); err != nil {
			return err
		}
		for field, value := range fields {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO job_fields (deposit_id, job_id, field, value) VALUES (?, ?, ?, ?)
ON CONFLICT (deposit_id, job_id, field) DO UPDATE SET value = excluded.value`,
				depositID, jobID, string(field), value,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set job %s/%s: %w", depositID, jobID, err)
	}
	return nil
}

func (s *Store) CompareAndSetJob(ctx context.Context, depositID, jobID string, field status.JobField, expected []string, value string) (bool, error) {
	if !field.Valid() {
		return false, fmt.Errorf("%w: job field %q", status.ErrUnknownField, field)
	}
	if err := s.requireJob(ctx, s.db, depositID, jobID); err != nil {
		return false, err
	}
	ok, err := s.compareAndSet(ctx,
		"UPDATE job_fields SET value = ? WHERE deposit_id = ? AND job_id = ? AND field = ? AND value IN (%s)",
		"INSERT INTO job_fields (deposit_id, job_id, field, value) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
		[]any{depositID, jobID, string(field)}, expected, value)
	if err != nil {
		return false, fmt.Errorf("compare-and-set job %s/%s %s: %w", depositID, jobID, field, err)
	}
	return ok, nil
}

func (s *Store) IncrJob(ctx context.Context, depositID, jobID string, field status.JobField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: job field %q", status.ErrUnknownField, field)
	}
	if err := s.requireJob(ctx, s.db, depositID, jobID); err != nil {
		return 0, err
	}
	var value string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
INSERT INTO job_fields (deposit_id, job_id, field, value) VALUES (?, ?, ?, ?)
ON CONFLICT (deposit_id, job_id, field) DO UPDATE SET value = CAST(CAST(job_fields.value AS INTEGER) + ? AS TEXT)
RETURNING value`,
			depositID, jobID, string(field), strconv.FormatInt(delta, 10), delta,
		).Scan(&value)
	})
	if err != nil {
		return 0, fmt.Errorf("increment job %s/%s %s: %w", depositID, jobID, field, err)
	}
	return strconv.ParseInt(value, 10, 64)
}
