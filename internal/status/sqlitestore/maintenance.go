package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"accession/internal/status"
)

func (s *Store) Pipeline(ctx context.Context) (status.PipelineFields, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT field, value FROM pipeline_fields")
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	defer rows.Close()
	fields := status.PipelineFields{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan pipeline field: %w", err)
		}
		fields[status.PipelineField(field)] = value
	}
	return fields, rows.Err()
}

func (s *Store) SetPipeline(ctx context.Context, fields status.PipelineFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	for field, value := range fields {
		if _, err := s.execWithRetry(ctx, `
INSERT INTO pipeline_fields (field, value) VALUES (?, ?)
ON CONFLICT (field) DO UPDATE SET value = excluded.value`,
			string(field), value,
		); err != nil {
			return fmt.Errorf("set pipeline %s: %w", field, err)
		}
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, depositID, owner string, ttl time.Duration) (bool, error) {
	if err := s.requireDeposit(ctx, s.db, depositID); err != nil {
		return false, err
	}
	now := s.nowMillis()
	res, err := s.execWithRetry(ctx, `
INSERT INTO deposit_locks (deposit_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT (deposit_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE deposit_locks.owner = excluded.owner OR deposit_locks.expires_at <= ?`,
		depositID, owner, now+ttl.Milliseconds(), now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", depositID, err)
	}
	return affected(res)
}

func (s *Store) RenewLock(ctx context.Context, depositID, owner string, ttl time.Duration) (bool, error) {
	now := s.nowMillis()
	res, err := s.execWithRetry(ctx,
		"UPDATE deposit_locks SET expires_at = ? WHERE deposit_id = ? AND owner = ? AND expires_at > ?",
		now+ttl.Milliseconds(), depositID, owner, now,
	)
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", depositID, err)
	}
	return affected(res)
}

func (s *Store) ReleaseLock(ctx context.Context, depositID, owner string) error {
	if _, err := s.execWithRetry(ctx,
		"DELETE FROM deposit_locks WHERE deposit_id = ? AND owner = ?", depositID, owner,
	); err != nil {
		return fmt.Errorf("release lock %s: %w", depositID, err)
	}
	return nil
}

func (s *Store) ScheduleExpiry(ctx context.Context, depositID string, after time.Duration) error {
	res, err := s.execWithRetry(ctx,
		"UPDATE deposits SET expires_at = ? WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)",
		s.now().Add(after).UnixMilli(), depositID, s.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("schedule expiry %s: %w", depositID, err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	return nil
}

// PurgeExpired deletes expired deposits; jobs, paths and locks cascade.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.execWithRetry(ctx,
		"DELETE FROM deposits WHERE expires_at IS NOT NULL AND expires_at <= ?", now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired deposits: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
