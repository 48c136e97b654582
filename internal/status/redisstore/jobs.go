package redisstore

import (
	"context"
	"fmt"

	"accession/internal/status"
)

func (s *Store) CreateJob(ctx context.Context, depositID, jobID string, fields status.JobFields) (bool, error) {
	if err := fields.Validate(); err != nil {
		return false, err
	}
	if err := s.requireDeposit(ctx, depositID); err != nil {
		return false, err
	}
	stored := status.JobFields{status.JobFieldStatus: ""}
	for k, v := range fields {
		stored[k] = v
	}
	args := append([]any{jobID, "list"}, hashArgs(stored)...)
	n, err := createScript.Run(ctx, s.rdb, []string{s.jobKey(depositID, jobID), s.jobsKey(depositID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("create job %s/%s: %w", depositID, jobID, err)
	}
	return n == 1, nil
}

func (s *Store) Job(ctx context.Context, depositID, jobID string) (status.JobFields, error) {
	if err := s.requireDeposit(ctx, depositID); err != nil {
		return nil, err
	}
	values, err := s.rdb.HGetAll(ctx, s.jobKey(depositID, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read job %s/%s: %w", depositID, jobID, err)
	}
	if len(values) == 0 {
		return nil, notFound("job", depositID+"/"+jobID)
	}
	fields := make(status.JobFields, len(values))
	for k, v := range values {
		fields[status.JobField(k)] = v
	}
	return fields, nil
}

func (s *Store) JobIDs(ctx context.Context, depositID string) ([]string, error) {
	if err := s.requireDeposit(ctx, depositID); err != nil {
		return nil, err
	}
	ids, err := s.rdb.LRange(ctx, s.jobsKey(depositID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs of %s: %w", depositID, err)
	}
	return ids, nil
}

func (s *Store) SetJob(ctx context.Context, depositID, jobID string, fields status.JobFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	return s.setHash(ctx, "job", depositID+"/"+jobID, s.jobKey(depositID, jobID), hashArgs(fields))
}

func (s *Store) CompareAndSetJob(ctx context.Context, depositID, jobID string, field status.JobField, expected []string, value string) (bool, error) {
	if !field.Valid() {
		return false, fmt.Errorf("%w: job field %q", status.ErrUnknownField, field)
	}
	return s.compareAndSet(ctx, "job", depositID+"/"+jobID, s.jobKey(depositID, jobID), string(field), expected, value)
}

func (s *Store) IncrJob(ctx context.Context, depositID, jobID string, field status.JobField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: job field %q", status.ErrUnknownField, field)
	}
	return s.incr(ctx, "job", depositID+"/"+jobID, s.jobKey(depositID, jobID), string(field), delta)
}
