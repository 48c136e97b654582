// Package memstore keeps status records in process memory. It backs tests and
// single-process runs that do not need records to survive a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"accession/internal/status"
)

type deposit struct {
	fields      status.DepositFields
	jobs        map[string]status.JobFields
	jobOrder    []string
	paths       map[status.PathKind]map[string]struct{}
	lockOwner   string
	lockExpires time.Time
	expiresAt   time.Time
}

// Store is a status.Store held in memory.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	deposits map[string]*deposit
	pipeline status.PipelineFields
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for leases and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		deposits: make(map[string]*deposit),
		pipeline: status.PipelineFields{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ status.Store = (*Store)(nil)
var _ status.Purger = (*Store)(nil)

func (s *Store) live(id string) (*deposit, bool) {
	d, ok := s.deposits[id]
	if !ok {
		return nil, false
	}
	if !d.expiresAt.IsZero() && !s.now().Before(d.expiresAt) {
		return nil, false
	}
	return d, true
}

func (s *Store) CreateDeposit(_ context.Context, id string, fields status.DepositFields) (bool, error) {
	if err := fields.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(id); ok {
		return false, nil
	}
	d := &deposit{
		fields: status.DepositFields{},
		jobs:   make(map[string]status.JobFields),
		paths:  make(map[status.PathKind]map[string]struct{}),
	}
	for k, v := range fields {
		if k != status.FieldLock {
			d.fields[k] = v
		}
	}
	s.deposits[id] = d
	return true, nil
}

func (s *Store) Deposit(_ context.Context, id string) (status.DepositFields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(id)
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	out := make(status.DepositFields, len(d.fields)+1)
	for k, v := range d.fields {
		out[k] = v
	}
	if d.lockOwner != "" && s.now().Before(d.lockExpires) {
		out[status.FieldLock] = d.lockOwner
	}
	return out, nil
}

func (s *Store) SetDeposit(_ context.Context, id string, fields status.DepositFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(id)
	if !ok {
		return fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	for k, v := range fields {
		if k != status.FieldLock {
			d.fields[k] = v
		}
	}
	return nil
}

func (s *Store) CompareAndSetDeposit(_ context.Context, id string, field status.DepositField, expected []string, value string) (bool, error) {
	if !field.Valid() {
		return false, fmt.Errorf("%w: deposit field %q", status.ErrUnknownField, field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(id)
	if !ok {
		return false, fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	if !slices.Contains(expected, d.fields[field]) {
		return false, nil
	}
	d.fields[field] = value
	return true, nil
}

func (s *Store) IncrDeposit(_ context.Context, id string, field status.DepositField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: deposit field %q", status.ErrUnknownField, field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(id)
	if !ok {
		return 0, fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	next, err := incr(d.fields[field], delta)
	if err != nil {
		return 0, fmt.Errorf("deposit %s field %s: %w", id, field, err)
	}
	d.fields[field] = strconv.FormatInt(next, 10)
	return next, nil
}

func (s *Store) DepositIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.deposits))
	for id := range s.deposits {
		if _, ok := s.live(id); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) AddPaths(_ context.Context, id string, kind status.PathKind, paths ...string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown path kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(id)
	if !ok {
		return fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	set := d.paths[kind]
	if set == nil {
		set = make(map[string]struct{})
		d.paths[kind] = set
	}
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return nil
}

func (s *Store) Paths(_ context.Context, id string, kind status.PathKind) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(id)
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", id, status.ErrNotFound)
	}
	out := make([]string, 0, len(d.paths[kind]))
	for p := range d.paths[kind] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateJob(_ context.Context, depositID, jobID string, fields status.JobFields) (bool, error) {
	if err := fields.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(depositID)
	if !ok {
		return false, fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	if _, exists := d.jobs[jobID]; exists {
		return false, nil
	}
	job := make(status.JobFields, len(fields))
	for k, v := range fields {
		job[k] = v
	}
	d.jobs[jobID] = job
	d.jobOrder = append(d.jobOrder, jobID)
	return true, nil
}

func (s *Store) job(depositID, jobID string) (status.JobFields, error) {
	d, ok := s.live(depositID)
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	job, ok := d.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s/%s: %w", depositID, jobID, status.ErrNotFound)
	}
	return job, nil
}

func (s *Store) Job(_ context.Context, depositID, jobID string) (status.JobFields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.job(depositID, jobID)
	if err != nil {
		return nil, err
	}
	out := make(status.JobFields, len(job))
	for k, v := range job {
		out[k] = v
	}
	return out, nil
}

func (s *Store) JobIDs(_ context.Context, depositID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(depositID)
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	return append([]string(nil), d.jobOrder...), nil
}

func (s *Store) SetJob(_ context.Context, depositID, jobID string, fields status.JobFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.job(depositID, jobID)
	if err != nil {
		return err
	}
	for k, v := range fields {
		job[k] = v
	}
	return nil
}

func (s *Store) CompareAndSetJob(_ context.Context, depositID, jobID string, field status.JobField, expected []string, value string) (bool, error) {
	if !field.Valid() {
		return false, fmt.Errorf("%w: job field %q", status.ErrUnknownField, field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.job(depositID, jobID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(expected, job[field]) {
		return false, nil
	}
	job[field] = value
	return true, nil
}

func (s *Store) IncrJob(_ context.Context, depositID, jobID string, field status.JobField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, fmt.Errorf("%w: job field %q", status.ErrUnknownField, field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.job(depositID, jobID)
	if err != nil {
		return 0, err
	}
	next, err := incr(job[field], delta)
	if err != nil {
		return 0, fmt.Errorf("job %s/%s field %s: %w", depositID, jobID, field, err)
	}
	job[field] = strconv.FormatInt(next, 10)
	return next, nil
}

func (s *Store) Pipeline(_ context.Context) (status.PipelineFields, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(status.PipelineFields, len(s.pipeline))
	for k, v := range s.pipeline {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetPipeline(_ context.Context, fields status.PipelineFields) error {
	if err := fields.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		s.pipeline[k] = v
	}
	return nil
}

func (s *Store) AcquireLock(_ context.Context, depositID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(depositID)
	if !ok {
		return false, fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	now := s.now()
	if d.lockOwner != "" && d.lockOwner != owner && now.Before(d.lockExpires) {
		return false, nil
	}
	d.lockOwner = owner
	d.lockExpires = now.Add(ttl)
	return true, nil
}

func (s *Store) RenewLock(_ context.Context, depositID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(depositID)
	if !ok {
		return false, fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	now := s.now()
	if d.lockOwner != owner || !now.Before(d.lockExpires) {
		return false, nil
	}
	d.lockExpires = now.Add(ttl)
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, depositID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(depositID)
	if !ok {
		return nil
	}
	if d.lockOwner == owner {
		d.lockOwner = ""
		d.lockExpires = time.Time{}
	}
	return nil
}

func (s *Store) ScheduleExpiry(_ context.Context, depositID string, after time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.live(depositID)
	if !ok {
		return fmt.Errorf("deposit %s: %w", depositID, status.ErrNotFound)
	}
	d.expiresAt = s.now().Add(after)
	return nil
}

// PurgeExpired drops deposits whose expiry has passed.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, d := range s.deposits {
		if !d.expiresAt.IsZero() && !now.Before(d.expiresAt) {
			delete(s.deposits, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func incr(current string, delta int64) (int64, error) {
	if current == "" {
		return delta, nil
	}
	v, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", current)
	}
	return v + delta, nil
}
