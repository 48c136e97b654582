package api

import (
	"context"
	"errors"
	"slices"
	"strings"

	"accession/internal/status"
)

// DepositService exposes read-only deposit queries returning API DTOs.
type DepositService struct {
	store status.Store
}

// NewDepositService constructs a DepositService around the store.
func NewDepositService(store status.Store) *DepositService {
	if store == nil {
		return nil
	}
	return &DepositService{store: store}
}

// List returns deposits filtered by state, oldest submission first. Job
// records are omitted; Describe includes them.
func (s *DepositService) List(ctx context.Context, states ...status.DepositState) ([]Deposit, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	records, err := status.Deposits(ctx, s.store)
	if err != nil {
		return nil, err
	}
	out := make([]Deposit, 0, len(records))
	for _, rec := range records {
		if len(states) > 0 && !slices.Contains(states, rec.Fields.State()) {
			continue
		}
		out = append(out, FromDeposit(rec.ID, rec.Fields, nil))
	}
	slices.SortFunc(out, func(a, b Deposit) int {
		if c := strings.Compare(a.SubmittedAt, b.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Describe fetches a single deposit with its jobs. It returns nil when the
// deposit does not exist.
func (s *DepositService) Describe(ctx context.Context, id string) (*Deposit, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	fields, err := s.store.Deposit(ctx, id)
	if errors.Is(err, status.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records, err := status.Jobs(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	dto := FromDeposit(id, fields, records)
	return &dto, nil
}
