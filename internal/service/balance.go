package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/money"
	"github.com/punchamoorthee/fraudledger/internal/store"
)

var ErrAccountNotFound = store.ErrAccountNotFound

type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
}

type BalanceService struct {
	accounts AccountRepository
}

func NewBalanceService(accounts AccountRepository) *BalanceService {
	return &BalanceService{accounts: accounts}
}

// GetBalance reports the balance in major units. ErrAccountNotFound is
// returned as is so callers can tell it apart from a failed lookup.
func (s *BalanceService) GetBalance(ctx context.Context, accountID string) (*domain.BalanceResponse, error) {
	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("balance lookup for %s: %w", accountID, err)
	}
	return &domain.BalanceResponse{
		AccountID: acc.ID,
		Balance:   money.ToMajorString(acc.BalanceMinor),
		Currency:  acc.Currency,
	}, nil
}
