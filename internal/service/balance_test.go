package service

import (
	"context"
	"errors"
	"testing"

	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/store"
)

type MockAccountRepository struct {
	GetAccountFunc func(ctx context.Context, id string) (*domain.Account, error)
}

func (m *MockAccountRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return m.GetAccountFunc(ctx, id)
}

func TestGetBalance(t *testing.T) {
	repo := &MockAccountRepository{GetAccountFunc: func(ctx context.Context, id string) (*domain.Account, error) {
		switch id {
		case "ACC1":
			return &domain.Account{ID: "ACC1", Currency: "INR", BalanceMinor: 125}, nil
		case "BROKEN":
			return nil, errors.New("connection reset")
		}
		return nil, store.ErrAccountNotFound
	}}
	svc := NewBalanceService(repo)
	ctx := context.Background()

	got, err := svc.GetBalance(ctx, "ACC1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != "1.25" || got.Currency != "INR" || got.AccountID != "ACC1" {
		t.Errorf("balance = %+v", got)
	}

	if _, err := svc.GetBalance(ctx, "NOPE"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
	_, err = svc.GetBalance(ctx, "BROKEN")
	if err == nil || errors.Is(err, ErrAccountNotFound) {
		t.Errorf("lookup failure must be distinct from not found, got %v", err)
	}
}
