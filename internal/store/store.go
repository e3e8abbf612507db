// Package store persists accounts, transactions, idempotency records, fraud
// audit entries and pending compensations.
//
// Two backends share the same semantics: Postgres (pgx) for deployments and
// Memory for tests and local runs. Neither uses locks across operations;
// balance changes go through UpdateBalance, a single-row compare-and-set.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/fraudledger/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrCompensationUnknown = errors.New("compensation not found")
	ErrNoMatch             = errors.New("conditional update matched no account")
	ErrDuplicate           = errors.New("record already exists")
)

const (
	DefaultAuditLimit = 20
	MaxAuditLimit     = 100
)

// NormalizeAuditPage clamps limit to [1,100] (0 -> default) and skip to >= 0.
func NormalizeAuditPage(limit, skip int) (int, int) {
	switch {
	case limit <= 0:
		limit = DefaultAuditLimit
	case limit > MaxAuditLimit:
		limit = MaxAuditLimit
	}
	if skip < 0 {
		skip = 0
	}
	return limit, skip
}

// Backend is the full set of persistence operations both stores provide.
type Backend interface {
	Ping(ctx context.Context) error
	Close()

	CreateAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	UpdateBalance(ctx context.Context, cond domain.BalanceCondition, delta int64) (*domain.Account, error)

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	ReserveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	CompleteIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)

	InsertAudit(ctx context.Context, e *domain.FraudAuditEntry) error
	QueryAudits(ctx context.Context, f domain.AuditFilter) ([]domain.FraudAuditEntry, error)

	EnqueueCompensation(ctx context.Context, c *domain.Compensation) error
	ApplyCompensation(ctx context.Context, id string) (bool, error)
	SettleCompensation(ctx context.Context, c *domain.Compensation) (bool, error)
	PendingCompensations(ctx context.Context, limit int) ([]domain.Compensation, error)
	RecordCompensationFailure(ctx context.Context, id, reason string) error
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*Memory)(nil)
)

// Open returns the backend named by driver ("postgres" or "memory").
func Open(ctx context.Context, driver, dsn string, timeout time.Duration) (Backend, error) {
	switch driver {
	case "postgres":
		pg, err := NewPostgres(ctx, dsn, timeout)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
