// Package ledger moves value between accounts with conditional single-row
// updates. There is no transaction spanning the debit and the credit; a
// failed credit is undone by a recorded compensation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrInsufficientFundsOrAccount = errors.New("insufficient funds or account not found")
	ErrDestinationAccountMissing  = errors.New("destination account missing")
	// ErrCompensationDeferred means the reversal is recorded but not yet
	// applied; the compensation worker will finish it.
	ErrCompensationDeferred = errors.New("compensation deferred")
)

var compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_compensations_total",
	Help: "Compensating credits by result",
}, []string{"result"})

type Repository interface {
	UpdateBalance(ctx context.Context, cond domain.BalanceCondition, delta int64) (*domain.Account, error)
	EnqueueCompensation(ctx context.Context, c *domain.Compensation) error
	ApplyCompensation(ctx context.Context, id string) (bool, error)
	SettleCompensation(ctx context.Context, c *domain.Compensation) (bool, error)
	PendingCompensations(ctx context.Context, limit int) ([]domain.Compensation, error)
	RecordCompensationFailure(ctx context.Context, id, reason string) error
}

type Updater struct {
	repo Repository
	log  zerolog.Logger
	now  func() time.Time
}

func NewUpdater(repo Repository, log zerolog.Logger) *Updater {
	return &Updater{repo: repo, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Debit removes amount from the account if the currency matches and the
// balance covers it. It returns the account as it is after the write.
func (u *Updater) Debit(ctx context.Context, accountID, currency string, amount int64) (*domain.Account, error) {
	acc, err := u.repo.UpdateBalance(ctx, domain.BalanceCondition{
		AccountID:  accountID,
		Currency:   currency,
		MinBalance: amount,
	}, -amount)
	if errors.Is(err, store.ErrNoMatch) {
		return nil, ErrInsufficientFundsOrAccount
	}
	if err != nil {
		return nil, fmt.Errorf("debit %s: %w", accountID, err)
	}
	return acc, nil
}

// Credit adds amount to the account if the currency matches.
func (u *Updater) Credit(ctx context.Context, accountID, currency string, amount int64) (*domain.Account, error) {
	acc, err := u.repo.UpdateBalance(ctx, domain.BalanceCondition{
		AccountID: accountID,
		Currency:  currency,
	}, amount)
	if errors.Is(err, store.ErrNoMatch) {
		return nil, ErrDestinationAccountMissing
	}
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", accountID, err)
	}
	return acc, nil
}

// CompensateDebit gives amount back to accountID after a failed credit.
// The reversal is recorded first and applied at most once. Nil means the
// money is back; ErrCompensationDeferred means it is queued for retry.
func (u *Updater) CompensateDebit(ctx context.Context, transactionID, accountID string, amount int64) error {
	log := u.log.With().Str("transaction_id", transactionID).Str("account_id", accountID).Int64("amount_minor", amount).Logger()

	// Compensation must survive a canceled request.
	ctx = context.WithoutCancel(ctx)

	now := u.now()
	c := &domain.Compensation{
		ID:            "cmp_" + uuid.NewString(),
		TransactionID: transactionID,
		AccountID:     accountID,
		AmountMinor:   amount,
		Status:        domain.CompensationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := u.repo.EnqueueCompensation(ctx, c); err != nil {
		// The insert may have landed anyway, so settle by id instead of
		// crediting the account outright.
		log.Error().Err(err).Str("compensation_id", c.ID).Msg("Failed to record compensation, settling directly")
		if _, serr := u.repo.SettleCompensation(ctx, c); serr != nil {
			compensationsTotal.WithLabelValues("lost").Inc()
			log.Error().Err(serr).Msg("Direct reversal failed, funds need manual repair")
			return fmt.Errorf("compensate %s: %w", accountID, errors.Join(err, serr))
		}
		compensationsTotal.WithLabelValues("direct").Inc()
		return nil
	}

	if _, err := u.repo.ApplyCompensation(ctx, c.ID); err != nil {
		compensationsTotal.WithLabelValues("deferred").Inc()
		if ferr := u.repo.RecordCompensationFailure(ctx, c.ID, err.Error()); ferr != nil {
			log.Warn().Err(ferr).Msg("Failed to record compensation attempt")
		}
		log.Warn().Err(err).Str("compensation_id", c.ID).Msg("Compensation deferred to worker")
		return ErrCompensationDeferred
	}

	compensationsTotal.WithLabelValues("applied").Inc()
	log.Info().Str("compensation_id", c.ID).Msg("Debit compensated")
	return nil
}

// RetryPending applies up to limit outstanding compensations, oldest first.
func (u *Updater) RetryPending(ctx context.Context, limit int) (int, error) {
	pending, err := u.repo.PendingCompensations(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending compensations: %w", err)
	}

	applied := 0
	for _, c := range pending {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		ok, err := u.repo.ApplyCompensation(ctx, c.ID)
		if err != nil {
			compensationsTotal.WithLabelValues("deferred").Inc()
			if ferr := u.repo.RecordCompensationFailure(ctx, c.ID, err.Error()); ferr != nil {
				u.log.Warn().Err(ferr).Str("compensation_id", c.ID).Msg("Failed to record compensation attempt")
			}
			u.log.Warn().Err(err).Str("compensation_id", c.ID).Int("attempts", c.Attempts+1).Msg("Compensation retry failed")
			continue
		}
		if ok {
			applied++
			compensationsTotal.WithLabelValues("applied").Inc()
			u.log.Info().Str("compensation_id", c.ID).Str("transaction_id", c.TransactionID).Msg("Pending compensation applied")
		}
	}
	return applied, nil
}
