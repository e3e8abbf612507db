package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fraudledger/internal/audit"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/fraud"
	"github.com/punchamoorthee/fraudledger/internal/idempotency"
	"github.com/punchamoorthee/fraudledger/internal/ledger"
	"github.com/punchamoorthee/fraudledger/internal/logger"
	"github.com/punchamoorthee/fraudledger/internal/money"
	"github.com/punchamoorthee/fraudledger/internal/store"
	"github.com/rs/zerolog"
)

var (
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrTransactionNotFound = store.ErrTransactionNotFound
)

// ValidationError rejects a request shape before any key is reserved.
// It is never cached.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ValidateRequest checks the parts of a transfer that do not depend on
// stored state. Amount semantics belong to execution.
func ValidateRequest(req domain.TransferRequest) error {
	switch {
	case req.FromAccount == "" || req.ToAccount == "":
		return &ValidationError{Msg: "from_account and to_account are required"}
	case req.FromAccount == req.ToAccount:
		return &ValidationError{Msg: "Self-transfer not allowed"}
	case !isCurrencyCode(req.Currency):
		return &ValidationError{Msg: "currency must be a 3-letter code"}
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Stable reason strings carried in error results.
const (
	ReasonInvalidAmount           = "invalid_amount"
	ReasonInsufficientFundsOrAcct = "insufficient_funds_or_account"
	ReasonDestinationMissing      = "dest_account_missing"
	ReasonInternalError           = "internal_error"
	CodeScoringServiceUnavailable = "scoring_service_unavailable"
	CodeStorageFailure            = "storage_failure"
	CodeUnexpected                = "unexpected"
)

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_transfer_outcomes_total",
	Help: "Terminal transfer outcomes by status and reason",
}, []string{"status", "reason"})

// TransactionRepository persists transaction rows.
type TransactionRepository interface {
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

// Outcome is what the caller writes back: the status code and the exact
// bytes that were cached under the idempotency key.
type Outcome struct {
	IdempotencyKey string
	StatusCode     int
	Body           []byte
	Result         *domain.TransferResult
	Replayed       bool
}

type Options struct {
	// RecordFailedTransactions inserts FAILED rows for transfers that were
	// scored but did not post.
	RecordFailedTransactions bool
}

type TransferService struct {
	idem   *idempotency.Store
	gate   *fraud.Gate
	ledger *ledger.Updater
	audit  *audit.Recorder
	txns   TransactionRepository
	log    zerolog.Logger
	opts   Options
	now    func() time.Time
}

func NewTransferService(
	idem *idempotency.Store,
	gate *fraud.Gate,
	updater *ledger.Updater,
	recorder *audit.Recorder,
	txns TransactionRepository,
	log zerolog.Logger,
	opts Options,
) *TransferService {
	return &TransferService{
		idem:   idem,
		gate:   gate,
		ledger: updater,
		audit:  recorder,
		txns:   txns,
		log:    log,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ProcessTransfer runs one transfer exactly once per idempotency key.
// Every terminal result, errors included, is cached and returned as an
// Outcome. The returned error is reserved for conditions that must not be
// cached: a *ValidationError, a concurrent request holding the key, a key
// reused with another payload, or the idempotency store itself failing.
func (s *TransferService) ProcessTransfer(ctx context.Context, req domain.TransferRequest, idempotencyKey string) (*Outcome, error) {
	if idempotencyKey == "" {
		idempotencyKey = idempotency.NewKey()
	}
	reqHash := idempotency.RequestHash(req)

	// 1. Idempotency check
	cached, err := s.idem.Lookup(ctx, idempotencyKey, reqHash)
	if err != nil {
		return nil, s.idempotencyError(err)
	}
	if cached != nil {
		return replay(idempotencyKey, cached), nil
	}

	// 2. Shape validation, after replay so a cached key always wins
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	// 3. Idempotency reservation
	cached, err = s.idem.Reserve(ctx, idempotencyKey, reqHash)
	if err != nil {
		return nil, s.idempotencyError(err)
	}
	if cached != nil {
		return replay(idempotencyKey, cached), nil
	}

	// 4. Execution
	result, status := s.execute(ctx, req, idempotencyKey)

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode transfer result: %w", err)
	}

	// 5. Finalize idempotency, even if the caller has gone away
	if err := s.idem.Store(context.WithoutCancel(ctx), idempotencyKey, reqHash, status, body); err != nil {
		l := logger.FromContext(ctx, s.log)
		l.Error().Err(err).
			Str("idempotency_key", idempotencyKey).
			Str("transaction_id", result.TransactionID).
			Msg("Failed to cache transfer result")
	}

	outcomesTotal.WithLabelValues(result.Status, reasonLabel(result)).Inc()

	return &Outcome{
		IdempotencyKey: idempotencyKey,
		StatusCode:     status,
		Body:           body,
		Result:         result,
	}, nil
}

func (s *TransferService) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	t, err := s.txns.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

func (s *TransferService) idempotencyError(err error) error {
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		return ErrIdempotencyConflict
	case errors.Is(err, idempotency.ErrMismatch):
		return ErrIdempotencyMismatch
	}
	return fmt.Errorf("idempotency store: %w", err)
}

func replay(key string, cached *idempotency.StoredResponse) *Outcome {
	return &Outcome{
		IdempotencyKey: key,
		StatusCode:     cached.StatusCode,
		Body:           cached.Body,
		Replayed:       true,
	}
}

// execute walks the transfer state machine and always produces a result.
func (s *TransferService) execute(ctx context.Context, req domain.TransferRequest, key string) (result *domain.TransferResult, status int) {
	txID := "txn_" + uuid.NewString()
	log := logger.FromContext(ctx, s.log).With().
		Str("transaction_id", txID).
		Str("idempotency_key", key).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Transfer panicked")
			result, status = internalError(txID, req.Currency, CodeUnexpected)
		}
	}()

	amount, err := money.ToMinorUnits(req.Amount)
	if err != nil {
		log.Info().Err(err).Msg("Rejected transfer amount")
		return errorResult(txID, req.Currency, ReasonInvalidAmount), http.StatusBadRequest
	}

	verdict, err := s.gate.Evaluate(ctx, fraud.Request{
		TransactionID: txID,
		Account:       req.FromAccount,
		Amount:        money.ToMajorFloat(amount),
		Currency:      req.Currency,
		Metadata:      req.Metadata,
	})
	if err != nil {
		log.Error().Err(err).Msg("Fraud scoring failed")
		return internalError(txID, req.Currency, CodeScoringServiceUnavailable)
	}
	score := verdict.Score

	t := &domain.Transaction{
		ID:             txID,
		FromAccountID:  req.FromAccount,
		ToAccountID:    req.ToAccount,
		AmountMinor:    amount,
		Currency:       req.Currency,
		IdempotencyKey: key,
		FraudScore:     &score,
		FraudReasons:   verdict.Reasons,
	}

	if verdict.Action == domain.ActionBlock {
		t.Status = domain.TxnBlocked
		if err := s.insertTransaction(ctx, t); err != nil {
			log.Error().Err(err).Msg("Failed to record blocked transaction")
			return internalError(txID, req.Currency, CodeStorageFailure)
		}
		if _, err := s.audit.Record(ctx, txID, score, domain.ActionBlock, verdict.Reasons, verdict.ModelVersion); err != nil {
			log.Error().Err(err).Msg("Failed to record block audit")
			return internalError(txID, req.Currency, CodeStorageFailure)
		}
		log.Info().Float64("fraud_score", score).Strs("reasons", verdict.Reasons).Msg("Transfer blocked")
		return &domain.TransferResult{
			Status:        domain.ResultBlocked,
			TransactionID: txID,
			Currency:      req.Currency,
			FraudScore:    &score,
			Reasons:       verdict.Reasons,
		}, http.StatusOK
	}

	from, err := s.ledger.Debit(ctx, req.FromAccount, req.Currency, amount)
	if errors.Is(err, ledger.ErrInsufficientFundsOrAccount) {
		s.recordFailure(ctx, log, t)
		log.Info().Msg("Debit rejected")
		return errorResult(txID, req.Currency, ReasonInsufficientFundsOrAcct), http.StatusUnprocessableEntity
	}
	if err != nil {
		log.Error().Err(err).Msg("Debit failed")
		s.recordFailure(ctx, log, t)
		return internalError(txID, req.Currency, CodeStorageFailure)
	}

	to, err := s.ledger.Credit(ctx, req.ToAccount, req.Currency, amount)
	if errors.Is(err, ledger.ErrDestinationAccountMissing) {
		if cerr := s.ledger.CompensateDebit(ctx, txID, req.FromAccount, amount); cerr != nil && !errors.Is(cerr, ledger.ErrCompensationDeferred) {
			log.Error().Err(cerr).Msg("Compensation failed")
		}
		s.recordFailure(ctx, log, t)
		log.Info().Msg("Credit rejected, debit compensated")
		return errorResult(txID, req.Currency, ReasonDestinationMissing), http.StatusUnprocessableEntity
	}
	if err != nil {
		// The credit may have landed; reversing the debit blindly could mint money.
		log.Error().Err(err).Str("from_account", req.FromAccount).Int64("amount_minor", amount).
			Msg("Credit outcome unknown after debit, manual reconciliation required")
		s.recordFailure(ctx, log, t)
		return internalError(txID, req.Currency, CodeStorageFailure)
	}

	t.Status = domain.TxnPosted
	if err := s.insertTransaction(ctx, t); err != nil {
		log.Error().Err(err).Msg("Failed to record posted transaction")
		return internalError(txID, req.Currency, CodeStorageFailure)
	}
	if _, err := s.audit.Record(ctx, txID, score, domain.ActionAllow, verdict.Reasons, verdict.ModelVersion); err != nil {
		log.Error().Err(err).Msg("Failed to record allow audit")
		return internalError(txID, req.Currency, CodeStorageFailure)
	}

	log.Info().Float64("fraud_score", score).Int64("amount_minor", amount).Msg("Transfer posted")
	return &domain.TransferResult{
		Status:           domain.ResultPosted,
		TransactionID:    txID,
		Currency:         req.Currency,
		FraudScore:       &score,
		FromBalanceAfter: money.ToMajorString(from.BalanceMinor),
		ToBalanceAfter:   money.ToMajorString(to.BalanceMinor),
	}, http.StatusCreated
}

func (s *TransferService) insertTransaction(ctx context.Context, t *domain.Transaction) error {
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	return s.txns.InsertTransaction(ctx, t)
}

// recordFailure persists a FAILED row when enabled. Best effort.
func (s *TransferService) recordFailure(ctx context.Context, log zerolog.Logger, t *domain.Transaction) {
	if !s.opts.RecordFailedTransactions {
		return
	}
	failed := *t
	failed.Status = domain.TxnFailed
	if err := s.insertTransaction(context.WithoutCancel(ctx), &failed); err != nil {
		log.Warn().Err(err).Msg("Failed to record failed transaction")
	}
}

func errorResult(txID, currency string, reasons ...string) *domain.TransferResult {
	return &domain.TransferResult{
		Status:        domain.ResultError,
		TransactionID: txID,
		Currency:      currency,
		Reasons:       reasons,
	}
}

func internalError(txID, currency, code string) (*domain.TransferResult, int) {
	status := http.StatusInternalServerError
	if code == CodeScoringServiceUnavailable {
		status = http.StatusServiceUnavailable
	}
	return errorResult(txID, currency, ReasonInternalError, code), status
}

func reasonLabel(r *domain.TransferResult) string {
	if r.Status != domain.ResultError || len(r.Reasons) == 0 {
		return "none"
	}
	if r.Reasons[0] == ReasonInternalError && len(r.Reasons) > 1 {
		return r.Reasons[1]
	}
	return r.Reasons[0]
}
