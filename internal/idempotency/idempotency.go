// Package idempotency maps client-supplied keys to the response a transfer
// produced, so retries replay that response instead of re-executing.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fraudledger/internal/domain"
)

var (
	ErrConflict = errors.New("request in progress")
	ErrMismatch = errors.New("key reuse with mismatched payload")
)

const (
	DefaultTTL   = 24 * time.Hour
	DefaultLease = 30 * time.Second
)

// Repository is the persistence the store needs.
type Repository interface {
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	ReserveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	CompleteIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// StoredResponse is a cached outcome, replayed verbatim.
type StoredResponse struct {
	StatusCode int
	Body       []byte
}

type Options struct {
	TTL   time.Duration
	Lease time.Duration
	// VerifyHash rejects replays whose request hash differs from the stored one.
	// Off by default: the key alone identifies the request.
	VerifyHash bool
}

type Store struct {
	repo Repository
	opts Options
	now  func() time.Time
}

func New(repo Repository, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	return &Store{repo: repo, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// NewKey generates a key for callers that did not supply one.
func NewKey() string {
	return uuid.NewString()
}

// RequestHash fingerprints the normalized request: accounts, amount, currency.
func RequestHash(req domain.TransferRequest) string {
	sum := sha256.Sum256([]byte(req.FromAccount + "|" + req.ToAccount + "|" + req.Amount + "|" + req.Currency))
	return hex.EncodeToString(sum[:])
}

// Lookup returns the completed, unexpired response for key, or nil.
func (s *Store) Lookup(ctx context.Context, key, requestHash string) (*StoredResponse, error) {
	rec, err := s.repo.GetIdempotency(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != domain.IdempotencyCompleted || !rec.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	if s.opts.VerifyHash && rec.RequestHash != requestHash {
		return nil, ErrMismatch
	}
	return &StoredResponse{StatusCode: rec.ResponseStatus, Body: rec.ResponseBody}, nil
}

// Reserve claims key for the calling request for the lease duration.
// A nil response and nil error means the caller owns the key. If another
// request finished with the key in the meantime its response is returned;
// if another request still holds it, ErrConflict.
func (s *Store) Reserve(ctx context.Context, key, requestHash string) (*StoredResponse, error) {
	now := s.now()
	ok, err := s.repo.ReserveIdempotency(ctx, &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyInProgress,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.Lease),
	})
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	cached, err := s.Lookup(ctx, key, requestHash)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	return nil, ErrConflict
}

// Store persists the final response for key, success or error alike.
func (s *Store) Store(ctx context.Context, key, requestHash string, statusCode int, body []byte) error {
	now := s.now()
	err := s.repo.CompleteIdempotency(ctx, &domain.IdempotencyRecord{
		Key:            key,
		RequestHash:    requestHash,
		Status:         domain.IdempotencyCompleted,
		ResponseStatus: statusCode,
		ResponseBody:   body,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.opts.TTL),
	})
	if err != nil {
		return fmt.Errorf("store response for key %s: %w", key, err)
	}
	return nil
}

// Purge removes every record that has expired.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	return s.repo.PurgeIdempotency(ctx, s.now())
}
