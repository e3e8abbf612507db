package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/fraudledger/internal/domain"
)

// Memory is a thread-safe in-memory backend with the same semantics as Postgres.
// The mutex only makes each call atomic, mirroring single-statement atomicity.
type Memory struct {
	mu            sync.RWMutex
	accounts      map[string]*domain.Account
	transactions  map[string]*domain.Transaction
	idempotency   map[string]*domain.IdempotencyRecord
	audits        []domain.FraudAuditEntry
	compensations map[string]*domain.Compensation
	now           func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[string]*domain.Account),
		transactions:  make(map[string]*domain.Transaction),
		idempotency:   make(map[string]*domain.IdempotencyRecord),
		compensations: make(map[string]*domain.Compensation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() {}

func (m *Memory) CreateAccount(ctx context.Context, a *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	now := m.now()
	cp := *a
	cp.Version = 0
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.accounts[a.ID] = &cp
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) UpdateBalance(ctx context.Context, cond domain.BalanceCondition, delta int64) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[cond.AccountID]
	if !ok || (cond.Currency != "" && a.Currency != cond.Currency) || a.BalanceMinor < cond.MinBalance {
		return nil, ErrNoMatch
	}
	a.BalanceMinor += delta
	a.Version++
	a.UpdatedAt = m.now()
	cp := *a
	return &cp, nil
}

func (m *Memory) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; ok {
		return ErrDuplicate
	}
	cp := *t
	cp.FraudReasons = append([]string{}, t.FraudReasons...)
	m.transactions[t.ID] = &cp
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

// Transactions returns every stored transaction. Test helper.
func (m *Memory) Transactions() []domain.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		out = append(out, *t)
	}
	return out
}

func (m *Memory) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return &cp, nil
}

func (m *Memory) ReserveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.idempotency[rec.Key]; ok && cur.ExpiresAt.After(rec.CreatedAt) {
		return false, nil
	}
	m.idempotency[rec.Key] = &domain.IdempotencyRecord{
		Key:         rec.Key,
		RequestHash: rec.RequestHash,
		Status:      domain.IdempotencyInProgress,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
	return true, nil
}

func (m *Memory) CompleteIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Status = domain.IdempotencyCompleted
	cp.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	if cur, ok := m.idempotency[rec.Key]; ok {
		cp.CreatedAt = cur.CreatedAt
		cp.RequestHash = cur.RequestHash
	}
	m.idempotency[rec.Key] = &cp
	return nil
}

func (m *Memory) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.idempotency {
		if !rec.ExpiresAt.After(before) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertAudit(ctx context.Context, e *domain.FraudAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.audits {
		if cur.ID == e.ID {
			return ErrDuplicate
		}
	}
	cp := *e
	cp.Reasons = append([]string{}, e.Reasons...)
	m.audits = append(m.audits, cp)
	return nil
}

func (m *Memory) QueryAudits(ctx context.Context, f domain.AuditFilter) ([]domain.FraudAuditEntry, error) {
	m.mu.RLock()
	matched := []domain.FraudAuditEntry{}
	for _, e := range m.audits {
		switch {
		case f.TransactionID != "" && e.TransactionID != f.TransactionID:
		case f.Action != "" && e.Action != f.Action:
		case f.MinScore != nil && e.Score < *f.MinScore:
		case f.Since != nil && e.CreatedAt.Before(*f.Since):
		case f.Until != nil && e.CreatedAt.After(*f.Until):
		default:
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit, skip := NormalizeAuditPage(f.Limit, f.Skip)
	if skip >= len(matched) {
		return []domain.FraudAuditEntry{}, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[skip:end], nil
}

func (m *Memory) EnqueueCompensation(ctx context.Context, c *domain.Compensation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.compensations[c.ID]; ok {
		return ErrDuplicate
	}
	cp := *c
	cp.Status = domain.CompensationPending
	cp.UpdatedAt = c.CreatedAt
	m.compensations[c.ID] = &cp
	return nil
}

func (m *Memory) ApplyCompensation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCompensation(id)
}

func (m *Memory) SettleCompensation(ctx context.Context, c *domain.Compensation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.compensations[c.ID]
	if !existed {
		cp := *c
		cp.Status = domain.CompensationPending
		cp.UpdatedAt = c.CreatedAt
		m.compensations[c.ID] = &cp
	}
	applied, err := m.applyCompensation(c.ID)
	if err != nil && !existed {
		delete(m.compensations, c.ID)
	}
	return applied, err
}

func (m *Memory) applyCompensation(id string) (bool, error) {
	c, ok := m.compensations[id]
	if !ok {
		return false, ErrCompensationUnknown
	}
	if c.Status == domain.CompensationDone {
		return false, nil
	}
	a, ok := m.accounts[c.AccountID]
	if !ok {
		return false, ErrNoMatch
	}
	now := m.now()
	a.BalanceMinor += c.AmountMinor
	a.Version++
	a.UpdatedAt = now
	c.Status = domain.CompensationDone
	c.Attempts++
	c.LastError = ""
	c.UpdatedAt = now
	return true, nil
}

func (m *Memory) PendingCompensations(ctx context.Context, limit int) ([]domain.Compensation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Compensation
	for _, c := range m.compensations {
		if c.Status == domain.CompensationPending {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordCompensationFailure(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.compensations[id]; ok && c.Status == domain.CompensationPending {
		c.Attempts++
		c.LastError = reason
		c.UpdatedAt = m.now()
	}
	return nil
}
