// Package audit appends fraud decisions and serves them back to operators.
// Entries are never updated or deleted.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/store"
)

type Repository interface {
	InsertAudit(ctx context.Context, e *domain.FraudAuditEntry) error
	QueryAudits(ctx context.Context, f domain.AuditFilter) ([]domain.FraudAuditEntry, error)
}

type Recorder struct {
	repo Repository
	now  func() time.Time
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) Record(ctx context.Context, transactionID string, score float64, action domain.FraudAction, reasons []string, modelVersion string) (*domain.FraudAuditEntry, error) {
	if reasons == nil {
		reasons = []string{}
	}
	e := &domain.FraudAuditEntry{
		ID:            "aud_" + uuid.NewString(),
		TransactionID: transactionID,
		Score:         score,
		Action:        action,
		Reasons:       reasons,
		ModelVersion:  modelVersion,
		CreatedAt:     r.now(),
	}
	if err := r.repo.InsertAudit(ctx, e); err != nil {
		return nil, fmt.Errorf("record audit for %s: %w", transactionID, err)
	}
	return e, nil
}

// Query returns matching entries newest first. Count is the size of the
// returned page, not the total number of matches.
func (r *Recorder) Query(ctx context.Context, f domain.AuditFilter) (*domain.AuditListResponse, error) {
	f.Limit, f.Skip = store.NormalizeAuditPage(f.Limit, f.Skip)
	items, err := r.repo.QueryAudits(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	if items == nil {
		items = []domain.FraudAuditEntry{}
	}
	return &domain.AuditListResponse{Items: items, Count: len(items)}, nil
}

func (r *Recorder) ForTransaction(ctx context.Context, transactionID string) (*domain.AuditListResponse, error) {
	return r.Query(ctx, domain.AuditFilter{TransactionID: transactionID, Limit: store.MaxAuditLimit})
}
