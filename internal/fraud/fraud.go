// Package fraud wraps the external scoring service and classifies its verdicts.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fraudledger/internal/domain"
)

var ErrScoringUnavailable = errors.New("scoring service unavailable")

const DefaultThreshold = 0.80

var scoreHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ledger_fraud_score",
	Help:    "Distribution of fraud scores returned by the scoring service",
	Buckets: prometheus.LinearBuckets(0, 0.1, 11),
})

// Request is what the scorer sees. Amount is numeric on purpose: the
// collaborator does not accept the exact decimal string.
type Request struct {
	TransactionID string            `json:"transaction_id"`
	Account       string            `json:"account"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type Verdict struct {
	Score        float64
	Reasons      []string
	Action       domain.FraudAction
	ModelVersion string
}

// Scorer is anything that can score a transfer.
type Scorer interface {
	Score(ctx context.Context, req Request) (*Response, error)
}

// Response mirrors the scoring service's reply.
type Response struct {
	FraudScore   float64  `json:"fraud_score"`
	Reasons      []string `json:"reasons,omitempty"`
	IsFraud      bool     `json:"is_fraud,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
}

// Classify blocks at or above the threshold.
func Classify(score, threshold float64) domain.FraudAction {
	if score >= threshold {
		return domain.ActionBlock
	}
	return domain.ActionAllow
}

type Gate struct {
	scorer       Scorer
	threshold    float64
	timeout      time.Duration
	modelVersion string
}

func NewGate(scorer Scorer, threshold float64, timeout time.Duration, modelVersion string) *Gate {
	return &Gate{scorer: scorer, threshold: threshold, timeout: timeout, modelVersion: modelVersion}
}

func (g *Gate) Threshold() float64 { return g.threshold }

// Evaluate scores req and classifies the result. Every scorer failure,
// including a timeout, is reported as ErrScoringUnavailable.
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Verdict, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.scorer.Score(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoringUnavailable, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrScoringUnavailable)
	}

	scoreHistogram.Observe(resp.FraudScore)

	reasons := resp.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	version := resp.ModelVersion
	if version == "" {
		version = g.modelVersion
	}

	return &Verdict{
		Score:        resp.FraudScore,
		Reasons:      reasons,
		Action:       Classify(resp.FraudScore, g.threshold),
		ModelVersion: version,
	}, nil
}
