package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/fraudledger/internal/audit"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/fraud"
	"github.com/punchamoorthee/fraudledger/internal/idempotency"
	"github.com/punchamoorthee/fraudledger/internal/ledger"
	"github.com/punchamoorthee/fraudledger/internal/service"
	"github.com/punchamoorthee/fraudledger/internal/store"
	"github.com/rs/zerolog"
)

type MockScorer struct {
	ScoreFunc func(ctx context.Context, req fraud.Request) (*fraud.Response, error)
}

func (m *MockScorer) Score(ctx context.Context, req fraud.Request) (*fraud.Response, error) {
	return m.ScoreFunc(ctx, req)
}

type MockPinger struct {
	PingFunc func(ctx context.Context) error
}

func (m *MockPinger) Ping(ctx context.Context) error { return m.PingFunc(ctx) }

type testServer struct {
	router http.Handler
	mem    *store.Memory
	score  float64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{mem: store.NewMemory(), score: 0.10}
	ctx := context.Background()
	for _, a := range []domain.Account{
		{ID: "ACC1", Currency: "INR", BalanceMinor: 10000},
		{ID: "ACC2", Currency: "INR", BalanceMinor: 0},
	} {
		a := a
		if err := ts.mem.CreateAccount(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}

	log := zerolog.New(io.Discard)
	scorer := &MockScorer{ScoreFunc: func(ctx context.Context, req fraud.Request) (*fraud.Response, error) {
		if ts.score < 0 {
			return nil, errors.New("scorer down")
		}
		var reasons []string
		if ts.score >= 0.8 {
			reasons = []string{"velocity_anomaly"}
		}
		return &fraud.Response{FraudScore: ts.score, Reasons: reasons}, nil
	}}
	recorder := audit.NewRecorder(ts.mem)
	transfers := service.NewTransferService(
		idempotency.New(ts.mem, idempotency.Options{}),
		fraud.NewGate(scorer, 0.80, time.Second, "rules-v1"),
		ledger.NewUpdater(ts.mem, log),
		recorder,
		ts.mem,
		log,
		service.Options{},
	)
	h := NewHandler(transfers, service.NewBalanceService(ts.mem), recorder, ts.mem, log)
	ts.router = NewRouter(h, log)
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

const goodTransfer = `{"from_account":"ACC1","to_account":"ACC2","amount":"25.00","currency":"INR"}`

func TestCreateTransfer_Posted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/transfer", goodTransfer, map[string]string{"Idempotency-Key": "k1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotency-Key") != "k1" {
		t.Errorf("Idempotency-Key header = %q", rec.Header().Get("Idempotency-Key"))
	}

	var res domain.TransferResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "posted" || res.FromBalanceAfter != "75.00" || res.ToBalanceAfter != "25.00" {
		t.Errorf("result = %+v", res)
	}
	if rec.Header().Get("Location") != "/api/v1/transactions/"+res.TransactionID {
		t.Errorf("Location = %q", rec.Header().Get("Location"))
	}

	txn := ts.do(http.MethodGet, "/api/v1/transactions/"+res.TransactionID, "", nil)
	if txn.Code != http.StatusOK || !strings.Contains(txn.Body.String(), `"status":"POSTED"`) {
		t.Errorf("transaction lookup = %d %s", txn.Code, txn.Body.String())
	}
}

func TestCreateTransfer_ReplayIsByteIdentical(t *testing.T) {
	ts := newTestServer(t)
	headers := map[string]string{"Idempotency-Key": "same"}

	first := ts.do(http.MethodPost, "/api/v1/transfers", goodTransfer, headers)
	second := ts.do(http.MethodPost, "/api/v1/transfers", goodTransfer, headers)

	if first.Code != second.Code || !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replay differs: %d %s vs %d %s", first.Code, first.Body, second.Code, second.Body)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay should be flagged")
	}

	bal := ts.do(http.MethodGet, "/balance?account_id=ACC1", "", nil)
	if !strings.Contains(bal.Body.String(), `"balance":"75.00"`) {
		t.Errorf("balance after replay = %s", bal.Body.String())
	}
}

func TestCreateTransfer_GeneratesKey(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/transfer", goodTransfer, nil)
	if rec.Code != http.StatusCreated || rec.Header().Get("Idempotency-Key") == "" {
		t.Errorf("status = %d key = %q", rec.Code, rec.Header().Get("Idempotency-Key"))
	}
}

func TestCreateTransfer_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		body       string
		wantStatus int
		wantInBody string
	}{
		{"blocked", 0.95, goodTransfer, http.StatusOK, `"status":"blocked"`},
		{"invalid amount", 0.1, `{"from_account":"ACC1","to_account":"ACC2","amount":"1.005","currency":"INR"}`, http.StatusBadRequest, `"invalid_amount"`},
		{"insufficient", 0.1, `{"from_account":"ACC1","to_account":"ACC2","amount":"500.00","currency":"INR"}`, http.StatusUnprocessableEntity, `"insufficient_funds_or_account"`},
		{"dest missing", 0.1, `{"from_account":"ACC1","to_account":"NOPE","amount":"1.00","currency":"INR"}`, http.StatusUnprocessableEntity, `"dest_account_missing"`},
		{"scorer down", -1, goodTransfer, http.StatusServiceUnavailable, `"scoring_service_unavailable"`},
		{"malformed", 0.1, `{"from_account":`, http.StatusBadRequest, `"error"`},
		{"self transfer", 0.1, `{"from_account":"ACC1","to_account":"ACC1","amount":"1.00","currency":"INR"}`, http.StatusBadRequest, `Self-transfer`},
		{"bad currency", 0.1, `{"from_account":"ACC1","to_account":"ACC2","amount":"1.00","currency":"rupees"}`, http.StatusBadRequest, `currency`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.score = tt.score
			rec := ts.do(http.MethodPost, "/transfer", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantInBody) {
				t.Errorf("body %s does not contain %s", rec.Body.String(), tt.wantInBody)
			}
		})
	}
}

func TestCreateTransfer_CachedKeyReplaysBeforeValidation(t *testing.T) {
	ts := newTestServer(t)
	first := ts.do(http.MethodPost, "/transfer", goodTransfer, map[string]string{"Idempotency-Key": "k-shape"})
	if first.Code != http.StatusCreated {
		t.Fatalf("status = %d", first.Code)
	}

	self := `{"from_account":"ACC1","to_account":"ACC1","amount":"1.00","currency":"INR"}`
	rec := ts.do(http.MethodPost, "/transfer", self, map[string]string{"Idempotency-Key": "k-shape"})
	if rec.Code != http.StatusCreated || rec.Body.String() != first.Body.String() {
		t.Errorf("status = %d body = %s, want cached 201", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("missing Idempotent-Replayed header")
	}
}

func TestCreateTransfer_InProgressConflict(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	if _, err := ts.mem.ReserveIdempotency(context.Background(), &domain.IdempotencyRecord{
		Key: "busy", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(http.MethodPost, "/transfer", goodTransfer, map[string]string{"Idempotency-Key": "busy"})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetBalance(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path       string
		wantStatus int
		wantInBody string
	}{
		{"/balance?account_id=ACC1", http.StatusOK, `"balance":"100.00"`},
		{"/api/v1/accounts/ACC1/balance", http.StatusOK, `"currency":"INR"`},
		{"/balance", http.StatusBadRequest, `missing_account_id`},
		{"/balance?account_id=NOPE", http.StatusNotFound, `account_not_found`},
	}
	for _, tt := range tests {
		rec := ts.do(http.MethodGet, tt.path, "", nil)
		if rec.Code != tt.wantStatus || !strings.Contains(rec.Body.String(), tt.wantInBody) {
			t.Errorf("%s = %d %s", tt.path, rec.Code, rec.Body.String())
		}
	}
}

func TestAudits(t *testing.T) {
	ts := newTestServer(t)
	ts.score = 0.95
	ts.do(http.MethodPost, "/transfer", goodTransfer, nil)
	ts.score = 0.10
	posted := ts.do(http.MethodPost, "/transfer", goodTransfer, nil)

	var res domain.TransferResult
	_ = json.Unmarshal(posted.Body.Bytes(), &res)

	rec := ts.do(http.MethodGet, "/audits?action=block&min_score=0.9", "", nil)
	var page domain.AuditListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Count != 1 || page.Items[0].Action != domain.ActionBlock {
		t.Errorf("block audits = %+v", page)
	}

	rec = ts.do(http.MethodGet, "/audits?limit=abc&skip=-3", "", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Count != 2 {
		t.Errorf("unfiltered audits = %+v", page)
	}

	one := ts.do(http.MethodGet, "/audits/"+res.TransactionID, "", nil)
	if one.Code != http.StatusOK || !strings.Contains(one.Body.String(), `"action":"ALLOW"`) {
		t.Errorf("audit by txn = %d %s", one.Code, one.Body.String())
	}
	if rec := ts.do(http.MethodGet, "/audits/txn_missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing audit status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/ping", "", nil); rec.Body.String() != "pong" {
		t.Errorf("ping = %q", rec.Body.String())
	}

	down := &MockPinger{PingFunc: func(ctx context.Context) error { return errors.New("db down") }}
	h := NewHandler(nil, nil, nil, down, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.HealthCheckHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health with failing store = %d", rec.Code)
	}
}
