package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/fraudledger/internal/api/middleware"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/logger"
	"github.com/punchamoorthee/fraudledger/internal/service"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type TransferService interface {
	ProcessTransfer(ctx context.Context, req domain.TransferRequest, idempotencyKey string) (*service.Outcome, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
}

type BalanceService interface {
	GetBalance(ctx context.Context, accountID string) (*domain.BalanceResponse, error)
}

type AuditService interface {
	Query(ctx context.Context, f domain.AuditFilter) (*domain.AuditListResponse, error)
	ForTransaction(ctx context.Context, transactionID string) (*domain.AuditListResponse, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	transfers TransferService
	balances  BalanceService
	audits    AuditService
	store     Pinger
	log       zerolog.Logger
}

func NewHandler(transfers TransferService, balances BalanceService, audits AuditService, store Pinger, log zerolog.Logger) *Handler {
	return &Handler{transfers: transfers, balances: balances, audits: audits, store: store, log: log}
}

func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("pong"))
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		l := logger.FromContext(r.Context(), h.log)
		l.Warn().Err(err).Msg("Health check failed")
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)

	// 1. Decode body
	bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	var req domain.TransferRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	// 2. Call service; replay and validation happen there
	outcome, err := h.transfers.ProcessTransfer(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.As(err, &verr):
			middleware.WriteError(w, http.StatusBadRequest, verr.Msg)
		case errors.Is(err, service.ErrIdempotencyConflict):
			middleware.WriteError(w, http.StatusConflict, "Request processing in progress")
		case errors.Is(err, service.ErrIdempotencyMismatch):
			middleware.WriteError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
		default:
			log.Error().Err(err).Msg("Transfer failed before execution")
			middleware.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}

	w.Header().Set("Idempotency-Key", outcome.IdempotencyKey)
	if outcome.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	} else if outcome.Result != nil && outcome.Result.Status == domain.ResultPosted {
		w.Header().Set("Location", "/api/v1/transactions/"+outcome.Result.TransactionID)
	}
	middleware.WriteRaw(w, outcome.StatusCode, outcome.Body)
}

// GetBalanceHandler serves both /balance?account_id= and /accounts/{id}/balance.
func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		id = r.URL.Query().Get("account_id")
	}
	if id == "" {
		middleware.WriteError(w, http.StatusBadRequest, "missing_account_id")
		return
	}

	balance, err := h.balances.GetBalance(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "account_not_found")
			return
		}
		l := logger.FromContext(r.Context(), h.log)
		l.Error().Err(err).Str("account_id", id).Msg("Balance lookup failed")
		middleware.WriteError(w, http.StatusInternalServerError, "balance_failed")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, balance)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	txn, err := h.transfers.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrTransactionNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		l := logger.FromContext(r.Context(), h.log)
		l.Error().Err(err).Str("transaction_id", id).Msg("Transaction lookup failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, txn)
}

// ListAuditsHandler filters audit entries. Unparseable numeric parameters
// are ignored rather than rejected.
func (h *Handler) ListAuditsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.AuditFilter{
		TransactionID: q.Get("transaction_id"),
		Action:        domain.FraudAction(strings.ToUpper(q.Get("action"))),
	}
	if v, err := strconv.ParseFloat(q.Get("min_score"), 64); err == nil {
		f.MinScore = &v
	}
	if v, err := strconv.ParseInt(q.Get("since_ms"), 10, 64); err == nil {
		t := time.UnixMilli(v).UTC()
		f.Since = &t
	}
	if v, err := strconv.ParseInt(q.Get("until_ms"), 10, 64); err == nil {
		t := time.UnixMilli(v).UTC()
		f.Until = &t
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		// Explicit values below 1 clamp up to 1, not to the default.
		f.Limit = max(v, 1)
	}
	if v, err := strconv.Atoi(q.Get("skip")); err == nil {
		f.Skip = v
	}

	page, err := h.audits.Query(r.Context(), f)
	if err != nil {
		l := logger.FromContext(r.Context(), h.log)
		l.Error().Err(err).Msg("Audit query failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) GetAuditHandler(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["transaction_id"]

	page, err := h.audits.ForTransaction(r.Context(), txID)
	if err != nil {
		l := logger.FromContext(r.Context(), h.log)
		l.Error().Err(err).Str("transaction_id", txID).Msg("Audit lookup failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if page.Count == 0 {
		middleware.WriteError(w, http.StatusNotFound, "not_found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, page.Items[0])
}
