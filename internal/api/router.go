package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/fraudledger/internal/api/middleware"
	"github.com/rs/zerolog"
)

// NewRouter wires the handler onto the public routes. The short paths are
// the ones the gateway already calls; /api/v1 mirrors them.
func NewRouter(h *Handler, log zerolog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(log), middleware.Recovery(log), middleware.Metrics)

	r.HandleFunc("/ping", h.PingHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/transfer", h.CreateTransferHandler).Methods(http.MethodPost)
	r.HandleFunc("/balance", h.GetBalanceHandler).Methods(http.MethodGet)
	r.HandleFunc("/audits", h.ListAuditsHandler).Methods(http.MethodGet)
	r.HandleFunc("/audits/{transaction_id}", h.GetAuditHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalanceHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/audits", h.ListAuditsHandler).Methods(http.MethodGet)

	return r
}
