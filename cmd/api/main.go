package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/fraudledger/internal/api"
	"github.com/punchamoorthee/fraudledger/internal/audit"
	"github.com/punchamoorthee/fraudledger/internal/config"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/fraud"
	"github.com/punchamoorthee/fraudledger/internal/idempotency"
	"github.com/punchamoorthee/fraudledger/internal/ledger"
	"github.com/punchamoorthee/fraudledger/internal/logger"
	"github.com/punchamoorthee/fraudledger/internal/service"
	"github.com/punchamoorthee/fraudledger/internal/store"
	"github.com/punchamoorthee/fraudledger/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New("", "info")
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.WithFields(logger.New(cfg.Env, cfg.LogLevel), map[string]interface{}{
		"service": "fraudledger",
		"env":     cfg.Env,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg.StoreDriver, cfg.DBSource, cfg.StoreTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("Unable to open store")
	}
	defer backend.Close()

	if mem, ok := backend.(*store.Memory); ok {
		seedDemoAccounts(ctx, mem, log)
	}

	// Initialize Layers
	idem := idempotency.New(backend, idempotency.Options{
		TTL:        cfg.IdempotencyTTL,
		Lease:      cfg.IdempotencyLease,
		VerifyHash: cfg.IdempotencyVerifyHash,
	})
	gate := fraud.NewGate(fraud.NewHTTPScorer(cfg.FraudURL, cfg.FraudTimeout), cfg.FraudThreshold, cfg.FraudTimeout, cfg.ModelVersion)
	updater := ledger.NewUpdater(backend, log)
	recorder := audit.NewRecorder(backend)

	transfers := service.NewTransferService(idem, gate, updater, recorder, backend, log, service.Options{
		RecordFailedTransactions: cfg.RecordFailedTransactions,
	})
	balances := service.NewBalanceService(backend)

	compensations := worker.NewCompensationWorker(updater, cfg.CompensationRetryInterval, cfg.CompensationBatch, log)
	janitor := worker.NewIdempotencyJanitor(idem, cfg.IdempotencyPurgeInterval, log)
	compensations.Start(ctx)
	janitor.Start(ctx)

	handler := api.NewHandler(transfers, balances, recorder, backend, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("driver", cfg.StoreDriver).
			Str("fraud_url", cfg.FraudURL).
			Float64("fraud_threshold", gate.Threshold()).
			Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	compensations.Shutdown()
	janitor.Shutdown()
}

// seedDemoAccounts gives the in-memory store something to transfer between.
func seedDemoAccounts(ctx context.Context, mem *store.Memory, log zerolog.Logger) {
	for _, a := range []domain.Account{
		{ID: "ACC1", Currency: "INR", BalanceMinor: 10000},
		{ID: "ACC2", Currency: "INR", BalanceMinor: 0},
	} {
		a := a
		if err := mem.CreateAccount(ctx, &a); err != nil {
			log.Warn().Err(err).Str("account_id", a.ID).Msg("Demo account not created")
		}
	}
	log.Info().Msg("In-memory store seeded with ACC1 and ACC2")
}
