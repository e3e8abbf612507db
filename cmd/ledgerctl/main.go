package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/punchamoorthee/fraudledger/internal/audit"
	"github.com/punchamoorthee/fraudledger/internal/config"
	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/idempotency"
	"github.com/punchamoorthee/fraudledger/internal/ledger"
	"github.com/punchamoorthee/fraudledger/internal/logger"
	"github.com/punchamoorthee/fraudledger/internal/service"
	"github.com/punchamoorthee/fraudledger/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	Version = "dev"
	output  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Operator tooling for the transfer ledger",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "Output format (json, yaml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(auditsCmd())
	rootCmd.AddCommand(compensationsCmd())
	rootCmd.AddCommand(idempotencyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads configuration from the environment and opens its store.
func openStore(ctx context.Context) (*config.Config, store.Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	backend, err := store.Open(ctx, cfg.StoreDriver, cfg.DBSource, cfg.StoreTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return cfg, backend, nil
}

// printResult writes v in the selected output format. YAML goes through
// JSON first so field names match the HTTP API.
func printResult(v interface{}) error {
	switch output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	return fmt.Errorf("unknown output format %q", output)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			pg, ok := backend.(*store.Postgres)
			if !ok {
				return fmt.Errorf("migrate requires STORE_DRIVER=postgres")
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema up to date")
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account-id]",
		Short: "Show an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			balance, err := service.NewBalanceService(backend).GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(balance)
		},
	}
}

func auditsCmd() *cobra.Command {
	var (
		txID     string
		action   string
		minScore float64
		since    time.Duration
		limit    int
		skip     int
	)

	cmd := &cobra.Command{
		Use:   "audits",
		Short: "List fraud decisions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			f := domain.AuditFilter{
				TransactionID: txID,
				Action:        domain.FraudAction(strings.ToUpper(action)),
				Limit:         limit,
				Skip:          skip,
			}
			if cmd.Flags().Changed("min-score") {
				f.MinScore = &minScore
			}
			if since > 0 {
				t := time.Now().UTC().Add(-since)
				f.Since = &t
			}

			page, err := audit.NewRecorder(backend).Query(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printResult(page)
		},
	}

	cmd.Flags().StringVar(&txID, "transaction", "", "Filter by transaction id")
	cmd.Flags().StringVarP(&action, "action", "a", "", "Filter by action (ALLOW, BLOCK)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Minimum fraud score")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 2h)")
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultAuditLimit, "Maximum results")
	cmd.Flags().IntVar(&skip, "skip", 0, "Entries to skip")

	return cmd
}

func compensationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compensations",
		Short: "Inspect and retry deferred compensations",
	}

	var batch int
	retry := &cobra.Command{
		Use:   "retry",
		Short: "Apply pending compensations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			if batch <= 0 {
				batch = cfg.CompensationBatch
			}
			log := logger.New(cfg.Env, cfg.LogLevel)
			applied, err := ledger.NewUpdater(backend, log).RetryPending(cmd.Context(), batch)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d compensation(s)\n", applied)
			return nil
		},
	}
	retry.Flags().IntVarP(&batch, "batch", "b", 0, "Maximum compensations to apply (default COMPENSATION_BATCH)")

	list := &cobra.Command{
		Use:   "pending",
		Short: "List pending compensations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			pending, err := backend.PendingCompensations(cmd.Context(), cfg.CompensationBatch)
			if err != nil {
				return err
			}
			return printResult(pending)
		},
	}

	cmd.AddCommand(retry, list)
	return cmd
}

func idempotencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Manage idempotency records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			n, err := idempotency.New(backend, idempotency.Options{
				TTL:   cfg.IdempotencyTTL,
				Lease: cfg.IdempotencyLease,
			}).Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d record(s)\n", n)
			return nil
		},
	})
	return cmd
}
