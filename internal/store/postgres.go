package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/fraudledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const accountColumns = "id, currency, balance_minor, version, created_at, updated_at"

type Postgres struct {
	Db      *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres connects a pool and pings it. Every later call is bounded by timeout.
func NewPostgres(ctx context.Context, connString string, timeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	s := &Postgres{Db: pool, timeout: timeout}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return s, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.Db.Ping(ctx)
}

// Migrate applies the embedded schema. All statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Currency, &a.BalanceMinor, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts an account. Used by seeding and operator tooling.
func (s *Postgres) CreateAccount(ctx context.Context, a *domain.Account) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.Db.Exec(ctx,
		"INSERT INTO accounts (id, currency, balance_minor, version, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $4)",
		a.ID, a.Currency, a.BalanceMinor, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	a, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return a, nil
}

// UpdateBalance applies delta to the single account matching cond and bumps
// its version, returning the row as written. Zero matches yields ErrNoMatch.
func (s *Postgres) UpdateBalance(ctx context.Context, cond domain.BalanceCondition, delta int64) (*domain.Account, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	a, err := scanAccount(s.Db.QueryRow(ctx,
		`UPDATE accounts
		 SET balance_minor = balance_minor + $4, version = version + 1, updated_at = now()
		 WHERE id = $1 AND ($2::text = '' OR currency = $2::text) AND balance_minor >= $3
		 RETURNING `+accountColumns,
		cond.AccountID, cond.Currency, cond.MinBalance, delta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoMatch
		}
		return nil, fmt.Errorf("conditional balance update failed: %w", err)
	}
	return a, nil
}

func (s *Postgres) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	reasons := t.FraudReasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO transactions (id, from_account_id, to_account_id, amount_minor, currency, status,
		 idempotency_key, fraud_score, fraud_reasons, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.FromAccountID, t.ToAccountID, t.AmountMinor, t.Currency, string(t.Status),
		t.IdempotencyKey, t.FraudScore, reasons, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// GetTransaction retrieves transaction details.
func (s *Postgres) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var t domain.Transaction
	var status string
	var key *string
	err := s.Db.QueryRow(ctx,
		`SELECT id, from_account_id, to_account_id, amount_minor, currency, status,
		 idempotency_key, fraud_score, fraud_reasons, created_at, updated_at
		 FROM transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &t.AmountMinor, &t.Currency, &status,
			&key, &t.FraudScore, &t.FraudReasons, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	t.Status = domain.TransactionStatus(status)
	if key != nil {
		t.IdempotencyKey = *key
	}
	return &t, nil
}

// GetIdempotency returns the raw record for key, or nil when none exists.
// Expiry is judged by the caller.
func (s *Postgres) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var rec domain.IdempotencyRecord
	var status string
	err := s.Db.QueryRow(ctx,
		`SELECT key, request_hash, status, COALESCE(response_status, 0), response_body, created_at, expires_at
		 FROM idempotency_keys WHERE key = $1`, key).
		Scan(&rec.Key, &rec.RequestHash, &status, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	return &rec, nil
}

// ReserveIdempotency claims key for an in-flight request. It succeeds when the
// key is new or its previous record has expired; otherwise it reports false.
func (s *Postgres) ReserveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tag, err := s.Db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE
		 SET request_hash = EXCLUDED.request_hash, status = EXCLUDED.status,
		     response_status = NULL, response_body = NULL,
		     created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= EXCLUDED.created_at`,
		rec.Key, rec.RequestHash, string(domain.IdempotencyInProgress), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("key reservation failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteIdempotency stores the final response for key.
func (s *Postgres) CompleteIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	_, err := s.Db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status, response_status, response_body, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE
		 SET status = EXCLUDED.status, response_status = EXCLUDED.response_status,
		     response_body = EXCLUDED.response_body, expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.RequestHash, string(domain.IdempotencyCompleted), rec.ResponseStatus, rec.ResponseBody,
		rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

// PurgeIdempotency deletes records that expired before the cutoff.
func (s *Postgres) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tag, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", before)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) InsertAudit(ctx context.Context, e *domain.FraudAuditEntry) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	_, err := s.Db.Exec(ctx,
		`INSERT INTO fraud_audit (id, transaction_id, score, action, reasons, model_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TransactionID, e.Score, string(e.Action), reasons, e.ModelVersion, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// QueryAudits returns audit entries matching f, newest first.
func (s *Postgres) QueryAudits(ctx context.Context, f domain.AuditFilter) ([]domain.FraudAuditEntry, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var where []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TransactionID != "" {
		add("transaction_id = $%d", f.TransactionID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.MinScore != nil {
		add("score >= $%d", *f.MinScore)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at <= $%d", *f.Until)
	}

	query := "SELECT id, transaction_id, score, action, reasons, model_version, created_at FROM fraud_audit"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit, skip := NormalizeAuditPage(f.Limit, f.Skip)
	args = append(args, limit, skip)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	entries := []domain.FraudAuditEntry{}
	for rows.Next() {
		var e domain.FraudAuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Score, &action, &e.Reasons, &e.ModelVersion, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		e.Action = domain.FraudAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows failed: %w", err)
	}
	return entries, nil
}

func (s *Postgres) EnqueueCompensation(ctx context.Context, c *domain.Compensation) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	_, err := s.Db.Exec(ctx,
		`INSERT INTO compensations (id, transaction_id, account_id, amount_minor, status, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, '', $6, $6)`,
		c.ID, c.TransactionID, c.AccountID, c.AmountMinor, string(domain.CompensationPending), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("compensation insert failed: %w", err)
	}
	return nil
}

// ApplyCompensation credits the compensation amount back and marks it done in
// one database transaction, so a compensation is applied at most once.
// It returns false when the compensation had already been applied.
func (s *Postgres) ApplyCompensation(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, err := applyCompensation(ctx, tx, id)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

// SettleCompensation inserts c unless a row with its id already exists and
// applies it, all in one transaction. It is safe to call after an
// EnqueueCompensation whose outcome is unknown.
func (s *Postgres) SettleCompensation(ctx context.Context, c *domain.Compensation) (bool, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO compensations (id, transaction_id, account_id, amount_minor, status, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, '', $6, $6)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.TransactionID, c.AccountID, c.AmountMinor, string(domain.CompensationPending), c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("compensation insert failed: %w", err)
	}

	applied, err := applyCompensation(ctx, tx, c.ID)
	if err != nil || !applied {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func applyCompensation(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var accountID string
	var amount int64
	err := tx.QueryRow(ctx,
		`UPDATE compensations SET status = $2, attempts = attempts + 1, last_error = '', updated_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING account_id, amount_minor`,
		id, string(domain.CompensationDone), string(domain.CompensationPending)).Scan(&accountID, &amount)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("compensation claim failed: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM compensations WHERE id = $1)", id).Scan(&exists); err != nil {
			return false, fmt.Errorf("compensation lookup failed: %w", err)
		}
		if !exists {
			return false, ErrCompensationUnknown
		}
		return false, nil
	}

	tag, err := tx.Exec(ctx,
		"UPDATE accounts SET balance_minor = balance_minor + $2, version = version + 1, updated_at = now() WHERE id = $1",
		accountID, amount)
	if err != nil {
		return false, fmt.Errorf("compensating credit failed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, ErrNoMatch
	}
	return true, nil
}

// PendingCompensations lists the oldest unapplied compensations.
func (s *Postgres) PendingCompensations(ctx context.Context, limit int) ([]domain.Compensation, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.Db.Query(ctx,
		`SELECT id, transaction_id, account_id, amount_minor, status, attempts, last_error, created_at, updated_at
		 FROM compensations WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(domain.CompensationPending), limit)
	if err != nil {
		return nil, fmt.Errorf("compensation query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Compensation
	for rows.Next() {
		var c domain.Compensation
		var status string
		if err := rows.Scan(&c.ID, &c.TransactionID, &c.AccountID, &c.AmountMinor, &status,
			&c.Attempts, &c.LastError, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("compensation scan failed: %w", err)
		}
		c.Status = domain.CompensationStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordCompensationFailure(ctx context.Context, id, reason string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	_, err := s.Db.Exec(ctx,
		"UPDATE compensations SET attempts = attempts + 1, last_error = $2, updated_at = now() WHERE id = $1 AND status = $3",
		id, reason, string(domain.CompensationPending))
	if err != nil {
		return fmt.Errorf("compensation failure update failed: %w", err)
	}
	return nil
}

// CountAccounts reports how many accounts exist.
func (s *Postgres) CountAccounts(ctx context.Context) (int64, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var n int64
	if err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n); err != nil {
		return 0, fmt.Errorf("account count failed: %w", err)
	}
	return n, nil
}

// SeedAccounts bulk-loads accounts with COPY. It is not bounded by the
// per-call timeout since large batches take longer than a single query.
func (s *Postgres) SeedAccounts(ctx context.Context, accounts []domain.Account) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]interface{}, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, []interface{}{a.ID, a.Currency, a.BalanceMinor, int64(0), now, now})
	}

	n, err := s.Db.CopyFrom(
		ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "currency", "balance_minor", "version", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", err)
	}
	return n, nil
}
