package domain

import (
	"time"
)

// Account is a balance holder owned by the account-management system.
// The core only reads it and conditionally mutates BalanceMinor/Version.
type Account struct {
	ID           string    `json:"id"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balance_minor"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BalanceCondition is the match predicate of a conditional balance update.
// An empty Currency matches any currency.
type BalanceCondition struct {
	AccountID  string
	Currency   string
	MinBalance int64
}

// TransferRequest is the DTO for incoming transfer calls.
type TransferRequest struct {
	FromAccount string            `json:"from_account"`
	ToAccount   string            `json:"to_account"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type TransactionStatus string

const (
	TxnPending TransactionStatus = "PENDING"
	TxnPosted  TransactionStatus = "POSTED"
	TxnBlocked TransactionStatus = "BLOCKED"
	TxnFailed  TransactionStatus = "FAILED"
)

// Transaction is the immutable record of one transfer attempt.
// Each outcome is a separate insert; rows are never updated.
type Transaction struct {
	ID             string            `json:"id"`
	FromAccountID  string            `json:"from_account_id"`
	ToAccountID    string            `json:"to_account_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	FraudScore     *float64          `json:"fraud_score,omitempty"`
	FraudReasons   []string          `json:"fraud_reasons"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord stores the response state for exactly-once replay.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         IdempotencyStatus
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type FraudAction string

const (
	ActionAllow FraudAction = "ALLOW"
	ActionBlock FraudAction = "BLOCK"
)

// FraudAuditEntry is an append-only record of a fraud gating decision.
type FraudAuditEntry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	Score         float64     `json:"score"`
	Action        FraudAction `json:"action"`
	Reasons       []string    `json:"reasons"`
	ModelVersion  string      `json:"model_version"`
	CreatedAt     time.Time   `json:"created_at"`
}

// AuditFilter selects audit entries. Zero values mean "no constraint".
type AuditFilter struct {
	TransactionID string
	Action        FraudAction
	MinScore      *float64
	Since         *time.Time
	Until         *time.Time
	Limit         int
	Skip          int
}

type CompensationStatus string

const (
	CompensationPending CompensationStatus = "pending"
	CompensationDone    CompensationStatus = "done"
)

// Compensation is a durable request to credit back a debit whose
// matching credit never happened.
type Compensation struct {
	ID            string             `json:"id"`
	TransactionID string             `json:"transaction_id"`
	AccountID     string             `json:"account_id"`
	AmountMinor   int64              `json:"amount_minor"`
	Status        CompensationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	LastError     string             `json:"last_error,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

const (
	ResultPosted  = "posted"
	ResultBlocked = "blocked"
	ResultError   = "error"
)

// TransferResult is the canonical response payload. It is what the
// idempotency store caches, byte for byte.
type TransferResult struct {
	Status           string   `json:"status"`
	TransactionID    string   `json:"transaction_id"`
	Currency         string   `json:"currency"`
	FraudScore       *float64 `json:"fraud_score,omitempty"`
	Reasons          []string `json:"reasons,omitempty"`
	FromBalanceAfter string   `json:"from_balance_after,omitempty"`
	ToBalanceAfter   string   `json:"to_balance_after,omitempty"`
}

// BalanceResponse is returned by balance lookups.
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
}

// AuditListResponse is one page of audit entries.
type AuditListResponse struct {
	Items []FraudAuditEntry `json:"items"`
	Count int               `json:"count"`
}
