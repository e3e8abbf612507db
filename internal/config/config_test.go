package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.FraudThreshold != 0.80 {
		t.Errorf("FraudThreshold = %v, want 0.80", cfg.FraudThreshold)
	}
	if cfg.FraudTimeout != 2*time.Second {
		t.Errorf("FraudTimeout = %v, want 2s", cfg.FraudTimeout)
	}
	if cfg.FraudURL != "http://localhost:8001/check_fraud" {
		t.Errorf("FraudURL = %q", cfg.FraudURL)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("IdempotencyTTL = %v, want 24h", cfg.IdempotencyTTL)
	}
	if cfg.IdempotencyVerifyHash {
		t.Error("IdempotencyVerifyHash should default to false")
	}
	if cfg.ModelVersion != "rules-v1" {
		t.Errorf("ModelVersion = %q, want rules-v1", cfg.ModelVersion)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_SOURCE", "postgresql://u:p@localhost/ledger")
	t.Setenv("PY_FRAUD_URL", "http://fraud:9000/")
	t.Setenv("FRAUD_THRESHOLD", "0.5")
	t.Setenv("HTTP_TIMEOUT_MS", "150")
	t.Setenv("IDEMPOTENCY_VERIFY_HASH", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.FraudURL != "http://fraud:9000/check_fraud" {
		t.Errorf("FraudURL = %q", cfg.FraudURL)
	}
	if cfg.FraudThreshold != 0.5 {
		t.Errorf("FraudThreshold = %v", cfg.FraudThreshold)
	}
	if cfg.FraudTimeout != 150*time.Millisecond {
		t.Errorf("FraudTimeout = %v", cfg.FraudTimeout)
	}
	if !cfg.IdempotencyVerifyHash {
		t.Error("IdempotencyVerifyHash should be true")
	}
}

func TestLoad_RequiresDBSource(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DB_SOURCE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DB_SOURCE is missing")
	}
}

func TestLoad_RejectsBadThreshold(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("FRAUD_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for threshold above 1")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	content := "store_driver: memory\nmodel_version: gbm-v3\nrecord_failed_transactions: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ModelVersion != "gbm-v3" {
		t.Errorf("ModelVersion = %q, want gbm-v3", cfg.ModelVersion)
	}
	if !cfg.RecordFailedTransactions {
		t.Error("RecordFailedTransactions should come from the file")
	}
}
