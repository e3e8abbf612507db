package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bananas": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_Level(t *testing.T) {
	log := New("production", "warn")
	if log.GetLevel() != zerolog.WarnLevel {
		t.Errorf("Expected warn level, got %v", log.GetLevel())
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	l := FromContext(ctx, zerolog.Nop())
	l.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_Fallback(t *testing.T) {
	buf := &bytes.Buffer{}
	l := FromContext(context.Background(), NewWithWriter(buf))
	l.Info().Msg("fallback")

	if !strings.Contains(buf.String(), "fallback") {
		t.Errorf("Expected fallback logger to be used, got: %s", buf.String())
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]interface{}{
		"transaction_id": "txn_1",
		"status":         "posted",
	})
	log.Info().Msg("outcome")

	output := buf.String()
	if !strings.Contains(output, "transaction_id") || !strings.Contains(output, "txn_1") {
		t.Errorf("Expected output to contain transaction_id field, got: %s", output)
	}
	if !strings.Contains(output, "posted") {
		t.Errorf("Expected output to contain status field, got: %s", output)
	}
}
