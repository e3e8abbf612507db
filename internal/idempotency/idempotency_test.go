package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/fraudledger/internal/domain"
	"github.com/punchamoorthee/fraudledger/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(verify bool) (*Store, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(store.NewMemory(), Options{TTL: time.Hour, Lease: 30 * time.Second, VerifyHash: verify})
	s.now = c.now
	return s, c
}

func TestRequestHash(t *testing.T) {
	a := domain.TransferRequest{FromAccount: "ACC1", ToAccount: "ACC2", Amount: "25.00", Currency: "INR"}
	b := a
	b.Metadata = map[string]string{"device": "ios"}
	if RequestHash(a) != RequestHash(b) {
		t.Error("metadata must not affect the request hash")
	}
	c := a
	c.Amount = "26.00"
	if RequestHash(a) == RequestHash(c) {
		t.Error("different amounts must hash differently")
	}
}

func TestReserveSaveLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(false)

	if got, err := s.Lookup(ctx, "k", "h"); got != nil || err != nil {
		t.Fatalf("Lookup on empty store = %v, %v", got, err)
	}
	if got, err := s.Reserve(ctx, "k", "h"); got != nil || err != nil {
		t.Fatalf("Reserve = %v, %v; want ownership", got, err)
	}
	if _, err := s.Reserve(ctx, "k", "h"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second Reserve err = %v, want ErrConflict", err)
	}
	if got, _ := s.Lookup(ctx, "k", "h"); got != nil {
		t.Fatal("in-progress reservation must not be replayed")
	}

	body := []byte(`{"status":"posted"}`)
	if err := s.Store(ctx, "k", "h", 201, body); err != nil {
		t.Fatal(err)
	}

	got, err := s.Lookup(ctx, "k", "h")
	if err != nil || got == nil {
		t.Fatalf("Lookup after Store = %v, %v", got, err)
	}
	if got.StatusCode != 201 || string(got.Body) != string(body) {
		t.Errorf("Lookup = %d %s", got.StatusCode, got.Body)
	}

	replay, err := s.Reserve(ctx, "k", "h")
	if err != nil || replay == nil || string(replay.Body) != string(body) {
		t.Fatalf("Reserve on completed key = %v, %v; want replay", replay, err)
	}
}

func TestLookup_Expired(t *testing.T) {
	ctx := context.Background()
	s, c := newTestStore(false)

	_ = s.Store(ctx, "k", "h", 200, []byte("{}"))
	c.t = c.t.Add(2 * time.Hour)

	if got, _ := s.Lookup(ctx, "k", "h"); got != nil {
		t.Fatal("expired record must not be returned")
	}
	if got, err := s.Reserve(ctx, "k", "h"); got != nil || err != nil {
		t.Fatalf("Reserve over expired record = %v, %v; want ownership", got, err)
	}

	c.t = c.t.Add(time.Hour)
	n, err := s.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
}

func TestLookup_HashVerification(t *testing.T) {
	ctx := context.Background()

	trusting, _ := newTestStore(false)
	_ = trusting.Store(ctx, "k", "h1", 200, []byte("{}"))
	if got, err := trusting.Lookup(ctx, "k", "h2"); got == nil || err != nil {
		t.Fatalf("key-only mode should replay regardless of hash, got %v, %v", got, err)
	}

	strict, _ := newTestStore(true)
	_ = strict.Store(ctx, "k", "h1", 200, []byte("{}"))
	if _, err := strict.Lookup(ctx, "k", "h2"); !errors.Is(err, ErrMismatch) {
		t.Fatalf("strict mode err = %v, want ErrMismatch", err)
	}
	if got, err := strict.Lookup(ctx, "k", "h1"); got == nil || err != nil {
		t.Fatalf("strict mode same hash = %v, %v", got, err)
	}
}

func TestNewKey(t *testing.T) {
	if NewKey() == NewKey() {
		t.Error("generated keys must be unique")
	}
}
