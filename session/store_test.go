package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, "ag")
}

func hashByte(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func makeSession(accountID int64, sessionID string, hash [32]byte, ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		SessionID:   sessionID,
		AccountID:   accountID,
		Role:        "user",
		Generation:  0,
		RefreshHash: hash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess := makeSession(42, "sid-1", hashByte(1), time.Hour)
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "sid-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccountID != 42 || got.Role != "user" || got.Generation != 0 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.RefreshHash != hashByte(1) {
		t.Fatal("refresh hash mismatch after round trip")
	}
}

func TestGetMissingSession(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateSucceedsOnceThenDetectsReuse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := hashByte(1)
	second := hashByte(2)
	third := hashByte(3)

	if err := store.Save(ctx, makeSession(7, "sid-r", first, time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rotated, err := store.Rotate(ctx, "sid-r", first, second, time.Hour)
	if err != nil {
		t.Fatalf("first Rotate: %v", err)
	}
	if rotated.Generation != 1 {
		t.Fatalf("Generation = %d, want 1", rotated.Generation)
	}
	if rotated.AccountID != 7 || rotated.Role != "user" {
		t.Fatalf("unexpected rotated session: %+v", rotated)
	}

	// The consumed hash can never be exchanged again.
	if _, err := store.Rotate(ctx, "sid-r", first, third, time.Hour); !errors.Is(err, ErrReuse) {
		t.Fatalf("expected ErrReuse, got %v", err)
	}

	// The current hash still rotates normally.
	rotated, err = store.Rotate(ctx, "sid-r", second, third, time.Hour)
	if err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
	if rotated.Generation != 2 {
		t.Fatalf("Generation = %d, want 2", rotated.Generation)
	}
}

func TestRotateMissingAndExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Rotate(ctx, "ghost", hashByte(1), hashByte(2), time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Save(ctx, makeSession(1, "sid-e", hashByte(1), 20*time.Millisecond)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := store.Rotate(ctx, "sid-e", hashByte(1), hashByte(2), time.Hour); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	current := hashByte(1)
	if err := store.Save(ctx, makeSession(9, "sid-race", current, time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	results := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		next := hashByte(byte(i + 2))
		go func(nextHash [32]byte) {
			defer wg.Done()
			<-start
			_, err := store.Rotate(ctx, "sid-race", current, nextHash, time.Hour)
			results <- err
		}(next)
	}

	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrReuse):
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Save(ctx, makeSession(3, "sid-d", hashByte(1), time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Delete(ctx, "sid-d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "sid-d"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	if _, err := store.Get(ctx, "sid-d"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	count, err := store.ActiveSessionCount(ctx, 3)
	if err != nil {
		t.Fatalf("ActiveSessionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("index not cleaned, count = %d", count)
	}
}

func TestDeleteAllForAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, sid := range []string{"s1", "s2", "s3"} {
		if err := store.Save(ctx, makeSession(5, sid, hashByte(byte(i+1)), time.Hour)); err != nil {
			t.Fatalf("Save %s: %v", sid, err)
		}
	}
	if err := store.Save(ctx, makeSession(6, "other", hashByte(9), time.Hour)); err != nil {
		t.Fatalf("Save other: %v", err)
	}

	if err := store.DeleteAllForAccount(ctx, 5); err != nil {
		t.Fatalf("DeleteAllForAccount: %v", err)
	}

	for _, sid := range []string{"s1", "s2", "s3"} {
		if _, err := store.Get(ctx, sid); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s still live after revoke-all: %v", sid, err)
		}
	}

	// Unrelated accounts are untouched.
	if _, err := store.Get(ctx, "other"); err != nil {
		t.Fatalf("unrelated session dropped: %v", err)
	}
}

func TestRotateRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Save(ctx, makeSession(8, "sid-t", hashByte(1), time.Minute)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rotated, err := store.Rotate(ctx, "sid-t", hashByte(1), hashByte(2), time.Hour)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if until := time.Until(rotated.ExpiresAt); until < 50*time.Minute {
		t.Fatalf("rotation did not grant a fresh TTL, %v remaining", until)
	}
}
