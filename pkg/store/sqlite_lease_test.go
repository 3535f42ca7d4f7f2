package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

// leaseRow reads a lease straight from the table; ok is false when absent.
func leaseRow(t *testing.T, s *Store, name string) (holder string, version int64, ok bool) {
	t.Helper()
	err := s.db.QueryRow(`SELECT holder_id, version FROM leases WHERE name = ?`, name).Scan(&holder, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false
	}
	if err != nil {
		t.Fatalf("failed to read lease %s: %v", name, err)
	}
	return holder, version, true
}

func TestLeaseAcquire(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	ctx := context.Background()
	leaseName := "credential:c1"
	holder1 := "node1:l1"
	holder2 := "node2:l2"
	ttl := 2 * time.Minute

	// 1. Acquire new lease
	acquired, err := store.Acquire(ctx, leaseName, holder1, ttl)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !acquired {
		t.Errorf("expected to acquire new lease")
	}

	holder, v1, _ := leaseRow(t, store, leaseName)
	if holder != holder1 {
		t.Errorf("expected holder %s, got %s", holder1, holder)
	}

	// 2. Renew by same holder
	acquired, err = store.Acquire(ctx, leaseName, holder1, ttl)
	if err != nil {
		t.Fatalf("Acquire (renew) failed: %v", err)
	}
	if !acquired {
		t.Errorf("expected to renew lease")
	}
	if _, v2, _ := leaseRow(t, store, leaseName); v2 <= v1 {
		t.Errorf("expected version increase, got %d -> %d", v1, v2)
	}

	// 3. Fail takeover by other holder (lease valid)
	acquired, err = store.Acquire(ctx, leaseName, holder2, ttl)
	if err != nil {
		t.Fatalf("Acquire (steal) failed: %v", err)
	}
	if acquired {
		t.Errorf("should not acquire valid lease held by other")
	}

	// 4. Takeover after expiry
	now = now.Add(ttl + time.Second)
	acquired, err = store.Acquire(ctx, leaseName, holder2, ttl)
	if err != nil {
		t.Fatalf("Acquire (takeover) failed: %v", err)
	}
	if !acquired {
		t.Errorf("expected to takeover expired lease")
	}
	if holder, _, _ := leaseRow(t, store, leaseName); holder != holder2 {
		t.Errorf("expected holder %s, got %s", holder2, holder)
	}
}

func TestLeaseRenew(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	leaseName := "credential:c2"
	holder := "w1"
	ttl := 1 * time.Second

	if _, err := store.Acquire(ctx, leaseName, holder, ttl); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := store.Renew(ctx, leaseName, holder, ttl); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}

	// Another holder takes it.
	store.db.Exec("UPDATE leases SET holder_id = 'w2' WHERE name = ?", leaseName)

	if err := store.Renew(ctx, leaseName, holder, ttl); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost renewing stolen lease, got %v", err)
	}
}

func TestLeaseRelease(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	leaseName := "lock"
	holder := "h1"

	store.Acquire(ctx, leaseName, holder, 1*time.Second)

	if err := store.Release(ctx, leaseName, "someone-else"); err != nil {
		t.Fatalf("Release by non-holder failed: %v", err)
	}
	if _, _, ok := leaseRow(t, store, leaseName); !ok {
		t.Fatal("lease released by a non-holder")
	}

	if err := store.Release(ctx, leaseName, holder); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if holder, _, ok := leaseRow(t, store, leaseName); ok {
		t.Errorf("expected lease to be gone, still held by %s", holder)
	}

	// Release non-existent/not-held (should be no-op/success)
	if err := store.Release(ctx, leaseName, holder); err != nil {
		t.Fatalf("Release (idempotent) failed: %v", err)
	}
}

func TestPruneLeases(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	store.Acquire(ctx, "short", "h", time.Second)
	store.Acquire(ctx, "long", "h", time.Hour)

	now = now.Add(time.Minute)
	n, err := store.PruneLeases(ctx)
	if err != nil {
		t.Fatalf("PruneLeases failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned lease, got %d", n)
	}
}
