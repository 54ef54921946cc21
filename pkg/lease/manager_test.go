package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/coordstore/memory"
	"github.com/nimburion/coordination/pkg/middleware/testutil"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, store coordstore.Store) (*Manager, *testutil.MockLogger) {
	t.Helper()
	log := &testutil.MockLogger{}
	return NewManager(store, Config{RetryDelay: time.Millisecond}, log), log
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(memory.New(), Config{}, nil)
	if m.prefix != DefaultPrefix {
		t.Fatalf("expected prefix %q, got %q", DefaultPrefix, m.prefix)
	}
	if m.defaults.TTL != DefaultTTL || m.defaults.RetryDelay != DefaultRetryDelay || m.defaults.RetryCount != DefaultRetryCount {
		t.Fatalf("unexpected defaults: %+v", m.defaults)
	}

	noRetry := NewManager(memory.New(), Config{RetryCount: NoRetry}, nil)
	if noRetry.defaults.RetryCount != 0 {
		t.Fatalf("expected NoRetry to disable retries, got %d", noRetry.defaults.RetryCount)
	}
}

func TestAcquire_HeldLease(t *testing.T) {
	store := memory.New()
	m, _ := newTestManager(t, store)

	l, err := m.Acquire(context.Background(), "task:42", Options{TTL: 5 * time.Second})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l == nil || !l.Acquired || l.Degraded() {
		t.Fatalf("expected held lease, got %+v", l)
	}
	if l.Key != "task:42" || l.TTL != 5*time.Second {
		t.Fatalf("unexpected lease fields: %+v", l)
	}
	if !strings.Contains(l.Token, ":") {
		t.Fatalf("expected structured token, got %q", l.Token)
	}

	value, ok, err := store.Get(context.Background(), "lock:task:42")
	if err != nil || !ok || value != l.Token {
		t.Fatalf("store should hold token under prefixed key, got %q ok=%v err=%v", value, ok, err)
	}
	if !m.IsLocked(context.Background(), "task:42") {
		t.Fatal("expected key to be locked")
	}
}

func TestAcquire_InvalidKey(t *testing.T) {
	m, _ := newTestManager(t, memory.New())
	if _, err := m.Acquire(context.Background(), "", Options{}); !errors.Is(err, coordstore.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestAcquire_ContendedReturnsNilAfterRetries(t *testing.T) {
	store := memory.New()
	winner := NewManager(store, Config{}, &testutil.MockLogger{})
	loser := NewManager(store, Config{}, &testutil.MockLogger{})

	first, err := winner.Acquire(context.Background(), "task:42", Options{TTL: 30 * time.Second})
	if err != nil || first == nil || !first.Acquired {
		t.Fatalf("first acquire failed: %+v %v", first, err)
	}

	started := time.Now()
	second, err := loser.Acquire(context.Background(), "task:42", Options{})
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("contended acquire should not error: %v", err)
	}
	if second != nil {
		t.Fatalf("expected nil lease on contention, got %+v", second)
	}
	if elapsed < 3*DefaultRetryDelay {
		t.Fatalf("expected three retry delays, elapsed %s", elapsed)
	}
}

func TestAcquire_NoRetryIsSingleAttempt(t *testing.T) {
	store := memory.New()
	m, _ := newTestManager(t, store)
	if _, err := m.Acquire(context.Background(), "k", Options{}); err != nil {
		t.Fatal(err)
	}

	started := time.Now()
	l, err := m.Acquire(context.Background(), "k", Options{RetryCount: NoRetry, RetryDelay: time.Second})
	if err != nil || l != nil {
		t.Fatalf("expected nil lease without error, got %+v %v", l, err)
	}
	if time.Since(started) >= time.Second {
		t.Fatal("NoRetry should not sleep")
	}
}

func TestAcquire_FailOpenWhenStoreUnavailable(t *testing.T) {
	store := memory.New()
	store.SetUnavailable(true)
	m, log := newTestManager(t, store)

	l, err := m.Acquire(context.Background(), "task:42", Options{})
	if err != nil {
		t.Fatalf("unavailable store must not surface an error: %v", err)
	}
	if l == nil || l.Acquired || !l.Degraded() {
		t.Fatalf("expected degraded lease, got %+v", l)
	}
	if log.Count("warn", "lease store unavailable, proceeding without lock") != 1 {
		t.Fatalf("expected one degraded warning, got %+v", log.Entries())
	}
	if !m.Release(context.Background(), l) {
		t.Fatal("releasing a degraded lease should report success")
	}
	if !m.Extend(context.Background(), l, time.Second) {
		t.Fatal("extending a degraded lease should report success")
	}
}

func TestAcquire_NilStoreDegrades(t *testing.T) {
	m := NewManager(nil, Config{}, &testutil.MockLogger{})
	l, err := m.Acquire(context.Background(), "k", Options{})
	if err != nil || l == nil || !l.Degraded() {
		t.Fatalf("expected degraded lease, got %+v %v", l, err)
	}
	if m.IsLocked(context.Background(), "k") {
		t.Fatal("nil store never reports locked")
	}
	if ttl := m.RemainingTTL(context.Background(), "k"); ttl != coordstore.TTLMissing {
		t.Fatalf("expected missing ttl, got %s", ttl)
	}
	if err := m.HealthCheck(context.Background()); !errors.Is(err, coordstore.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable health, got %v", err)
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	store := memory.New()
	m, _ := newTestManager(t, store)
	if _, err := m.Acquire(context.Background(), "k", Options{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l, err := m.Acquire(ctx, "k", Options{RetryCount: 1000, RetryDelay: 5 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %+v %v", l, err)
	}
}

func TestRelease_TokenGated(t *testing.T) {
	store := memory.New()
	m, log := newTestManager(t, store)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", Options{})
	if err != nil || l == nil {
		t.Fatalf("acquire: %+v %v", l, err)
	}

	forged := *l
	forged.Token = "someone-else"
	if m.Release(ctx, &forged) {
		t.Fatal("release with wrong token must fail")
	}
	if log.Count("warn", "lease release skipped, not owner or already expired") != 1 {
		t.Fatalf("expected mismatch warning, got %+v", log.Entries())
	}
	if !m.IsLocked(ctx, "k") {
		t.Fatal("lease must survive a forged release")
	}

	if !m.Release(ctx, l) {
		t.Fatal("owner release should succeed")
	}
	if m.Release(ctx, l) {
		t.Fatal("second release should report false")
	}
	if m.Release(ctx, nil) {
		t.Fatal("nil lease release should report false")
	}
}

func TestRelease_StoreFailureIsSilent(t *testing.T) {
	store := memory.New()
	m, log := newTestManager(t, store)
	l, _ := m.Acquire(context.Background(), "k", Options{})

	store.SetUnavailable(true)
	if m.Release(context.Background(), l) {
		t.Fatal("release should fail while store is down")
	}
	if log.Count("error", "lease release failed") != 1 {
		t.Fatalf("expected release error log, got %+v", log.Entries())
	}
}

func TestExtend_ResetsTTL(t *testing.T) {
	clock := newManualClock()
	store := memory.New(memory.WithClock(clock.Now))
	m, _ := newTestManager(t, store)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "k", Options{TTL: 10 * time.Second})
	if err != nil || l == nil {
		t.Fatalf("acquire: %+v %v", l, err)
	}
	clock.Advance(8 * time.Second)

	if !m.Extend(ctx, l, 10*time.Second) {
		t.Fatal("extend should succeed for the owner")
	}
	if ttl := m.RemainingTTL(ctx, "k"); ttl != 10*time.Second {
		t.Fatalf("extend sets ttl rather than adding, got %s", ttl)
	}

	forged := *l
	forged.Token = "other"
	if m.Extend(ctx, &forged, time.Minute) {
		t.Fatal("extend with wrong token must fail")
	}
	if ttl := m.RemainingTTL(ctx, "k"); ttl != 10*time.Second {
		t.Fatalf("failed extend must not touch ttl, got %s", ttl)
	}
}

func TestLease_ExpiresAndCanBeRetaken(t *testing.T) {
	clock := newManualClock()
	store := memory.New(memory.WithClock(clock.Now))
	m, _ := newTestManager(t, store)
	ctx := context.Background()

	first, _ := m.Acquire(ctx, "k", Options{TTL: 2 * time.Second})
	if first == nil {
		t.Fatal("expected first lease")
	}
	if again, _ := m.Acquire(ctx, "k", Options{RetryCount: NoRetry}); again != nil {
		t.Fatal("key should be held")
	}

	clock.Advance(2 * time.Second)
	if m.IsLocked(ctx, "k") {
		t.Fatal("expired lease should not be locked")
	}
	second, _ := m.Acquire(ctx, "k", Options{RetryCount: NoRetry})
	if second == nil || second.Token == first.Token {
		t.Fatalf("expected a new lease after expiry, got %+v", second)
	}
	if m.Release(ctx, first) {
		t.Fatal("stale owner must not release the new lease")
	}
	if !m.IsLocked(ctx, "k") {
		t.Fatal("new lease must survive the stale release")
	}
}

func TestStatus(t *testing.T) {
	clock := newManualClock()
	store := memory.New(memory.WithClock(clock.Now))
	m, _ := newTestManager(t, store)
	ctx := context.Background()

	if status := m.Status(ctx, "k"); status.Locked || status.TTLSeconds != -2 {
		t.Fatalf("unexpected missing status: %+v", status)
	}

	if _, err := m.Acquire(ctx, "k", Options{TTL: 30 * time.Second}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(1400 * time.Millisecond)
	status := m.Status(ctx, "k")
	if !status.Locked || status.TTLSeconds != 29 || status.Key != "k" {
		t.Fatalf("unexpected held status: %+v", status)
	}

	store.SetUnavailable(true)
	if status := m.Status(ctx, "k"); status.Locked || status.TTLSeconds != -2 {
		t.Fatalf("store failure should read as missing: %+v", status)
	}
	if m.IsLocked(ctx, "k") {
		t.Fatal("store failure should read as unlocked")
	}
}

func TestTTLSeconds(t *testing.T) {
	cases := map[time.Duration]int64{
		coordstore.TTLMissing:   -2,
		coordstore.TTLNoExpiry:  -1,
		0:                       0,
		499 * time.Millisecond:  0,
		500 * time.Millisecond:  1,
		30 * time.Second:        30,
		1500 * time.Millisecond: 2,
	}
	for ttl, want := range cases {
		if got := ttlSeconds(ttl); got != want {
			t.Errorf("ttlSeconds(%s) = %d, want %d", ttl, got, want)
		}
	}
}
