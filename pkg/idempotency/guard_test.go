package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/coordstore/memory"
	"github.com/nimburion/coordination/pkg/middleware/testutil"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedGuard(t *testing.T) (*Guard, *memory.Store, *stepClock, *testutil.MockLogger) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))
	log := &testutil.MockLogger{}
	guard := NewGuard(store, Config{}, log)
	guard.now = clock.Now
	return guard, store, clock, log
}

var paymentScope = Scope{Method: "post", Path: "/payments"}

func TestScope_String(t *testing.T) {
	cases := []struct {
		scope Scope
		want  string
	}{
		{Scope{}, "default"},
		{Scope{Method: "post", Path: "/payments"}, "POST:/payments"},
		{Scope{Method: "PUT", Path: "/orders/1", Context: "tenant-a"}, "PUT:/orders/1[tenant-a]"},
		{Scope{Context: "webhook"}, "[webhook]"},
		{Scope{Path: "/files/[draft]"}, "/files/%5Bdraft%5D"},
	}
	for _, tc := range cases {
		if got := tc.scope.String(); got != tc.want {
			t.Errorf("%+v: got %q want %q", tc.scope, got, tc.want)
		}
	}
}

func TestParseScope_AddressesSameRecords(t *testing.T) {
	guard, _, _, _ := newClockedGuard(t)
	ctx := context.Background()
	_, _ = guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: "k"})

	if !guard.Clear(ctx, ParseScope(paymentScope.String()), "k") {
		t.Fatal("parsed scope should address the stored record")
	}
	if ParseScope("").String() != "default" || ParseScope(" default ").String() != "default" {
		t.Fatal("empty scope should parse to the default scope")
	}
	for _, scope := range []Scope{
		{Method: "PUT", Path: "/orders/1", Context: "tenant-a"},
		{Context: "webhook"},
		{Path: "/a:x"},
		{Method: "POST", Path: "/files/[draft] v2"},
	} {
		if got := ParseScope(scope.String()).String(); got != scope.String() {
			t.Errorf("%+v: reparsed as %q, want %q", scope, got, scope.String())
		}
	}
}

func TestScope_SourcesDoNotCollide(t *testing.T) {
	guard, _, _, _ := newClockedGuard(t)
	ctx := context.Background()

	if result, _ := guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: "k"}); !result.Accepted {
		t.Fatal("first http claim should be accepted")
	}
	if !guard.Claim(ctx, "POST:/payments", "k", 0) {
		t.Fatal("a nonce context named like an http scope must not see the http claim")
	}

	if result, _ := guard.Check(ctx, CheckRequest{Scope: Scope{Path: "/a", Context: "x"}, Key: "k"}); !result.Accepted {
		t.Fatal("first context claim should be accepted")
	}
	if result, _ := guard.Check(ctx, CheckRequest{Scope: Scope{Path: "/a:x"}, Key: "k"}); !result.Accepted {
		t.Fatal("a path containing the context must not collide with a context scope")
	}
}

func TestCheck_RoundTrip(t *testing.T) {
	guard, store, clock, log := newClockedGuard(t)
	ctx := context.Background()
	req := CheckRequest{Scope: paymentScope, Key: "pay-123", TTL: 300 * time.Second, IssuerID: "user-7"}

	first, err := guard.Check(ctx, req)
	if err != nil || !first.Accepted || !first.Stored {
		t.Fatalf("fresh key should be accepted and stored: %+v %v", first, err)
	}

	value, ok, _ := store.Get(ctx, "replay:nonce:POST:/payments:pay-123")
	if !ok || !strings.Contains(value, `"issuer_id":"user-7"`) {
		t.Fatalf("expected json record under scoped key, got %q", value)
	}

	clock.Advance(299 * time.Second)
	replay, err := guard.Check(ctx, req)
	if err != nil || replay.Accepted {
		t.Fatalf("replay within ttl must be rejected: %+v %v", replay, err)
	}
	if replay.Existing == nil || replay.Existing.IssuerID != "user-7" || replay.Existing.Method != "POST" {
		t.Fatalf("replay should expose the first claim: %+v", replay.Existing)
	}
	if log.Count("warn", "replay detected") != 1 || log.Count("error", "") != 0 {
		t.Fatalf("replay should be a single warning, got %+v", log.Entries())
	}

	clock.Advance(time.Second)
	again, err := guard.Check(ctx, req)
	if err != nil || !again.Accepted {
		t.Fatalf("key should be reusable after ttl: %+v %v", again, err)
	}
}

func TestCheck_ScopesAreIndependent(t *testing.T) {
	guard, _, _, _ := newClockedGuard(t)
	ctx := context.Background()

	for _, scope := range []Scope{paymentScope, {Method: "POST", Path: "/refunds"}, {Method: "POST", Path: "/payments", Context: "tenant-b"}} {
		res, err := guard.Check(ctx, CheckRequest{Scope: scope, Key: "same-key"})
		if err != nil || !res.Accepted {
			t.Fatalf("scope %s should accept: %+v %v", scope, res, err)
		}
	}
}

func TestCheck_DefaultTTL(t *testing.T) {
	guard, store, clock, _ := newClockedGuard(t)
	ctx := context.Background()
	if _, err := guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: "k"}); err != nil {
		t.Fatal(err)
	}
	ttl, _ := store.TTL(ctx, "replay:nonce:POST:/payments:k")
	if ttl != DefaultTTL {
		t.Fatalf("expected default ttl, got %s", ttl)
	}
	clock.Advance(DefaultTTL)
	if store.Len() != 0 {
		t.Fatal("record should expire after the default ttl")
	}
}

func TestCheck_InvalidKey(t *testing.T) {
	guard, store, _, _ := newClockedGuard(t)
	for _, key := range []string{"", strings.Repeat("a", 256), "has space", "semi;colon"} {
		if _, err := guard.Check(context.Background(), CheckRequest{Scope: paymentScope, Key: key}); err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}
	if store.Len() != 0 {
		t.Fatal("invalid keys must not reach the store")
	}
}

func TestCheck_FailOpen(t *testing.T) {
	guard, store, _, log := newClockedGuard(t)
	store.SetUnavailable(true)

	res, err := guard.Check(context.Background(), CheckRequest{Scope: paymentScope, Key: "k"})
	if err != nil || !res.Accepted || res.Stored {
		t.Fatalf("unavailable store must accept without storing: %+v %v", res, err)
	}
	if log.Count("warn", "idempotency store unavailable, accepting request") != 1 {
		t.Fatalf("expected fail-open warning, got %+v", log.Entries())
	}

	nilGuard := NewGuard(nil, Config{}, nil)
	if res, err := nilGuard.Check(context.Background(), CheckRequest{Key: "k"}); err != nil || !res.Accepted {
		t.Fatalf("nil store must accept: %+v %v", res, err)
	}
}

func TestCheck_ConcurrentFirstWriterWins(t *testing.T) {
	guard, _, _, _ := newClockedGuard(t)
	var accepted sync.WaitGroup
	results := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		accepted.Add(1)
		go func() {
			defer accepted.Done()
			res, _ := guard.Check(context.Background(), CheckRequest{Scope: paymentScope, Key: "race"})
			results <- res.Accepted
		}()
	}
	accepted.Wait()
	close(results)

	count := 0
	for ok := range results {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one accepted request, got %d", count)
	}
}

func TestClaim(t *testing.T) {
	guard, store, _, _ := newClockedGuard(t)
	ctx := context.Background()

	if !guard.Claim(ctx, "telegram", "n-1", time.Minute) {
		t.Fatal("first claim should succeed")
	}
	if ok, _ := store.Exists(ctx, "replay:nonce:telegram:n-1"); !ok {
		t.Fatal("claim should be stored under the context key")
	}
	if guard.Claim(ctx, "telegram", "n-1", time.Minute) {
		t.Fatal("second claim should be rejected")
	}
	if !guard.Claim(ctx, "payments", "n-1", time.Minute) {
		t.Fatal("other contexts are independent")
	}
	if guard.Claim(ctx, "telegram", "bad nonce", time.Minute) {
		t.Fatal("malformed nonce should be rejected")
	}

	store.SetUnavailable(true)
	if !guard.Claim(ctx, "telegram", "n-1", time.Minute) {
		t.Fatal("claim should fail open")
	}
}

func TestClear(t *testing.T) {
	guard, store, _, log := newClockedGuard(t)
	ctx := context.Background()
	_, _ = guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: "k"})

	if !guard.Clear(ctx, paymentScope, "k") {
		t.Fatal("clear should remove the record")
	}
	if guard.Clear(ctx, paymentScope, "k") {
		t.Fatal("clearing a missing record reports false")
	}
	if res, _ := guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: "k"}); !res.Accepted {
		t.Fatal("cleared key should be accepted again")
	}

	store.SetUnavailable(true)
	if guard.Clear(ctx, paymentScope, "k") {
		t.Fatal("clear should report false on store failure")
	}
	if log.Count("error", "nonce clear failed") != 1 {
		t.Fatalf("expected clear failure log, got %+v", log.Entries())
	}
}

func TestStats(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	store := memory.New(memory.WithClock(clock.Now))
	guard := NewGuard(store, Config{StatsLimit: 3}, &testutil.MockLogger{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: fmt.Sprintf("k%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.SetNX(ctx, "lock:unrelated", "x", time.Minute); err != nil {
		t.Fatal(err)
	}

	stats, err := guard.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 5 || len(stats.Keys) != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	for _, key := range stats.Keys {
		if !strings.HasPrefix(key, "replay:nonce:") {
			t.Fatalf("stats must only list nonce keys, got %q", key)
		}
	}

	store.SetUnavailable(true)
	if _, err := guard.Stats(ctx); !errors.Is(err, coordstore.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	guard, _, _, _ := newClockedGuard(t)
	ctx := context.Background()
	if guard.Lookup(ctx, paymentScope, "k") != nil {
		t.Fatal("missing record should be nil")
	}
	_, _ = guard.Check(ctx, CheckRequest{Scope: paymentScope, Key: "k", IssuerID: "svc"})
	record := guard.Lookup(ctx, paymentScope, "k")
	if record == nil || record.Key != "k" || record.Scope != "POST:/payments" || record.IssuerID != "svc" {
		t.Fatalf("unexpected record: %+v", record)
	}
}
