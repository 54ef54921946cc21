package dynamodb

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/middleware/testutil"
)

// fakeAPI keeps items in a map and evaluates the handful of condition
// expressions Store issues.
type fakeAPI struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	err       error
	pageSize  int
	scanCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}, pageSize: 1}
}

func attrString(attrs map[string]types.AttributeValue, name string) string {
	switch v := attrs[name].(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func attrInt(attrs map[string]types.AttributeValue, name string) int64 {
	n, _ := strconv.ParseInt(attrString(attrs, name), 10, 64)
	return n
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeAPI) owned(key string, values map[string]types.AttributeValue) bool {
	current, ok := f.items[key]
	if !ok {
		return false
	}
	return attrString(current, attrValue) == attrString(values, ":expected") &&
		attrInt(current, attrExpiresAt) > attrInt(values, ":now")
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := attrString(in.Item, attrKey)
	if current, ok := f.items[key]; ok && in.ConditionExpression != nil {
		if attrInt(current, attrExpiresAt) > attrInt(in.ExpressionAttributeValues, ":now") {
			return nil, conditionFailed()
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !aws.ToBool(in.ConsistentRead) {
		return nil, errors.New("expected consistent read")
	}
	return &dynamodb.GetItemOutput{Item: f.items[attrString(in.Key, attrKey)]}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := attrString(in.Key, attrKey)
	if !f.owned(key, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	f.items[key][attrExpiresAt] = in.ExpressionAttributeValues[":exp"]
	f.items[key][attrTTL] = in.ExpressionAttributeValues[":ttl"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := attrString(in.Key, attrKey)
	if in.ConditionExpression != nil && !f.owned(key, in.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}
	old := f.items[key]
	delete(f.items, key)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.scanCalls++
	prefix := attrString(in.ExpressionAttributeValues, ":prefix")
	now := attrInt(in.ExpressionAttributeValues, ":now")

	keys := make([]string, 0, len(f.items))
	for key := range f.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := attrString(in.ExclusiveStartKey, attrKey)
		start = sort.SearchStrings(keys, last) + 1
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &dynamodb.ScanOutput{}
	for _, key := range keys[start:end] {
		if strings.HasPrefix(key, prefix) && attrInt(f.items[key], attrExpiresAt) > now {
			out.Items = append(out.Items, keyAttr(key))
		}
	}
	if end < len(keys) {
		out.LastEvaluatedKey = keyAttr(keys[end-1])
	}
	return out, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeAPI, *testClock) {
	api := newFakeAPI()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newStoreWithAPI(api, Config{Table: "coordination"}, &testutil.MockLogger{}, clock.Now)
	return store, api, clock
}

func TestNewStoreValidation(t *testing.T) {
	log := &testutil.MockLogger{}
	if _, err := NewStore(Config{Table: "t"}, log); !errors.Is(err, coordstore.ErrInvalidArgument) {
		t.Fatalf("expected missing region to be rejected, got %v", err)
	}
	if _, err := NewStore(Config{Region: "eu-west-1"}, log); !errors.Is(err, coordstore.ErrInvalidArgument) {
		t.Fatalf("expected missing table to be rejected, got %v", err)
	}
}

func TestStore_SetNXContentionAndExpiry(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()

	if err := store.SetNX(ctx, "lock:task:42", "owner-1", 5*time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if err := store.SetNX(ctx, "lock:task:42", "owner-2", 5*time.Second); !coordstore.IsContention(err) {
		t.Fatalf("expected contention, got %v", err)
	}

	clock.Advance(5 * time.Second)
	if exists, _ := store.Exists(ctx, "lock:task:42"); exists {
		t.Fatal("expected expired item to be invisible")
	}
	if err := store.SetNX(ctx, "lock:task:42", "owner-2", 5*time.Second); err != nil {
		t.Fatalf("expected takeover after expiry, got %v", err)
	}
	value, ok, err := store.Get(ctx, "lock:task:42")
	if err != nil || !ok || value != "owner-2" {
		t.Fatalf("unexpected holder %q %v %v", value, ok, err)
	}
}

func TestStore_CompareAndDelete(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()
	_ = store.SetNX(ctx, "lock:a", "owner-1", time.Minute)

	if err := store.CompareAndDelete(ctx, "lock:a", "stale"); !coordstore.IsOwnershipMismatch(err) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.CompareAndDelete(ctx, "lock:a", "owner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if exists, _ := store.Exists(ctx, "lock:a"); exists {
		t.Fatal("expected item to be removed")
	}
}

func TestStore_CompareAndExpireAndTTL(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()
	_ = store.SetNX(ctx, "lock:a", "owner-1", time.Second)

	clock.Advance(500 * time.Millisecond)
	if err := store.CompareAndExpire(ctx, "lock:a", "owner-1", 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	ttl, err := store.TTL(ctx, "lock:a")
	if err != nil || ttl != 10*time.Second {
		t.Fatalf("expected 10s ttl, got %v %v", ttl, err)
	}
	if err := store.CompareAndExpire(ctx, "lock:a", "other", time.Second); !coordstore.IsOwnershipMismatch(err) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if ttl, _ := store.TTL(ctx, "missing"); ttl != coordstore.TTLMissing {
		t.Fatalf("expected TTLMissing, got %v", ttl)
	}
}

func TestStore_DeleteReportsLiveItemsOnly(t *testing.T) {
	store, _, clock := newTestStore()
	ctx := context.Background()
	_ = store.SetNX(ctx, "replay:nonce:a", "{}", time.Second)
	_ = store.SetNX(ctx, "replay:nonce:b", "{}", time.Minute)

	clock.Advance(2 * time.Second)
	if deleted, err := store.Delete(ctx, "replay:nonce:a"); err != nil || deleted {
		t.Fatalf("expired item should report absent, got %v %v", deleted, err)
	}
	if deleted, err := store.Delete(ctx, "replay:nonce:b"); err != nil || !deleted {
		t.Fatalf("live item should report deleted, got %v %v", deleted, err)
	}
}

func TestStore_ScanPaginates(t *testing.T) {
	store, api, _ := newTestStore()
	ctx := context.Background()
	_ = store.SetNX(ctx, "replay:nonce:a", "{}", time.Minute)
	_ = store.SetNX(ctx, "replay:nonce:b", "{}", time.Minute)
	_ = store.SetNX(ctx, "lock:x", "owner", time.Minute)

	keys, err := store.Scan(ctx, "replay:nonce:")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "replay:nonce:a" || keys[1] != "replay:nonce:b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if api.scanCalls < 3 {
		t.Fatalf("expected paginated scan, got %d calls", api.scanCalls)
	}
}

func TestStore_ErrorsAreUnavailable(t *testing.T) {
	store, api, _ := newTestStore()
	ctx := context.Background()
	api.err = errors.New("RequestError: send request failed")

	if err := store.SetNX(ctx, "lock:a", "v", time.Second); !coordstore.IsUnavailable(err) {
		t.Fatalf("setnx: expected unavailable, got %v", err)
	}
	if _, _, err := store.Get(ctx, "lock:a"); !coordstore.IsUnavailable(err) {
		t.Fatalf("get: expected unavailable, got %v", err)
	}
	if err := store.Ping(ctx); !coordstore.IsUnavailable(err) {
		t.Fatalf("ping: expected unavailable, got %v", err)
	}

	api.err = nil
	_ = store.Close()
	if err := store.Ping(ctx); !coordstore.IsUnavailable(err) {
		t.Fatalf("closed store: expected unavailable, got %v", err)
	}
}
