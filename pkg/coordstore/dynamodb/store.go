// Package dynamodb implements coordstore.Store on a DynamoDB table using
// conditional writes.
//
// The table needs a string partition key named "pk". Items carry the stored
// value, an expiry in unix milliseconds used for every conditional check, and
// an expiry in unix seconds suitable for DynamoDB's native TTL sweeper.
package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

const (
	attrKey       = "pk"
	attrValue     = "coord_value"
	attrExpiresAt = "expires_at"
	attrTTL       = "expires_ttl"

	defaultOperationTimeout = 5 * time.Second
)

// ownedCondition matches a live item whose value equals :expected.
const ownedCondition = "#v = :expected AND #e > :now"

// api is the subset of *dynamodb.Client used by Store.
type api interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config configures the DynamoDB coordination store.
type Config struct {
	Region           string
	Endpoint         string
	Table            string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
	// FailFast makes NewStore return an error when the table cannot be
	// described at startup. Otherwise the store starts degraded.
	FailFast bool
}

// Store keeps coordination keys as DynamoDB items.
type Store struct {
	client  api
	table   string
	log     logger.Logger
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewStore builds an AWS SDK v2 client and verifies the table is reachable.
// An unreachable table is only an error with cfg.FailFast.
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, coordstore.InvalidArgument("logger is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, coordstore.InvalidArgument("aws region is required")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, coordstore.InvalidArgument("dynamodb table is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, errors.Join(coordstore.InvalidArgument("load aws config failed"), err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	store := newStoreWithAPI(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log, time.Now)

	ctx, cancel := context.WithTimeout(context.Background(), store.timeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		if cfg.FailFast {
			return nil, err
		}
		log.Warn("dynamodb coordination store unreachable at startup, continuing degraded", "error", err)
		return store, nil
	}
	log.Info("dynamodb coordination store initialized", "region", cfg.Region, "table", cfg.Table, "endpoint", cfg.Endpoint)
	return store, nil
}

func newStoreWithAPI(client api, cfg Config, log logger.Logger, now func() time.Time) *Store {
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Store{client: client, table: cfg.Table, log: log, timeout: timeout, now: now}
}

// SetNX writes the item unless a live one already exists.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := coordstore.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}
	if err := s.checkOpen("setnx"); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	now := s.now()
	expiresAt := now.Add(ttl)
	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrKey:       &types.AttributeValueMemberS{Value: key},
			attrValue:     &types.AttributeValueMemberS{Value: value},
			attrExpiresAt: millisAttr(expiresAt),
			attrTTL:       &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix()+1, 10)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#k) OR #e <= :now"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey, "#e": attrExpiresAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millisAttr(now),
		},
	})
	if isConditionFailed(err) {
		return coordstore.Contention(key)
	}
	if err != nil {
		return coordstore.Unavailable("setnx", err)
	}
	return nil
}

// Get implements coordstore.Store with a strongly consistent read.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	item, err := s.liveItem(ctx, "get", key)
	if err != nil || item == nil {
		return "", false, err
	}
	return item.value, true, nil
}

// CompareAndDelete implements coordstore.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) error {
	if err := s.checkOpen("compare and delete"); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	_, err := s.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttr(key),
		ConditionExpression:       aws.String(ownedCondition),
		ExpressionAttributeNames:  map[string]string{"#v": attrValue, "#e": attrExpiresAt},
		ExpressionAttributeValues: s.ownedValues(expected),
	})
	if isConditionFailed(err) {
		return coordstore.OwnershipMismatch(key)
	}
	if err != nil {
		return coordstore.Unavailable("compare and delete", err)
	}
	return nil
}

// CompareAndExpire implements coordstore.Store.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) error {
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}
	if err := s.checkOpen("compare and expire"); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	values := s.ownedValues(expected)
	expiresAt := s.now().Add(ttl)
	values[":exp"] = millisAttr(expiresAt)
	values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix()+1, 10)}

	_, err := s.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyAttr(key),
		UpdateExpression:          aws.String("SET #e = :exp, #t = :ttl"),
		ConditionExpression:       aws.String(ownedCondition),
		ExpressionAttributeNames:  map[string]string{"#v": attrValue, "#e": attrExpiresAt, "#t": attrTTL},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return coordstore.OwnershipMismatch(key)
	}
	if err != nil {
		return coordstore.Unavailable("compare and expire", err)
	}
	return nil
}

// Delete implements coordstore.Store. Expired items are removed too but reported as absent.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen("delete"); err != nil {
		return false, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	out, err := s.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, coordstore.Unavailable("delete", err)
	}
	old, ok := decodeItem(out.Attributes)
	return ok && old.expiresAt.After(s.now()), nil
}

// Exists implements coordstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	item, err := s.liveItem(ctx, "exists", key)
	return item != nil, err
}

// TTL implements coordstore.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	item, err := s.liveItem(ctx, "ttl", key)
	if err != nil {
		return coordstore.TTLMissing, err
	}
	if item == nil {
		return coordstore.TTLMissing, nil
	}
	return item.expiresAt.Sub(s.now()), nil
}

// Scan implements coordstore.Store with a paginated, filtered table scan.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen("scan"); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#k"),
		FilterExpression:         aws.String("begins_with(#k, :prefix) AND #e > :now"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey, "#e": attrExpiresAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
			":now":    millisAttr(s.now()),
		},
	})

	keys := make([]string, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(opCtx)
		if err != nil {
			return nil, coordstore.Unavailable("scan", err)
		}
		for _, item := range page.Items {
			if key, ok := item[attrKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, key.Value)
			}
		}
	}
	return keys, nil
}

// Ping checks that the table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen("ping"); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return coordstore.Unavailable("ping", err)
	}
	return nil
}

// Close marks the store closed. The SDK client holds no resources to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type item struct {
	value     string
	expiresAt time.Time
}

func (s *Store) liveItem(ctx context.Context, operation, key string) (*item, error) {
	if err := s.checkOpen(operation); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	out, err := s.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, coordstore.Unavailable(operation, err)
	}
	decoded, ok := decodeItem(out.Item)
	if !ok || !decoded.expiresAt.After(s.now()) {
		return nil, nil
	}
	return &decoded, nil
}

func (s *Store) ownedValues(expected string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberS{Value: expected},
		":now":      millisAttr(s.now()),
	}
}

func (s *Store) checkOpen(operation string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return coordstore.Unavailable(operation, errors.New("dynamodb store is closed"))
	}
	return nil
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func decodeItem(attrs map[string]types.AttributeValue) (item, bool) {
	if len(attrs) == 0 {
		return item{}, false
	}
	value, ok := attrs[attrValue].(*types.AttributeValueMemberS)
	if !ok {
		return item{}, false
	}
	expires, ok := attrs[attrExpiresAt].(*types.AttributeValueMemberN)
	if !ok {
		return item{}, false
	}
	millis, err := strconv.ParseInt(expires.Value, 10, 64)
	if err != nil {
		return item{}, false
	}
	return item{value: value.Value, expiresAt: time.UnixMilli(millis)}, true
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}}
}

func millisAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
