// Package factory builds the configured coordination store backend.
package factory

import (
	"fmt"

	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/coordstore/dynamodb"
	"github.com/nimburion/coordination/pkg/coordstore/memory"
	"github.com/nimburion/coordination/pkg/coordstore/postgres"
	"github.com/nimburion/coordination/pkg/coordstore/redis"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/resilience"
)

// NewStore returns the backend selected by cfg.Backend, behind a circuit
// breaker when cfg.Breaker.MaxFailures is positive.
func NewStore(cfg config.StoreConfig, log logger.Logger) (coordstore.Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	store, err := newBackend(cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.MaxFailures <= 0 {
		return store, nil
	}
	return resilience.WrapStore(store, resilience.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	}, log), nil
}

func newBackend(cfg config.StoreConfig, log logger.Logger) (coordstore.Store, error) {
	switch cfg.Backend {
	case config.StoreBackendRedis:
		return redis.NewStore(redis.Config{
			URL:              cfg.Redis.URL,
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.Redis.OperationTimeout,
			FailFast:         cfg.Redis.FailFast,
		}, log)
	case config.StoreBackendPostgres:
		return postgres.NewStore(postgres.Config{
			URL:              cfg.Postgres.URL,
			Table:            cfg.Postgres.Table,
			MaxConns:         cfg.Postgres.MaxConns,
			OperationTimeout: cfg.Postgres.OperationTimeout,
			FailFast:         cfg.Postgres.FailFast,
		}, log)
	case config.StoreBackendDynamoDB:
		return dynamodb.NewStore(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			Table:            cfg.DynamoDB.Table,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			OperationTimeout: cfg.DynamoDB.OperationTimeout,
			FailFast:         cfg.DynamoDB.FailFast,
		}, log)
	case config.StoreBackendMemory:
		log.Warn("using in-memory coordination store: leases and nonces are not shared across instances")
		return memory.New(), nil
	default:
		return nil, coordstore.InvalidArgument(fmt.Sprintf("unsupported store backend %q", cfg.Backend))
	}
}
