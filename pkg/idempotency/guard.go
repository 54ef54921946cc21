// Package idempotency suppresses duplicate submissions by claiming nonces in
// the coordination store.
//
// A nonce moves from unseen to claimed on the first Check and back to unseen
// when its TTL elapses. Claims are first-writer-wins through Store.SetNX.
// When the store is unreachable the guard fails open and accepts.
package idempotency

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/tracing"
)

const (
	// DefaultPrefix namespaces nonce records in the store.
	DefaultPrefix = "replay:nonce"
	// DefaultTTL is the replay window when a check does not specify one.
	DefaultTTL = 300 * time.Second
	// DefaultStatsLimit caps the keys listed by Stats.
	DefaultStatsLimit = 100
)

// Config configures a Guard.
type Config struct {
	Prefix     string
	DefaultTTL time.Duration
	StatsLimit int
}

func (c *Config) normalize() {
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.StatsLimit <= 0 {
		c.StatsLimit = DefaultStatsLimit
	}
}

// Scope names the operation a key is claimed for. Two requests collide
// only when both scope and key match.
type Scope struct {
	Method string
	Path   string
	// Context optionally narrows the scope, for example to a tenant, or names
	// a caller outside the HTTP pipeline.
	Context string
}

// String renders the scope as used in store keys, for example
// "POST:/payments", "PUT:/orders/1[tenant-a]" or "[webhook]". The path is
// percent-encoded, so it never contains the brackets that delimit the
// context and scopes from different sources cannot render alike.
func (s Scope) String() string {
	var b strings.Builder
	if s.Method != "" {
		b.WriteString(strings.ToUpper(s.Method))
		b.WriteByte(':')
	}
	if s.Path != "" {
		b.WriteString((&url.URL{Path: s.Path}).EscapedPath())
	}
	if s.Context != "" {
		b.WriteByte('[')
		b.WriteString(s.Context)
		b.WriteByte(']')
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// ParseScope turns a rendered scope such as "POST:/payments" back into a
// Scope addressing the same records.
func ParseScope(raw string) Scope {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		return Scope{}
	}
	var s Scope
	if i := strings.IndexByte(raw, '['); i >= 0 && strings.HasSuffix(raw, "]") {
		s.Context = raw[i+1 : len(raw)-1]
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 && !strings.Contains(raw[:i], "/") {
		s.Method = raw[:i]
		raw = raw[i+1:]
	}
	if raw != "" {
		s.Path = raw
		if path, err := url.PathUnescape(raw); err == nil {
			s.Path = path
		}
	}
	return s
}

// NonceRecord is the value stored for a claimed key.
type NonceRecord struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	IssuerID  string    `json:"issuer_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckRequest describes one Check call.
type CheckRequest struct {
	Scope Scope
	Key   string
	// TTL is the replay window; zero uses the guard default.
	TTL      time.Duration
	IssuerID string
}

// Result is the outcome of a Check.
type Result struct {
	// Accepted is false only for a detected replay.
	Accepted bool
	// Stored is false when the request was accepted without a record,
	// because the store was unreachable.
	Stored bool
	// Existing holds the record of the earlier claim on a replay, when it
	// could be read.
	Existing *NonceRecord
}

// Stats summarizes live nonce records.
type Stats struct {
	Total int      `json:"total"`
	Keys  []string `json:"keys"`
}

// Guard claims nonces in a coordination store.
type Guard struct {
	store  coordstore.Store
	log    logger.Logger
	config Config
	now    func() time.Time
}

// NewGuard builds a Guard. A nil store accepts every request.
func NewGuard(store coordstore.Store, cfg Config, log logger.Logger) *Guard {
	if log == nil {
		log = logger.Nop()
	}
	cfg.normalize()
	return &Guard{
		store:  store,
		log:    log.With("component", "idempotency"),
		config: cfg,
		now:    time.Now,
	}
}

// Check claims req.Key within req.Scope. The only error is a malformed key.
func (g *Guard) Check(ctx context.Context, req CheckRequest) (Result, error) {
	if err := ValidateKey(req.Key); err != nil {
		return Result{}, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = g.config.DefaultTTL
	}
	scope := req.Scope.String()
	storeKey := g.recordKey(scope, req.Key)
	log := g.log.WithContext(ctx).With("scope", scope, "key", req.Key)

	ctx, span := tracing.StartCoordinationSpan(ctx, tracing.SpanIdempotencyCheck, storeKey)

	if g.store == nil {
		checkTotal.WithLabelValues(resultFailOpen).Inc()
		tracing.EndSpan(span, resultFailOpen, nil)
		return Result{Accepted: true}, nil
	}

	record := NonceRecord{
		Key:       req.Key,
		Scope:     scope,
		Method:    strings.ToUpper(req.Scope.Method),
		Path:      req.Scope.Path,
		IssuerID:  req.IssuerID,
		Timestamp: g.now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		tracing.EndSpan(span, resultFailOpen, err)
		return Result{Accepted: true}, nil
	}

	err = g.store.SetNX(ctx, storeKey, string(payload), ttl)
	switch {
	case err == nil:
		checkTotal.WithLabelValues(resultAccepted).Inc()
		tracing.EndSpan(span, resultAccepted, nil)
		return Result{Accepted: true, Stored: true}, nil
	case coordstore.IsContention(err):
		existing := g.lookup(ctx, storeKey)
		if existing != nil {
			log.Warn("replay detected", "first_seen", existing.Timestamp, "first_issuer", existing.IssuerID)
		} else {
			log.Warn("replay detected")
		}
		checkTotal.WithLabelValues(resultReplay).Inc()
		tracing.EndSpan(span, resultReplay, nil)
		return Result{Accepted: false, Existing: existing}, nil
	default:
		log.Warn("idempotency store unavailable, accepting request", "error", err)
		checkTotal.WithLabelValues(resultFailOpen).Inc()
		tracing.EndSpan(span, resultFailOpen, err)
		return Result{Accepted: true}, nil
	}
}

// Claim validates a nonce outside the HTTP pipeline, for example a signed
// callback. It reports false only for a replay or a malformed nonce.
func (g *Guard) Claim(ctx context.Context, contextName, nonce string, ttl time.Duration) bool {
	result, err := g.Check(ctx, CheckRequest{
		Scope: Scope{Context: contextName},
		Key:   nonce,
		TTL:   ttl,
	})
	if err != nil {
		g.log.WithContext(ctx).Warn("nonce rejected", "context", contextName, "error", err)
		return false
	}
	return result.Accepted
}

// Clear removes a claimed key so it can be used again. It reports whether a
// live record was removed; store failures are logged and reported as false.
func (g *Guard) Clear(ctx context.Context, scope Scope, key string) bool {
	if g.store == nil {
		return false
	}
	storeKey := g.recordKey(scope.String(), key)
	removed, err := g.store.Delete(ctx, storeKey)
	if err != nil {
		g.log.WithContext(ctx).Error("nonce clear failed", "key", storeKey, "error", err)
		return false
	}
	if removed {
		g.log.WithContext(ctx).Info("nonce cleared", "key", storeKey)
	}
	return removed
}

// Stats lists live nonce records, capped at the configured limit.
func (g *Guard) Stats(ctx context.Context) (Stats, error) {
	if g.store == nil {
		return Stats{}, coordstore.Unavailable("stats", nil)
	}
	keys, err := g.store.Scan(ctx, g.config.Prefix+":")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(keys), Keys: keys}
	if len(keys) > g.config.StatsLimit {
		stats.Keys = keys[:g.config.StatsLimit]
	}
	return stats, nil
}

// Lookup returns the stored record for key in scope, or nil.
func (g *Guard) Lookup(ctx context.Context, scope Scope, key string) *NonceRecord {
	if g.store == nil {
		return nil
	}
	return g.lookup(ctx, g.recordKey(scope.String(), key))
}

// HealthCheck pings the underlying store.
func (g *Guard) HealthCheck(ctx context.Context) error {
	return coordstore.HealthCheck{Store: g.store}.HealthCheck(ctx)
}

func (g *Guard) lookup(ctx context.Context, storeKey string) *NonceRecord {
	value, ok, err := g.store.Get(ctx, storeKey)
	if err != nil || !ok {
		return nil
	}
	var record NonceRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil
	}
	return &record
}

func (g *Guard) recordKey(scope, key string) string {
	return coordstore.JoinKey(g.config.Prefix, scope+":"+key)
}
