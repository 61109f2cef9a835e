// Package idempotency detects duplicate deploy requests by content.
//
// Keys are the first 16 hex characters (64 bits) of a SHA-256 digest over
// the serialized workflow bytes, scoped per tenant. Two different payloads of
// one tenant collide with probability about n²/2⁶⁵ for n live keys, which is
// accepted for a 24 hour window. The digest is taken over the bytes as sent:
// logically equal JSON with different whitespace or key order yields a
// different key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/songzhibin97/autoflow/storage"
)

// Default TTLs of the two lifecycle states.
const (
	DefaultStartedTTL   = time.Hour
	DefaultCompletedTTL = 24 * time.Hour
)

const (
	keyPrefix = "idempotency:"
	hashChars = 16
)

// State is the lifecycle state of a key.
type State string

const (
	StateStarted   State = "started"
	StateCompleted State = "completed"
)

// Record is the value stored under a key.
type Record struct {
	State       State           `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// Option configures a Keyer.
type Option func(*Keyer)

// WithTTL overrides the started and completed TTLs. Zero keeps the default.
func WithTTL(started, completed time.Duration) Option {
	return func(k *Keyer) {
		if started > 0 {
			k.startedTTL = started
		}
		if completed > 0 {
			k.completedTTL = completed
		}
	}
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Keyer) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// Keyer derives keys and records their lifecycle. Every store failure is
// logged and swallowed.
type Keyer struct {
	store        storage.KeyValueStore
	logger       *slog.Logger
	startedTTL   time.Duration
	completedTTL time.Duration
	now          func() time.Time
}

// NewKeyer creates a Keyer over store.
func NewKeyer(store storage.KeyValueStore, opts ...Option) *Keyer {
	k := &Keyer{
		store:        store,
		logger:       slog.Default(),
		startedTTL:   DefaultStartedTTL,
		completedTTL: DefaultCompletedTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Hash returns the truncated content digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashChars]
}

// Key returns deploy_{tenant}_{hash}.
func Key(tenantID string, workflowJSON []byte) string {
	return "deploy_" + tenantID + "_" + Hash(workflowJSON)
}

// Key is Key bound to the receiver for callers holding a Keyer.
func (k *Keyer) Key(tenantID string, workflowJSON []byte) string {
	return Key(tenantID, workflowJSON)
}

// IsDuplicate reports whether key is recorded. It returns false when the
// store cannot answer.
func (k *Keyer) IsDuplicate(ctx context.Context, key string) bool {
	ok, err := k.store.Exists(ctx, keyPrefix+key)
	if err != nil {
		k.logger.Warn("idempotency check failed, continuing", "key", key, "error", err)
		return false
	}
	return ok
}

// MarkStarted records key as in progress. It reports false only when another
// request already holds the key; a store failure counts as acquired.
func (k *Keyer) MarkStarted(ctx context.Context, key string) bool {
	data, err := json.Marshal(Record{State: StateStarted, StartedAt: k.now().UTC()})
	if err != nil {
		k.logger.Error("failed to encode idempotency record", "key", key, "error", err)
		return true
	}
	ok, err := k.store.SetNX(ctx, keyPrefix+key, data, k.startedTTL)
	if err != nil {
		k.logger.Warn("failed to mark idempotency key started", "key", key, "error", err)
		return true
	}
	return ok
}

// MarkCompleted stores result under key with the completed TTL.
func (k *Keyer) MarkCompleted(ctx context.Context, key string, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		k.logger.Error("failed to encode idempotency result", "key", key, "error", err)
		return
	}
	rec := Record{State: StateCompleted, Result: raw, CompletedAt: k.now().UTC()}
	if prev, ok := k.GetResult(ctx, key); ok {
		rec.StartedAt = prev.StartedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		k.logger.Error("failed to encode idempotency record", "key", key, "error", err)
		return
	}
	if err := k.store.Set(ctx, keyPrefix+key, data, k.completedTTL); err != nil {
		k.logger.Warn("failed to mark idempotency key completed", "key", key, "error", err)
	}
}

// GetResult returns the record stored under key, if any.
func (k *Keyer) GetResult(ctx context.Context, key string) (*Record, bool) {
	data, err := k.store.Get(ctx, keyPrefix+key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			k.logger.Warn("failed to read idempotency key", "key", key, "error", err)
		}
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		k.logger.Warn("corrupt idempotency record", "key", key, "error", err)
		return nil, false
	}
	return &rec, true
}

// Release forgets key so the same content can be submitted again.
func (k *Keyer) Release(ctx context.Context, key string) {
	if err := k.store.Delete(ctx, keyPrefix+key); err != nil {
		k.logger.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}
