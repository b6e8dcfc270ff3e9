// Package redislock is a ledger.LockTable shared by every process pointed at
// the same Redis.
package redislock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 25 * time.Millisecond
	keyPrefix           = "forge:buildlock:"
)

// unlockScript deletes the lock only if ARGV[1] holds it.
// Returns 1 on release, 0 if absent, -1 if held by someone else.
var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if not val then
    return 0
end
local lock = cjson.decode(val)
if lock.holder ~= ARGV[1] then
    return -1
end
redis.call("DEL", KEYS[1])
return 1
`)

// Table implements ledger.LockTable with SET NX PX leases. A lock whose
// holder dies expires after TTL.
type Table struct {
	client       redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
}

var _ ledger.LockTable = (*Table)(nil)

// Option configures a Table.
type Option func(*Table)

// WithTTL sets the lease duration of a lock.
func WithTTL(d time.Duration) Option { return func(t *Table) { t.ttl = d } }

// WithPollInterval sets how often Lock retries a held lock.
func WithPollInterval(d time.Duration) Option { return func(t *Table) { t.pollInterval = d } }

// New creates a lock table on client.
func New(client redis.UniversalClient, opts ...Option) *Table {
	t := &Table{client: client, ttl: DefaultTTL, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects to addr and returns a table on the new client.
func Dial(addr, password string, db int, opts ...Option) *Table {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

// Ping checks connectivity.
func (t *Table) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client.
func (t *Table) Close() error { return t.client.Close() }

func key(buildID string) string { return keyPrefix + buildID }

// TryLock implements ledger.LockTable.
func (t *Table) TryLock(ctx context.Context, lock ledger.BuildLock) error {
	val, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("redislock: encode lock: %w", err)
	}
	ok, err := t.client.SetNX(ctx, key(lock.BuildID), val, t.ttl).Result()
	if err != nil {
		return fmt.Errorf("redislock: set: %w", err)
	}
	if !ok {
		holder := "unknown"
		if cur, found, err := t.Get(ctx, lock.BuildID); err == nil && found {
			holder = cur.Holder
		}
		return fmt.Errorf("%w: %s held by %s", ledger.ErrLockContention, lock.BuildID, holder)
	}
	return nil
}

// Lock implements ledger.LockTable by polling TryLock.
func (t *Table) Lock(ctx context.Context, lock ledger.BuildLock) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		err := t.TryLock(ctx, lock)
		if err == nil || !errors.Is(err, ledger.ErrLockContention) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock implements ledger.LockTable.
func (t *Table) Unlock(ctx context.Context, buildID, holder string) error {
	res, err := unlockScript.Run(ctx, t.client, []string{key(buildID)}, holder).Int()
	if err != nil {
		return fmt.Errorf("redislock: unlock: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %s", ledger.ErrNotLocked, buildID)
	default:
		return fmt.Errorf("%w: %s", ledger.ErrNotLockHolder, buildID)
	}
}

// Get implements ledger.LockTable.
func (t *Table) Get(ctx context.Context, buildID string) (ledger.BuildLock, bool, error) {
	val, err := t.client.Get(ctx, key(buildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.BuildLock{}, false, nil
	}
	if err != nil {
		return ledger.BuildLock{}, false, fmt.Errorf("redislock: get: %w", err)
	}
	var lock ledger.BuildLock
	if err := json.Unmarshal(val, &lock); err != nil {
		return ledger.BuildLock{}, false, fmt.Errorf("redislock: decode lock: %w", err)
	}
	return lock, true, nil
}
