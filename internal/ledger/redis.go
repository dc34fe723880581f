package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/triage-notifier/internal/eligibility"
)

// Each reservation is a hash at <prefix>:res:<tag>. Two sorted sets index
// tags by reserved_at (reserved only) and confirmed_at (confirmed only) so
// sweeps and purges never scan the keyspace.
var (
	reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'confirmed' then return 2 end
if state then return 1 end
redis.call('HSET', KEYS[1], 'state', 'reserved', 'patient_id', ARGV[1], 'message_type', ARGV[2], 'reserved_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 0
`)

	confirmScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == 'confirmed' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'confirmed', 'confirmed_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
return 1
`)

	releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == 'confirmed' then return -2 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

	// KEYS[1] index; ARGV[1] exclusive score bound, ARGV[2] key prefix,
	// ARGV[3] state the entry must still be in.
	dropIndexedScript = redis.NewScript(`
local tags = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local n = 0
for _, tag in ipairs(tags) do
  local key = ARGV[2] .. tag
  if redis.call('HGET', key, 'state') == ARGV[3] then
    redis.call('DEL', key)
    n = n + 1
  end
  redis.call('ZREM', KEYS[1], tag)
end
return n
`)
)

// RedisStore keeps the ledger in Redis. Every transition runs as one Lua
// script, so the store stays correct with several notifier instances.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore builds a store using keys under prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if client == nil {
		panic("ledger: redis client required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "notifier"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyPrefix() string     { return s.prefix + ":res:" }
func (s *RedisStore) key(tag string) string { return s.keyPrefix() + tag }
func (s *RedisStore) reservedIndex() string { return s.prefix + ":idx:reserved" }
func (s *RedisStore) confirmedIdx() string  { return s.prefix + ":idx:confirmed" }

func (s *RedisStore) TryReserve(ctx context.Context, tag, patientID string, mt eligibility.MessageType, now time.Time) (Result, error) {
	code, err := reserveScript.Run(ctx, s.client,
		[]string{s.key(tag), s.reservedIndex()},
		patientID, string(mt), now.UnixMilli(), tag,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("ledger: reserve: %w", err)
	}
	switch code {
	case 0:
		return Reserved, nil
	case 2:
		return AlreadyConfirmed, nil
	default:
		return AlreadyReserved, nil
	}
}

func (s *RedisStore) Confirm(ctx context.Context, tag string, now time.Time) error {
	code, err := confirmScript.Run(ctx, s.client,
		[]string{s.key(tag), s.reservedIndex(), s.confirmedIdx()},
		now.UnixMilli(), tag,
	).Int()
	if err != nil {
		return fmt.Errorf("ledger: confirm: %w", err)
	}
	if code < 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, tag string) error {
	code, err := releaseScript.Run(ctx, s.client,
		[]string{s.key(tag), s.reservedIndex()}, tag,
	).Int()
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	switch code {
	case -1:
		return ErrNotFound
	case -2:
		return ErrConfirmed
	default:
		return nil
	}
}

func (s *RedisStore) SweepAbandoned(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	n, err := dropIndexedScript.Run(ctx, s.client,
		[]string{s.reservedIndex()},
		now.Add(-timeout).UnixMilli(), s.keyPrefix(), string(StateReserved),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("ledger: sweep: %w", err)
	}
	return n, nil
}

func (s *RedisStore) PurgeConfirmedBefore(ctx context.Context, before time.Time) (int, error) {
	n, err := dropIndexedScript.Run(ctx, s.client,
		[]string{s.confirmedIdx()},
		before.UnixMilli(), s.keyPrefix(), string(StateConfirmed),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, tag string) (Reservation, error) {
	fields, err := s.client.HGetAll(ctx, s.key(tag)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Reservation{}, fmt.Errorf("ledger: get: %w", err)
	}
	if len(fields) == 0 {
		return Reservation{}, ErrNotFound
	}
	r := Reservation{
		Tag:         tag,
		PatientID:   fields["patient_id"],
		MessageType: eligibility.MessageType(fields["message_type"]),
		State:       State(fields["state"]),
		ReservedAt:  parseMillis(fields["reserved_at"]),
		ConfirmedAt: parseMillis(fields["confirmed_at"]),
	}
	return r, nil
}

func parseMillis(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
