package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"qrnotify/internal/domain"
)

// RedisConfig configures the Redis-backed ledger.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis keeps one hash per dedup key plus a sorted set of non-terminal keys
// scored by last activity (ms). All state changes run as Lua scripts so the
// existence/status checks and the writes are atomic.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// Return codes shared by the scripts.
const (
	codeNotFound = -1
	codeTerminal = -2
)

var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'status', 'PENDING', 'attempt_count', 0, 'last_attempt_at', 0,
  'provider_response', '', 'kind', ARGV[2], 'recipient_id', ARGV[3],
  'address', ARGV[4], 'payload', ARGV[5], 'created_at', ARGV[6], 'recovered', 0)
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
return 1
`)

var markAttemptScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st == 'SENT' or st == 'FAILED_PERMANENT' then return -2 end
local n = redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('HSET', KEYS[1], 'last_attempt_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return n
`)

var commitScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st == 'SENT' or st == 'FAILED_PERMANENT' then return -2 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'provider_response', ARGV[3])
if ARGV[2] == 'SENT' or ARGV[2] == 'FAILED_PERMANENT' then
  redis.call('ZREM', KEYS[2], ARGV[1])
end
return 1
`)

var claimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st or st ~= ARGV[2] then return 0 end
if redis.call('HGET', KEYS[1], 'last_attempt_at') ~= ARGV[3] then return 0 end
redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
redis.call('HSET', KEYS[1], 'last_attempt_at', ARGV[4], 'recovered', 1)
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("ledger: redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ledger: redis ping: %w", err)
	}
	r := NewRedis(rdb, cfg.Prefix)
	r.owned = true
	return r, nil
}

// NewRedis wraps an existing client. Close leaves the client open.
// The prefix is used as a hash tag so every script's keys share a cluster slot.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: hashTagged(prefix)}
}

// hashTagged wraps prefix in {...} unless it already carries a non-empty tag.
func hashTagged(prefix string) string {
	if prefix == "" {
		prefix = "qrnotify:ledger:"
	}
	if i := strings.IndexByte(prefix, '{'); i >= 0 {
		if j := strings.IndexByte(prefix[i+1:], '}'); j > 0 {
			return prefix
		}
	}
	return "{" + strings.TrimRight(prefix, ":") + "}:"
}

func (r *Redis) entryKey(key string) string { return r.prefix + "e:" + key }
func (r *Redis) inflightKey() string        { return r.prefix + "inflight" }

func (r *Redis) keys(key string) []string { return []string{r.entryKey(key), r.inflightKey()} }

func (r *Redis) Reserve(ctx context.Context, res Reservation) (Result, error) {
	if res.Decision.DedupKey == "" {
		return 0, errors.New("ledger: empty dedup key")
	}
	e := newEntry(res)
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return 0, err
	}
	n, err := reserveScript.Run(ctx, r.rdb, r.keys(e.DedupKey),
		e.DedupKey, string(e.Kind), e.RecipientID, e.Address, payload, e.CreatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return AlreadyTaken, nil
	}
	return Acquired, nil
}

func scriptErr(n int64) error {
	switch n {
	case codeNotFound:
		return ErrNotFound
	case codeTerminal:
		return ErrTerminal
	default:
		return nil
	}
}

func (r *Redis) MarkAttempt(ctx context.Context, key string, at time.Time) (int, error) {
	n, err := markAttemptScript.Run(ctx, r.rdb, r.keys(key), key, at.UnixMilli()).Int64()
	if err != nil {
		return 0, err
	}
	if err := scriptErr(n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Redis) Commit(ctx context.Context, key string, o Outcome) error {
	if err := validOutcome(o); err != nil {
		return err
	}
	n, err := commitScript.Run(ctx, r.rdb, r.keys(key), key, string(o.Status), o.ProviderResponse).Int64()
	if err != nil {
		return err
	}
	return scriptErr(n)
}

func (r *Redis) Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error) {
	m, err := r.rdb.HGetAll(ctx, r.entryKey(key)).Result()
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if len(m) == 0 {
		return domain.LedgerEntry{}, false, nil
	}
	e, err := entryFromHash(key, m)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (r *Redis) Stale(ctx context.Context, before time.Time, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := r.rdb.ZRangeByScore(ctx, r.inflightKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if _, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, r.entryKey(k))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]domain.LedgerEntry, 0, len(keys))
	for i, k := range keys {
		m := cmds[i].Val()
		if len(m) == 0 {
			continue
		}
		e, err := entryFromHash(k, m)
		if err != nil {
			return nil, err
		}
		if e.Status.Terminal() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Redis) Claim(ctx context.Context, e domain.LedgerEntry, now time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, r.rdb, r.keys(e.DedupKey),
		e.DedupKey, string(e.Status), strconv.FormatInt(unixMilli(e.LastAttemptAt), 10), now.UnixMilli(),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}

func entryFromHash(key string, m map[string]string) (domain.LedgerEntry, error) {
	atoi := func(f string) int64 {
		n, _ := strconv.ParseInt(m[f], 10, 64)
		return n
	}
	payload, err := decodePayload(m["payload"])
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: payload of %s: %w", key, err)
	}
	return domain.LedgerEntry{
		DedupKey:         key,
		Status:           domain.Status(m["status"]),
		AttemptCount:     int(atoi("attempt_count")),
		LastAttemptAt:    fromMilli(atoi("last_attempt_at")),
		ProviderResponse: m["provider_response"],
		Kind:             domain.Kind(m["kind"]),
		RecipientID:      m["recipient_id"],
		Address:          m["address"],
		Payload:          payload,
		CreatedAt:        fromMilli(atoi("created_at")),
		Recovered:        m["recovered"] == "1",
	}, nil
}
