package stores

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("challenge not found")
	// ErrExpired is returned when the record exists but is past expiry.
	ErrExpired = errors.New("challenge expired")
	// ErrMismatch is returned when the presented secret does not match.
	// The record is invalidated regardless — consumption is single-use
	// whatever the outcome.
	ErrMismatch = errors.New("challenge secret mismatch")
	// ErrUsed is returned when the challenge was already consumed.
	ErrUsed = errors.New("challenge already used")
	// ErrAttemptsExceeded is returned when a bounded-attempt challenge
	// ran out of tries.
	ErrAttemptsExceeded = errors.New("challenge attempts exceeded")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("challenge store unavailable")
)

const (
	consumeStatusNotFound int64 = 0
	consumeStatusExpired  int64 = 1
	consumeStatusMismatch int64 = 2
	consumeStatusUsed     int64 = 3
	consumeStatusOK       int64 = 4
)

// usedMarkerTTL bounds how long a consumed challenge is distinguishable
// from an unknown one.
const usedMarkerTTL = 24 * time.Hour

// issueScript installs a new challenge and deletes any prior unconsumed
// challenge of the same kind for the same account: at most one live
// challenge per (kind, account).
const issueScript = `
local index_key = KEYS[1]
local new_key = KEYS[2]
local record_prefix = ARGV[1]
local id = ARGV[2]
local acct = ARGV[3]
local hash = ARGV[4]
local exp_ms = ARGV[5]
local ttl_ms = tonumber(ARGV[6])

local old = redis.call("GET", index_key)
if old and old ~= id then
  redis.call("DEL", record_prefix .. old)
end

redis.call("SET", index_key, id, "PX", ttl_ms)
redis.call("HSET", new_key, "acct", acct, "hash", hash, "exp", exp_ms)
redis.call("PEXPIRE", new_key, ttl_ms)
return 1
`

var issueLua = redis.NewScript(issueScript)

// consumeScript is the atomic check-and-invalidate. Whatever the outcome,
// an existing record is deleted, and a tombstone marks successful or
// mismatched consumption so replays report "already used".
const consumeScript = `
local key = KEYS[1]
local used_key = KEYS[2]
local index_prefix = ARGV[1]
local id = ARGV[2]
local provided = ARGV[3]
local now_ms = tonumber(ARGV[4])
local used_ttl_ms = tonumber(ARGV[5])

if redis.call("EXISTS", key) == 0 then
  if redis.call("EXISTS", used_key) == 1 then
    return {3}
  end
  return {0}
end

local acct = redis.call("HGET", key, "acct")
local exp = tonumber(redis.call("HGET", key, "exp"))
local hash = redis.call("HGET", key, "hash")

redis.call("DEL", key)
local index_key = index_prefix .. acct
if redis.call("GET", index_key) == id then
  redis.call("DEL", index_key)
end

if not exp or exp <= now_ms then
  return {1}
end

redis.call("SET", used_key, "1", "PX", used_ttl_ms)

if hash ~= provided then
  return {2}
end

return {4, acct}
`

var consumeLua = redis.NewScript(consumeScript)

// ChallengeStore persists single-use, time-boxed challenges keyed by kind
// (verification, password-reset). One shape serves both kinds.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewChallengeStore creates a ChallengeStore under the given key prefix.
func NewChallengeStore(client redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "ag"
	}
	return &ChallengeStore{redis: client, prefix: prefix}
}

func (s *ChallengeStore) recordPrefix(kind string) string {
	return s.prefix + ":c:" + kind + ":"
}

func (s *ChallengeStore) recordKey(kind, id string) string {
	return s.recordPrefix(kind) + id
}

func (s *ChallengeStore) indexPrefix(kind string) string {
	return s.prefix + ":ci:" + kind + ":"
}

func (s *ChallengeStore) indexKey(kind string, accountID int64) string {
	return s.indexPrefix(kind) + strconv.FormatInt(accountID, 10)
}

func (s *ChallengeStore) usedKey(kind, id string) string {
	return s.prefix + ":cu:" + kind + ":" + id
}

// Issue stores a challenge, superseding any live challenge of the same kind
// for the account.
func (s *ChallengeStore) Issue(ctx context.Context, kind, id string, accountID int64, hash [32]byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrExpired
	}

	err := issueLua.Run(ctx, s.redis,
		[]string{s.indexKey(kind, accountID), s.recordKey(kind, id)},
		s.recordPrefix(kind),
		id,
		strconv.FormatInt(accountID, 10),
		hex.EncodeToString(hash[:]),
		time.Now().Add(ttl).UnixMilli(),
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Consume atomically validates and invalidates a challenge, returning the
// owning account id on success.
func (s *ChallengeStore) Consume(ctx context.Context, kind, id string, provided [32]byte) (int64, error) {
	result, err := consumeLua.Run(ctx, s.redis,
		[]string{s.recordKey(kind, id), s.usedKey(kind, id)},
		s.indexPrefix(kind),
		id,
		hex.EncodeToString(provided[:]),
		time.Now().UnixMilli(),
		usedMarkerTTL.Milliseconds(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, fmt.Errorf("%w: malformed consume response", ErrUnavailable)
	}
	status, ok := parts[0].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: malformed consume status", ErrUnavailable)
	}

	switch status {
	case consumeStatusNotFound:
		return 0, ErrNotFound
	case consumeStatusExpired:
		return 0, ErrExpired
	case consumeStatusMismatch:
		return 0, ErrMismatch
	case consumeStatusUsed:
		return 0, ErrUsed
	case consumeStatusOK:
		if len(parts) < 2 {
			return 0, fmt.Errorf("%w: short consume response", ErrUnavailable)
		}
		acctStr, ok := luaString(parts[1])
		if !ok {
			return 0, fmt.Errorf("%w: malformed account id", ErrUnavailable)
		}
		accountID, err := strconv.ParseInt(acctStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed account id", ErrUnavailable)
		}
		return accountID, nil
	default:
		return 0, fmt.Errorf("%w: unknown consume status %d", ErrUnavailable, status)
	}
}

func luaString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
