package session

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
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when the session exists but is past expiry.
	ErrExpired = errors.New("session expired")
	// ErrReuse is returned when the presented refresh hash does not match
	// the stored one — the token was already consumed by a rotation.
	ErrReuse = errors.New("refresh hash mismatch")
	// ErrCorrupt is returned for records missing required fields.
	ErrCorrupt = errors.New("session record corrupt")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("session store unavailable")
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusCorrupt  int64 = 4
)

// rotateScript is the single-winner compare-and-swap at the core of the
// rotation protocol. The provided hash must match the stored one; on match
// the hash is replaced and the generation incremented in the same script, so
// a concurrent rotate racing on the same token observes the mismatch.
const rotateScript = `
local key = KEYS[1]
local sid = ARGV[1]
local index_prefix = ARGV[2]
local provided = ARGV[3]
local next_hash = ARGV[4]
local now_ms = tonumber(ARGV[5])
local new_exp_ms = tonumber(ARGV[6])
local ttl_ms = tonumber(ARGV[7])

if redis.call("EXISTS", key) == 0 then
  return {0}
end

local acct = redis.call("HGET", key, "acct")
if not acct then
  redis.call("DEL", key)
  return {4}
end
local index_key = index_prefix .. acct

local exp = tonumber(redis.call("HGET", key, "exp"))
if not exp then
  redis.call("DEL", key)
  redis.call("SREM", index_key, sid)
  return {4}
end
if exp <= now_ms then
  redis.call("DEL", key)
  redis.call("SREM", index_key, sid)
  return {1}
end

if redis.call("HGET", key, "hash") ~= provided then
  return {2}
end

local gen = redis.call("HINCRBY", key, "gen", 1)
redis.call("HSET", key, "hash", next_hash, "exp", new_exp_ms)
redis.call("PEXPIRE", key, ttl_ms)

return {3, gen, acct, redis.call("HGET", key, "role"), redis.call("HGET", key, "created")}
`

var rotateLua = redis.NewScript(rotateScript)

const deleteScript = `
local key = KEYS[1]
local sid = ARGV[1]
local index_prefix = ARGV[2]

if redis.call("EXISTS", key) == 0 then
  return 0
end

local acct = redis.call("HGET", key, "acct")
redis.call("DEL", key)
if acct then
  redis.call("SREM", index_prefix .. acct, sid)
end
return 1
`

var deleteLua = redis.NewScript(deleteScript)

// Store is a Redis-backed refresh session store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a Store. prefix namespaces all keys; empty means "ag".
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ag"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

// indexPrefix is completed with the account id inside the Lua scripts.
func (s *Store) indexPrefix() string {
	return s.prefix + ":a:"
}

func (s *Store) indexKey(accountID int64) string {
	return s.indexPrefix() + strconv.FormatInt(accountID, 10)
}

// Save persists a new session and registers it in the account index.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return ErrExpired
	}

	key := s.key(sess.SessionID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"acct", strconv.FormatInt(sess.AccountID, 10),
			"role", sess.Role,
			"gen", strconv.FormatUint(uint64(sess.Generation), 10),
			"hash", hex.EncodeToString(sess.RefreshHash[:]),
			"created", strconv.FormatInt(sess.CreatedAt.UnixMilli(), 10),
			"exp", strconv.FormatInt(sess.ExpiresAt.UnixMilli(), 10),
		)
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, s.indexKey(sess.AccountID), sess.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Rotate atomically replaces the stored refresh hash. Exactly one of any
// set of concurrent callers presenting the same hash succeeds; the rest get
// ErrReuse. The rotated session is granted a fresh TTL.
func (s *Store) Rotate(ctx context.Context, sessionID string, provided, next [32]byte, ttl time.Duration) (*Session, error) {
	now := time.Now()
	newExpiry := now.Add(ttl)

	result, err := rotateLua.Run(ctx, s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.indexPrefix(),
		hex.EncodeToString(provided[:]),
		hex.EncodeToString(next[:]),
		now.UnixMilli(),
		newExpiry.UnixMilli(),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: malformed rotate response", ErrUnavailable)
	}
	status, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: malformed rotate status", ErrUnavailable)
	}

	switch status {
	case rotateStatusNotFound:
		return nil, ErrNotFound
	case rotateStatusExpired:
		return nil, ErrExpired
	case rotateStatusMismatch:
		return nil, ErrReuse
	case rotateStatusCorrupt:
		return nil, ErrCorrupt
	case rotateStatusRotated:
		if len(parts) < 5 {
			return nil, fmt.Errorf("%w: short rotate response", ErrUnavailable)
		}
		return rotatedSession(sessionID, parts, next, newExpiry)
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrUnavailable, status)
	}
}

func rotatedSession(sessionID string, parts []interface{}, next [32]byte, expiresAt time.Time) (*Session, error) {
	gen, ok := parts[1].(int64)
	if !ok {
		return nil, ErrCorrupt
	}
	acctStr, ok := luaString(parts[2])
	if !ok {
		return nil, ErrCorrupt
	}
	accountID, err := strconv.ParseInt(acctStr, 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	role, _ := luaString(parts[3])
	createdStr, ok := luaString(parts[4])
	if !ok {
		return nil, ErrCorrupt
	}
	createdMs, err := strconv.ParseInt(createdStr, 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}

	return &Session{
		SessionID:   sessionID,
		AccountID:   accountID,
		Role:        role,
		Generation:  uint32(gen),
		RefreshHash: next,
		CreatedAt:   time.UnixMilli(createdMs),
		ExpiresAt:   expiresAt,
	}, nil
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

// Get fetches a session, deleting it lazily when past expiry.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	sess, err := sessionFromFields(sessionID, fields)
	if err != nil {
		return nil, err
	}

	if sess.Expired(time.Now()) {
		if err := s.Delete(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	return sess, nil
}

func sessionFromFields(sessionID string, fields map[string]string) (*Session, error) {
	accountID, err := strconv.ParseInt(fields["acct"], 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	gen, err := strconv.ParseUint(fields["gen"], 10, 32)
	if err != nil {
		return nil, ErrCorrupt
	}
	rawHash, err := hex.DecodeString(fields["hash"])
	if err != nil || len(rawHash) != 32 {
		return nil, ErrCorrupt
	}
	createdMs, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}
	expMs, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, ErrCorrupt
	}

	sess := &Session{
		SessionID:  sessionID,
		AccountID:  accountID,
		Role:       fields["role"],
		Generation: uint32(gen),
		CreatedAt:  time.UnixMilli(createdMs),
		ExpiresAt:  time.UnixMilli(expMs),
	}
	copy(sess.RefreshHash[:], rawHash)
	return sess, nil
}

// Delete removes a session and its index entry. Deleting a missing session
// is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := deleteLua.Run(ctx, s.redis,
		[]string{s.key(sessionID)},
		sessionID,
		s.indexPrefix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteAllForAccount removes every session for the account.
//
// Not fully atomic: a session created between the index read and the
// pipelined delete survives this call. That window only affects logout-all
// semantics; the stray session expires naturally or is caught by the next
// call.
func (s *Store) DeleteAllForAccount(ctx context.Context, accountID int64) error {
	indexKey := s.indexKey(accountID)

	sessionIDs, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	keys := make([]string, 0, len(sessionIDs)+1)
	for _, sid := range sessionIDs {
		keys = append(keys, s.key(sid))
	}
	keys = append(keys, indexKey)

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ActiveSessionCount returns the number of indexed sessions for an account.
func (s *Store) ActiveSessionCount(ctx context.Context, accountID int64) (int, error) {
	count, err := s.redis.SCard(ctx, s.indexKey(accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(count), nil
}

// ActiveSessionIDs returns the indexed session ids for an account.
func (s *Store) ActiveSessionIDs(ctx context.Context, accountID int64) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// Ping reports point-in-time Redis availability and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
