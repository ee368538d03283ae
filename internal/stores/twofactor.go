package stores

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// failScript counts a wrong code against the challenge and deletes it once
// the attempt budget is exhausted.
const failScript = `
local key = KEYS[1]
local max_attempts = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 0 then
  return {0}
end

local attempts = redis.call("HINCRBY", key, "att", 1)
if attempts >= max_attempts then
  redis.call("DEL", key)
  return {2, attempts}
end
return {1, attempts}
`

var failLua = redis.NewScript(failScript)

// TwoFactorChallenge is the pending state between a successful password
// check and token issuance for accounts with a second factor enabled.
type TwoFactorChallenge struct {
	ID         string
	AccountID  int64
	SecretHash [32]byte
	Attempts   int
	ExpiresAt  time.Time
}

// TwoFactorStore persists short-lived two-factor login challenges.
type TwoFactorStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewTwoFactorStore creates a TwoFactorStore under the given key prefix.
func NewTwoFactorStore(client redis.UniversalClient, prefix string) *TwoFactorStore {
	if prefix == "" {
		prefix = "ag"
	}
	return &TwoFactorStore{redis: client, prefix: prefix}
}

func (s *TwoFactorStore) key(id string) string {
	return s.prefix + ":m:" + id
}

// Save persists a new challenge.
func (s *TwoFactorStore) Save(ctx context.Context, id string, accountID int64, hash [32]byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrExpired
	}

	key := s.key(id)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"acct", strconv.FormatInt(accountID, 10),
			"hash", hex.EncodeToString(hash[:]),
			"att", "0",
			"exp", strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get fetches a challenge and verifies the presented secret in constant
// time. Expired records are deleted lazily.
func (s *TwoFactorStore) Get(ctx context.Context, id string, provided [32]byte) (*TwoFactorChallenge, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	ch, err := challengeFromFields(id, fields)
	if err != nil {
		return nil, err
	}

	if !time.Now().Before(ch.ExpiresAt) {
		if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, ErrExpired
	}

	if subtle.ConstantTimeCompare(ch.SecretHash[:], provided[:]) != 1 {
		return nil, ErrMismatch
	}
	return ch, nil
}

// Fail records a wrong code. Returns ErrAttemptsExceeded (and deletes the
// challenge) once maxAttempts is reached.
func (s *TwoFactorStore) Fail(ctx context.Context, id string, maxAttempts int) error {
	result, err := failLua.Run(ctx, s.redis, []string{s.key(id)}, maxAttempts).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return fmt.Errorf("%w: malformed fail response", ErrUnavailable)
	}
	status, _ := parts[0].(int64)

	switch status {
	case 0:
		return ErrNotFound
	case 2:
		return ErrAttemptsExceeded
	default:
		return nil
	}
}

// Consume deletes the challenge. Exactly one of any set of concurrent
// consumers succeeds; the rest get ErrNotFound.
func (s *TwoFactorStore) Consume(ctx context.Context, id string) error {
	deleted, err := s.redis.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func challengeFromFields(id string, fields map[string]string) (*TwoFactorChallenge, error) {
	accountID, err := strconv.ParseInt(fields["acct"], 10, 64)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, errors.New("corrupt challenge record"))
	}
	attempts, err := strconv.Atoi(fields["att"])
	if err != nil {
		return nil, errors.Join(ErrUnavailable, errors.New("corrupt challenge record"))
	}
	expMs, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, errors.New("corrupt challenge record"))
	}
	rawHash, err := hex.DecodeString(fields["hash"])
	if err != nil || len(rawHash) != 32 {
		return nil, errors.Join(ErrUnavailable, errors.New("corrupt challenge record"))
	}

	ch := &TwoFactorChallenge{
		ID:        id,
		AccountID: accountID,
		Attempts:  attempts,
		ExpiresAt: time.UnixMilli(expMs),
	}
	copy(ch.SecretHash[:], rawHash)
	return ch, nil
}
