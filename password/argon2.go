package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16

	algorithmID = "argon2id"
)

// ErrMalformedHash is returned when a stored hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed password hash")

// Config holds Argon2id tuning parameters. Memory is in KiB.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns parameters suitable for interactive logins.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher hashes and verifies passwords with Argon2id.
type Hasher struct {
	config Config
}

type parsedHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
	keyLength   uint32
}

// NewHasher validates cfg and returns a Hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	switch {
	case cfg.Memory < minMemoryKB:
		return nil, errors.New("argon2 memory below minimum")
	case cfg.Time < minTimeCost:
		return nil, errors.New("argon2 time cost below minimum")
	case cfg.Parallelism < minParallelism:
		return nil, errors.New("argon2 parallelism below minimum")
	case cfg.SaltLength < minSaltLength:
		return nil, errors.New("argon2 salt length below minimum")
	case cfg.KeyLength < minKeyLength:
		return nil, errors.New("argon2 key length below minimum")
	}

	return &Hasher{config: cfg}, nil
}

// Hash derives a PHC-encoded Argon2id hash from the plaintext.
// The plaintext bytes are used exactly as provided (no normalization).
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(plaintext),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	), nil
}

// Verify reports whether plaintext matches the PHC-encoded hash.
// The comparison is constant-time over the derived key.
func (h *Hasher) Verify(plaintext, encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(plaintext),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		parsed.keyLength,
	)

	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// NeedsRehash reports whether the stored hash was produced with weaker
// parameters than the current configuration.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	if h.config.Memory > parsed.memory {
		return true, nil
	}
	if h.config.Time > parsed.time {
		return true, nil
	}
	if h.config.Parallelism > parsed.parallelism {
		return true, nil
	}
	if h.config.KeyLength != parsed.keyLength {
		return true, nil
	}

	return false, nil
}

func parsePHC(encoded string) (*parsedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, ErrMalformedHash
	}
	if parts[1] != algorithmID {
		return nil, ErrMalformedHash
	}

	if !strings.HasPrefix(parts[2], "v=") {
		return nil, ErrMalformedHash
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || version != argon2.Version {
		return nil, ErrMalformedHash
	}

	params, err := parseParams(parts[3])
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < int(minSaltLength) {
		return nil, ErrMalformedHash
	}

	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, ErrMalformedHash
	}

	return &parsedHash{
		memory:      params.memory,
		time:        params.time,
		parallelism: params.parallelism,
		salt:        salt,
		hash:        hash,
		keyLength:   uint32(len(hash)),
	}, nil
}

type phcParams struct {
	memory      uint32
	time        uint32
	parallelism uint8
}

func parseParams(part string) (*phcParams, error) {
	pairs := strings.Split(part, ",")
	if len(pairs) != 3 {
		return nil, ErrMalformedHash
	}

	var (
		params phcParams
		haveM  bool
		haveT  bool
		haveP  bool
	)

	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, ErrMalformedHash
		}

		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return nil, ErrMalformedHash
			}
			params.memory = uint32(v)
			haveM = true
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return nil, ErrMalformedHash
			}
			params.time = uint32(v)
			haveT = true
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return nil, ErrMalformedHash
			}
			params.parallelism = uint8(v)
			haveP = true
		default:
			return nil, ErrMalformedHash
		}
	}

	if !haveM || !haveT || !haveP {
		return nil, ErrMalformedHash
	}

	return &params, nil
}
