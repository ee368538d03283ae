package authgate

import (
	"errors"
	"time"
)

// Config tunes the engine. Zero values are filled in from
// DefaultConfig by the builder; struct tags drive LoadConfig.
type Config struct {
	JWT       JWTConfig       `envPrefix:"JWT_"`
	Password  PasswordConfig  `envPrefix:"PASSWORD_"`
	Session   SessionConfig   `envPrefix:"SESSION_"`
	Lockout   LockoutConfig   `envPrefix:"LOCKOUT_"`
	Challenge ChallengeConfig `envPrefix:"CHALLENGE_"`
	TwoFactor TwoFactorConfig `envPrefix:"TWOFACTOR_"`
	Throttle  ThrottleConfig  `envPrefix:"THROTTLE_"`
	Audit     AuditConfig     `envPrefix:"AUDIT_"`

	// RequireVerified gates login on a confirmed email address.
	RequireVerified bool `env:"REQUIRE_VERIFIED"`
}

// JWTConfig configures access token minting and validation.
type JWTConfig struct {
	AccessTTL     time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"REFRESH_TTL" envDefault:"168h"`
	SigningMethod string        `env:"SIGNING_METHOD" envDefault:"hs256"`
	// Key material is read separately by LoadConfig, not parsed as a
	// struct field.
	PrivateKey []byte `env:"-"`
	PublicKey  []byte `env:"-"`
	Issuer     string `env:"ISSUER" envDefault:"authgate"`
	Audience   string `env:"AUDIENCE"`
	// Leeway absorbs clock skew when checking exp/nbf. Capped at two
	// minutes by the jwt manager.
	Leeway time.Duration `env:"LEEWAY" envDefault:"5s"`
	// KeyID tags minted Ed25519 tokens; VerifyKeys maps key IDs to
	// public keys during rotation. Not settable from the environment.
	KeyID      string            `env:"-"`
	VerifyKeys map[string][]byte `env:"-"`
}

// PasswordConfig holds Argon2id parameters and the policy floor.
type PasswordConfig struct {
	Memory      uint32 `env:"MEMORY_KIB" envDefault:"65536"`
	Time        uint32 `env:"TIME" envDefault:"2"`
	Parallelism uint8  `env:"PARALLELISM" envDefault:"2"`
	SaltLength  uint32 `env:"SALT_LENGTH" envDefault:"16"`
	KeyLength   uint32 `env:"KEY_LENGTH" envDefault:"32"`
	MinLength   int    `env:"MIN_LENGTH" envDefault:"8"`
	// RehashOnLogin upgrades stored hashes to the current parameters
	// when a login supplies the correct password.
	RehashOnLogin bool `env:"REHASH_ON_LOGIN" envDefault:"true"`
}

// SessionConfig controls the Redis session store.
type SessionConfig struct {
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"ag"`
}

// LockoutConfig controls failed-login lockout. An account locks for
// Window after Threshold consecutive failures; the lock expires lazily.
type LockoutConfig struct {
	Threshold int           `env:"THRESHOLD" envDefault:"5"`
	Window    time.Duration `env:"WINDOW" envDefault:"15m"`
}

// ChallengeConfig sets the lifetimes of single-use email tokens.
type ChallengeConfig struct {
	VerificationTTL time.Duration `env:"VERIFICATION_TTL" envDefault:"24h"`
	ResetTTL        time.Duration `env:"RESET_TTL" envDefault:"1h"`
}

// TwoFactorConfig tunes TOTP and the login challenge gate.
type TwoFactorConfig struct {
	ChallengeTTL time.Duration `env:"CHALLENGE_TTL" envDefault:"10m"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	Issuer       string        `env:"ISSUER" envDefault:"authgate"`
	Digits       int           `env:"DIGITS" envDefault:"6"`
	Period       int           `env:"PERIOD" envDefault:"30"`
	Skew         int           `env:"SKEW" envDefault:"1"`
	Algorithm    string        `env:"ALGORITHM" envDefault:"SHA1"`
	BackupCodes  int           `env:"BACKUP_CODES" envDefault:"10"`
}

// ThrottleConfig tunes the Redis fixed-window limiter in front of the
// lockout counter.
type ThrottleConfig struct {
	Enabled         bool          `env:"ENABLED" envDefault:"true"`
	PerIP           bool          `env:"PER_IP"`
	MaxPerWindow    int           `env:"MAX_PER_WINDOW" envDefault:"20"`
	Window          time.Duration `env:"WINDOW" envDefault:"1m"`
	ThrottleRefresh bool          `env:"REFRESH"`
	RefreshMax      int           `env:"REFRESH_MAX" envDefault:"30"`
	RefreshWindow   time.Duration `env:"REFRESH_WINDOW" envDefault:"1m"`
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"ENABLED"`
	BufferSize int  `env:"BUFFER_SIZE" envDefault:"256"`
	DropIfFull bool `env:"DROP_IF_FULL" envDefault:"true"`
}

// DefaultConfig returns the documented defaults: 15 minute access
// tokens, 7 day refresh tokens, 5 failures / 15 minute lockout, 24 hour
// verification and 1 hour reset tokens, 10 minute two-factor challenges.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "hs256",
			Issuer:        "authgate",
			Leeway:        5 * time.Second,
		},
		Password: PasswordConfig{
			Memory:        64 * 1024,
			Time:          2,
			Parallelism:   2,
			SaltLength:    16,
			KeyLength:     32,
			MinLength:     8,
			RehashOnLogin: true,
		},
		Session: SessionConfig{
			RedisPrefix: "ag",
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Window:    15 * time.Minute,
		},
		Challenge: ChallengeConfig{
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
		},
		TwoFactor: TwoFactorConfig{
			ChallengeTTL: 10 * time.Minute,
			MaxAttempts:  5,
			Issuer:       "authgate",
			Digits:       6,
			Period:       30,
			Skew:         1,
			Algorithm:    "SHA1",
			BackupCodes:  10,
		},
		Throttle: ThrottleConfig{
			Enabled:       true,
			MaxPerWindow:  20,
			Window:        time.Minute,
			RefreshMax:    30,
			RefreshWindow: time.Minute,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

// Validate rejects configurations the engine cannot run with. The jwt
// manager performs its own key validation on Build.
func (c *Config) Validate() error {
	if c.JWT.AccessTTL <= 0 {
		return errors.New("jwt access ttl must be positive")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("jwt refresh ttl must be positive")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("refresh ttl must exceed access ttl")
	}
	if c.Password.MinLength < 8 {
		return errors.New("password min length below 8")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("lockout window must be positive")
	}
	if c.Challenge.VerificationTTL <= 0 || c.Challenge.ResetTTL <= 0 {
		return errors.New("challenge ttls must be positive")
	}
	if c.TwoFactor.ChallengeTTL <= 0 {
		return errors.New("two-factor challenge ttl must be positive")
	}
	if c.TwoFactor.MaxAttempts <= 0 {
		return errors.New("two-factor max attempts must be positive")
	}
	if c.TwoFactor.Digits < 6 || c.TwoFactor.Digits > 8 {
		return errors.New("totp digits must be 6-8")
	}
	if c.TwoFactor.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if c.TwoFactor.Skew < 0 || c.TwoFactor.Skew > 2 {
		return errors.New("totp skew must be 0-2")
	}
	if c.Throttle.Enabled && (c.Throttle.MaxPerWindow <= 0 || c.Throttle.Window <= 0) {
		return errors.New("throttle window settings must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
