package authgate

import (
	"errors"

	"github.com/k3lly003/authgate/internal/audit"
	"github.com/k3lly003/authgate/internal/rate"
	"github.com/k3lly003/authgate/internal/stores"
	"github.com/k3lly003/authgate/jwt"
	"github.com/k3lly003/authgate/password"
	"github.com/k3lly003/authgate/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Configure it with the With* methods and
// call Build once.
type Builder struct {
	config   Config
	redis    redis.UniversalClient
	accounts AccountStore
	mailer   Mailer
	sink     AuditSink
	built    bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the builder's configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, challenges, and
// throttling.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccounts sets the account store. Required.
func (b *Builder) WithAccounts(store AccountStore) *Builder {
	b.accounts = store
	return b
}

// WithMailer sets the delivery channel for verification and reset
// tokens. Without one, RequestVerification and RequestPasswordReset
// fail.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithAuditSink enables audit dispatch into the given sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	b.config.Audit.Enabled = true
	return b
}

// Build validates the configuration, wires the stores, and returns the
// engine. A builder can build at most once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.accounts == nil {
		return nil, errors.New("account store required")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	// Hash of a throwaway password, verified against on unknown emails
	// so both login outcomes cost one Argon2id pass.
	dummyHash, err := hasher.Hash("authgate-timing-equalizer")
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:     cfg,
		accounts:   b.accounts,
		mailer:     b.mailer,
		hasher:     hasher,
		jwtManager: jm,
		sessions:   session.NewStore(b.redis, cfg.Session.RedisPrefix),
		challenges: stores.NewChallengeStore(b.redis, cfg.Session.RedisPrefix),
		twoFactor:  stores.NewTwoFactorStore(b.redis, cfg.Session.RedisPrefix),
		totp:       newTOTPVerifier(cfg.TwoFactor),
		lockout: lockoutPolicy{
			threshold: cfg.Lockout.Threshold,
			window:    cfg.Lockout.Window,
		},
		dummyHash: dummyHash,
	}

	if cfg.Throttle.Enabled {
		e.limiter = rate.New(b.redis, cfg.Session.RedisPrefix, rate.Config{
			PerIP:           cfg.Throttle.PerIP,
			MaxPerWindow:    cfg.Throttle.MaxPerWindow,
			Window:          cfg.Throttle.Window,
			ThrottleRefresh: cfg.Throttle.ThrottleRefresh,
			RefreshMax:      cfg.Throttle.RefreshMax,
			RefreshWindow:   cfg.Throttle.RefreshWindow,
		})
	}

	e.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.sink)

	b.built = true
	return e, nil
}
