package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	// MethodHS256 signs with a shared secret.
	MethodHS256 SigningMethod = "hs256"
	// MethodEd25519 signs with an Ed25519 private key.
	MethodEd25519 SigningMethod = "ed25519"
)

var (
	// ErrExpired is returned for structurally valid tokens past their expiry.
	ErrExpired = errors.New("access token expired")
	// ErrInvalid is returned for tokens that fail any other check.
	ErrInvalid = errors.New("access token invalid")
)

// Config holds signing and validation parameters.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Claims is the access-token payload.
type Claims struct {
	AccountID int64  `json:"uid,string"`
	Role      string `json:"rol,omitempty"`
	SessionID string `json:"sid"`
	Gen       uint32 `json:"gen,omitempty"`
	jwt.RegisteredClaims
}

// Manager mints and validates access tokens. Safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("leeway out of range")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires a shared secret")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := edPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("ed25519 requires a public key or verify key set")
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := edPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := edPublicKey(key); err != nil {
				return nil, fmt.Errorf("verify key %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("kid not present in verify key set")
		}
	}

	return &Manager{config: cfg}, nil
}

// Mint issues a signed access token for the given session.
func (m *Manager) Mint(accountID int64, role, sessionID string, gen uint32) (string, error) {
	now := time.Now()

	claims := Claims{
		AccountID: accountID,
		Role:      role,
		SessionID: sessionID,
		Gen:       gen,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(accountID, 10),
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	tok := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		tok.Header["kid"] = m.config.KeyID
	}

	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

// Validate checks signature, expiry, issuer, and audience. No store access.
func (m *Manager) Validate(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, m.verifyKey)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (m *Manager) verifyKey(t *jwt.Token) (any, error) {
	if t.Method.Alg() != m.method().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}

	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return edPublicKey(key)
	}

	return edPublicKey(m.config.PublicKey)
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() (any, error) {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.PrivateKey, nil
	}
	return edPrivateKey(m.config.PrivateKey)
}

func edPrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, errors.New("invalid ed25519 private key size")
	}
}

func edPublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key size")
	}
	return ed25519.PublicKey(raw), nil
}
