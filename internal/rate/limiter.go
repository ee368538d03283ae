package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLimited is returned when an identifier has exhausted its budget
	// for the current window.
	ErrLimited = errors.New("rate limited")
	// ErrUnavailable wraps Redis transport failures.
	ErrUnavailable = errors.New("rate limiter unavailable")
)

// Config tunes the fixed-window counters.
type Config struct {
	PerIP           bool
	MaxPerWindow    int
	Window          time.Duration
	RefreshMax      int
	RefreshWindow   time.Duration
	ThrottleRefresh bool
}

// Limiter throttles login and refresh traffic with Redis fixed-window
// counters. Counters expire with the window; no sweeping is needed.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	cfg    Config
}

// New creates a Limiter under the given key prefix.
func New(client redis.UniversalClient, prefix string, cfg Config) *Limiter {
	if prefix == "" {
		prefix = "ag"
	}
	return &Limiter{redis: client, prefix: prefix, cfg: cfg}
}

func (l *Limiter) emailKey(email string) string { return l.prefix + ":rl:e:" + email }
func (l *Limiter) ipKey(ip string) string       { return l.prefix + ":rl:i:" + ip }
func (l *Limiter) refreshKey(sid string) string { return l.prefix + ":rl:r:" + sid }

// AllowLogin reports whether a login attempt for the email (and client IP,
// if IP throttling is on) is inside the window budget.
func (l *Limiter) AllowLogin(ctx context.Context, email, ip string) error {
	if err := l.check(ctx, l.emailKey(email)); err != nil {
		return err
	}
	if l.cfg.PerIP && ip != "" {
		return l.check(ctx, l.ipKey(ip))
	}
	return nil
}

// HitLogin counts a failed login attempt against the email and IP.
func (l *Limiter) HitLogin(ctx context.Context, email, ip string) error {
	if err := l.hit(ctx, l.emailKey(email), l.cfg.MaxPerWindow, l.cfg.Window); err != nil {
		return err
	}
	if l.cfg.PerIP && ip != "" {
		return l.hit(ctx, l.ipKey(ip), l.cfg.MaxPerWindow, l.cfg.Window)
	}
	return nil
}

// ClearLogin drops the counters after a successful login.
func (l *Limiter) ClearLogin(ctx context.Context, email, ip string) error {
	keys := []string{l.emailKey(email)}
	if l.cfg.PerIP && ip != "" {
		keys = append(keys, l.ipKey(ip))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// HitRefresh counts a refresh attempt for the session and enforces the
// refresh budget. No-op when refresh throttling is off.
func (l *Limiter) HitRefresh(ctx context.Context, sessionID string) error {
	if !l.cfg.ThrottleRefresh {
		return nil
	}
	return l.hit(ctx, l.refreshKey(sessionID), l.cfg.RefreshMax, l.cfg.RefreshWindow)
}

func (l *Limiter) check(ctx context.Context, key string) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= int64(l.cfg.MaxPerWindow) {
		return ErrLimited
	}
	return nil
}

func (l *Limiter) hit(ctx context.Context, key string, max int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Fixed window: the first hit arms the TTL, later hits ride it.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if count > int64(max) {
		return ErrLimited
	}
	return nil
}
