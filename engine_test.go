package authgate_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/k3lly003/authgate"
	"github.com/k3lly003/authgate/memstore"
)

type captureMailer struct {
	mu           sync.Mutex
	verification map[string]string
	reset        map[string]string
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{
		verification: make(map[string]string),
		reset:        make(map[string]string),
	}
}

func (m *captureMailer) SendVerification(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verification[email] = token
	return nil
}

func (m *captureMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset[email] = token
	return nil
}

func (m *captureMailer) lastVerification(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verification[email]
}

func (m *captureMailer) lastReset(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reset[email]
}

type testEnv struct {
	engine *authgate.Engine
	store  *memstore.Store
	mailer *captureMailer
	mr     *miniredis.Miniredis
}

func testConfig() authgate.Config {
	cfg := authgate.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	// Cheap Argon2id parameters; production defaults would dominate
	// the test runtime.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Throttle.Enabled = false
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*authgate.Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store := memstore.New()
	mailer := newCaptureMailer()
	eng, err := authgate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithAccounts(store).
		WithMailer(mailer).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(eng.Close)

	return &testEnv{engine: eng, store: store, mailer: mailer, mr: mr}
}

func (env *testEnv) createAccount(t *testing.T, email, pw string) *authgate.Account {
	t.Helper()
	acct, err := env.engine.CreateAccount(context.Background(), authgate.CreateAccountInput{
		Email:    email,
		Password: pw,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct
}

func TestLoginIssuesValidPair(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")

	res, err := env.engine.Login(ctx, "A@Example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Tokens == nil || res.Challenge != "" {
		t.Fatalf("result = %+v, want tokens", res)
	}

	id, err := env.engine.ValidateAccess(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("validate access: %v", err)
	}
	if id.AccountID != acct.ID || id.SessionID != res.Tokens.SessionID {
		t.Fatalf("identity = %+v", id)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Login(context.Background(), "ghost@example.com", "whatever!")
	if !errors.Is(err, authgate.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginMalformedEmail(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Login(context.Background(), "not-an-email", "whatever!")
	if !errors.Is(err, authgate.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	for i := 0; i < 4; i++ {
		if _, err := env.engine.Login(ctx, "a@example.com", "wrong pass"); !errors.Is(err, authgate.ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v, want ErrInvalidCredentials", i+1, err)
		}
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "wrong pass"); !errors.Is(err, authgate.ErrAccountLocked) {
		t.Fatalf("fifth attempt err = %v, want ErrAccountLocked", err)
	}

	// The lock gate runs before password verification: the correct
	// password is rejected identically while locked.
	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); !errors.Is(err, authgate.ErrAccountLocked) {
		t.Fatalf("correct password err = %v, want ErrAccountLocked", err)
	}
}

func TestLockExpiresLazily(t *testing.T) {
	env := newTestEnv(t, func(cfg *authgate.Config) {
		cfg.Lockout.Window = 50 * time.Millisecond
	})
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	for i := 0; i < 5; i++ {
		_, _ = env.engine.Login(ctx, "a@example.com", "wrong pass")
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); !errors.Is(err, authgate.ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); err != nil {
		t.Fatalf("login after lock window: %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	for i := 0; i < 4; i++ {
		_, _ = env.engine.Login(ctx, "a@example.com", "wrong pass")
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}

	// The counter restarted: four more failures do not lock.
	for i := 0; i < 4; i++ {
		if _, err := env.engine.Login(ctx, "a@example.com", "wrong pass"); !errors.Is(err, authgate.ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i+1, err)
		}
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")

	if err := env.engine.DeactivateAccount(ctx, acct.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); !errors.Is(err, authgate.ErrAccountDisabled) {
		t.Fatalf("err = %v, want ErrAccountDisabled", err)
	}
}

func TestRefreshRotatesAndDetectsReuse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	first := res.Tokens.RefreshToken

	second, err := env.engine.Refresh(ctx, first)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first {
		t.Fatal("refresh token not rotated")
	}
	if second.SessionID != res.Tokens.SessionID {
		t.Fatal("rotation changed the session id")
	}

	// Replaying the rotated token is reuse: the account's sessions are
	// all revoked, so even the fresh token is now dead.
	if _, err := env.engine.Refresh(ctx, first); !errors.Is(err, authgate.ErrReuseDetected) {
		t.Fatalf("replay err = %v, want ErrReuseDetected", err)
	}
	if _, err := env.engine.Refresh(ctx, second.RefreshToken); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("post-revocation err = %v, want ErrInvalidToken", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const workers = 8
	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestRefreshMalformedToken(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.engine.Refresh(context.Background(), "not a token"); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := env.engine.Logout(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("refresh after logout err = %v, want ErrInvalidToken", err)
	}
	// Logout of an already-gone session is a no-op.
	if err := env.engine.Logout(ctx, res.Tokens.RefreshToken); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")

	var tokens []string
	for i := 0; i < 3; i++ {
		res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
		if err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
		tokens = append(tokens, res.Tokens.RefreshToken)
	}

	if err := env.engine.LogoutAll(ctx, acct.ID); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	for i, tok := range tokens {
		if _, err := env.engine.Refresh(ctx, tok); !errors.Is(err, authgate.ErrInvalidToken) {
			t.Fatalf("session %d err = %v, want ErrInvalidToken", i+1, err)
		}
	}
}

func TestVerificationFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")

	// CreateAccount already sent one; request another explicitly.
	if err := env.engine.RequestVerification(ctx, "a@example.com"); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	tok := env.mailer.lastVerification("a@example.com")
	if tok == "" {
		t.Fatal("no verification token delivered")
	}

	if err := env.engine.ConfirmVerification(ctx, tok); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, err := env.store.ByID(ctx, acct.ID)
	if err != nil || !got.Verified {
		t.Fatalf("account verified = %v, err = %v", got.Verified, err)
	}

	if err := env.engine.ConfirmVerification(ctx, tok); !errors.Is(err, authgate.ErrAlreadyUsed) {
		t.Fatalf("second confirm err = %v, want ErrAlreadyUsed", err)
	}
}

func TestVerificationUnknownEmailIsSilent(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.engine.RequestVerification(context.Background(), "ghost@example.com"); err != nil {
		t.Fatalf("err = %v, want silent nil", err)
	}
}

func TestVerificationSupersede(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	if err := env.engine.RequestVerification(ctx, "a@example.com"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	first := env.mailer.lastVerification("a@example.com")

	if err := env.engine.RequestVerification(ctx, "a@example.com"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	second := env.mailer.lastVerification("a@example.com")

	if err := env.engine.ConfirmVerification(ctx, first); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("superseded token err = %v, want ErrInvalidToken", err)
	}
	if err := env.engine.ConfirmVerification(ctx, second); err != nil {
		t.Fatalf("current token: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := env.engine.RequestPasswordReset(ctx, "a@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	tok := env.mailer.lastReset("a@example.com")
	if tok == "" {
		t.Fatal("no reset token delivered")
	}

	if err := env.engine.ConfirmPasswordReset(ctx, tok, "brand new password"); err != nil {
		t.Fatalf("confirm reset: %v", err)
	}

	// Old password and old sessions are both dead.
	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); !errors.Is(err, authgate.ErrInvalidCredentials) {
		t.Fatalf("old password err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("old session err = %v, want ErrInvalidToken", err)
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "brand new password"); err != nil {
		t.Fatalf("new password: %v", err)
	}

	if err := env.engine.ConfirmPasswordReset(ctx, tok, "yet another pass"); !errors.Is(err, authgate.ErrAlreadyUsed) {
		t.Fatalf("reused reset token err = %v, want ErrAlreadyUsed", err)
	}
}

func TestPasswordResetPolicyCheckedBeforeConsume(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	if err := env.engine.RequestPasswordReset(ctx, "a@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	tok := env.mailer.lastReset("a@example.com")

	if err := env.engine.ConfirmPasswordReset(ctx, tok, "short"); !errors.Is(err, authgate.ErrPasswordPolicy) {
		t.Fatalf("err = %v, want ErrPasswordPolicy", err)
	}
	// The weak attempt must not have burned the token.
	if err := env.engine.ConfirmPasswordReset(ctx, tok, "long enough now"); err != nil {
		t.Fatalf("confirm after policy rejection: %v", err)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	_, err := env.engine.CreateAccount(ctx, authgate.CreateAccountInput{Email: "a@example.com", Password: "correct horse"})
	if !errors.Is(err, authgate.ErrAccountExists) {
		t.Fatalf("duplicate err = %v, want ErrAccountExists", err)
	}
	_, err = env.engine.CreateAccount(ctx, authgate.CreateAccountInput{Email: "bad email", Password: "correct horse"})
	if !errors.Is(err, authgate.ErrValidation) {
		t.Fatalf("bad email err = %v, want ErrValidation", err)
	}
	_, err = env.engine.CreateAccount(ctx, authgate.CreateAccountInput{Email: "b@example.com", Password: "short"})
	if !errors.Is(err, authgate.ErrPasswordPolicy) {
		t.Fatalf("weak password err = %v, want ErrPasswordPolicy", err)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := env.engine.ChangePassword(ctx, acct.ID, "wrong pass", "replacement pw"); !errors.Is(err, authgate.ErrInvalidCredentials) {
		t.Fatalf("wrong current err = %v", err)
	}
	if err := env.engine.ChangePassword(ctx, acct.ID, "correct horse", "replacement pw"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := env.engine.Refresh(ctx, res.Tokens.RefreshToken); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("old session err = %v, want ErrInvalidToken", err)
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "replacement pw"); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestRequireVerifiedGatesLogin(t *testing.T) {
	env := newTestEnv(t, func(cfg *authgate.Config) {
		cfg.RequireVerified = true
	})
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); !errors.Is(err, authgate.ErrAccountUnverified) {
		t.Fatalf("err = %v, want ErrAccountUnverified", err)
	}

	tok := env.mailer.lastVerification("a@example.com")
	if err := env.engine.ConfirmVerification(ctx, tok); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); err != nil {
		t.Fatalf("login after verification: %v", err)
	}
}

// totpCode computes the current SHA1 TOTP code for a secret, standing
// in for an authenticator app.
func totpCode(secret []byte, at time.Time) string {
	counter := uint64(at.Unix() / 30)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", bin%1000000)
}

func enrollTOTP(t *testing.T, env *testEnv, acctID int64) ([]byte, []string) {
	t.Helper()
	ctx := context.Background()

	enr, err := env.engine.BeginTOTPEnrollment(ctx, acctID)
	if err != nil {
		t.Fatalf("begin enrollment: %v", err)
	}
	codes, err := env.engine.ConfirmTOTPEnrollment(ctx, acctID, enr.Secret, totpCode(enr.Secret, time.Now()))
	if err != nil {
		t.Fatalf("confirm enrollment: %v", err)
	}
	return enr.Secret, codes
}

func TestTwoFactorLoginFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")
	secret, _ := enrollTOTP(t, env, acct.ID)

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Challenge == "" || res.Tokens != nil {
		t.Fatalf("result = %+v, want challenge", res)
	}

	pair, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, totpCode(secret, time.Now()))
	if err != nil {
		t.Fatalf("confirm two-factor: %v", err)
	}
	if _, err := env.engine.ValidateAccess(pair.AccessToken); err != nil {
		t.Fatalf("validate access: %v", err)
	}

	// The challenge is single-use.
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, totpCode(secret, time.Now())); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("replayed challenge err = %v, want ErrInvalidToken", err)
	}
}

func TestTwoFactorWrongCodesExhaustChallenge(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")
	secret, _ := enrollTOTP(t, env, acct.ID)

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, "000000"); !errors.Is(err, authgate.ErrInvalidCode) {
			t.Fatalf("attempt %d err = %v, want ErrInvalidCode", i+1, err)
		}
	}
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, "000000"); !errors.Is(err, authgate.ErrExpiredChallenge) {
		t.Fatalf("fifth attempt err = %v, want ErrExpiredChallenge", err)
	}

	// Even the right code is useless now; back to Login.
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, totpCode(secret, time.Now())); !errors.Is(err, authgate.ErrInvalidToken) {
		t.Fatalf("post-exhaustion err = %v, want ErrInvalidToken", err)
	}
}

func TestBackupCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")
	_, codes := enrollTOTP(t, env, acct.ID)
	if len(codes) != 10 {
		t.Fatalf("backup codes = %d, want 10", len(codes))
	}

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, codes[0]); err != nil {
		t.Fatalf("confirm with backup code: %v", err)
	}

	res, err = env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, codes[0]); !errors.Is(err, authgate.ErrInvalidCode) {
		t.Fatalf("reused backup code err = %v, want ErrInvalidCode", err)
	}
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, codes[1]); err != nil {
		t.Fatalf("next backup code: %v", err)
	}
}

func TestDisableTwoFactor(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")
	secret, _ := enrollTOTP(t, env, acct.ID)

	if err := env.engine.DisableTwoFactor(ctx, acct.ID, "000000"); !errors.Is(err, authgate.ErrInvalidCode) {
		t.Fatalf("wrong code err = %v, want ErrInvalidCode", err)
	}
	if err := env.engine.DisableTwoFactor(ctx, acct.ID, totpCode(secret, time.Now())); err != nil {
		t.Fatalf("disable: %v", err)
	}

	// Login goes straight to tokens again.
	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Tokens == nil {
		t.Fatal("expected a direct token pair")
	}
}

func TestRegenerateBackupCodesInvalidatesOld(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	acct := env.createAccount(t, "a@example.com", "correct horse")
	secret, oldCodes := enrollTOTP(t, env, acct.ID)

	newCodes, err := env.engine.RegenerateBackupCodes(ctx, acct.ID, totpCode(secret, time.Now()))
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	res, err := env.engine.Login(ctx, "a@example.com", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, oldCodes[0]); !errors.Is(err, authgate.ErrInvalidCode) {
		t.Fatalf("old code err = %v, want ErrInvalidCode", err)
	}
	if _, err := env.engine.ConfirmTwoFactor(ctx, res.Challenge, newCodes[0]); err != nil {
		t.Fatalf("new code: %v", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.createAccount(t, "a@example.com", "correct horse")

	if _, err := env.engine.Login(ctx, "a@example.com", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}
	_, _ = env.engine.Login(ctx, "a@example.com", "wrong pass")

	snap := env.engine.MetricsSnapshot()
	if snap["login_success"] != 1 {
		t.Fatalf("login_success = %d, want 1", snap["login_success"])
	}
	if snap["login_failure"] != 1 {
		t.Fatalf("login_failure = %d, want 1", snap["login_failure"])
	}
	if snap["account_created"] != 1 {
		t.Fatalf("account_created = %d, want 1", snap["account_created"])
	}
}
