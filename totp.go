package authgate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// totpVerifier checks RFC 6238 codes against a shared secret, allowing
// the configured number of period steps of skew in either direction.
type totpVerifier struct {
	cfg TwoFactorConfig
}

func newTOTPVerifier(cfg TwoFactorConfig) *totpVerifier {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	return &totpVerifier{cfg: cfg}
}

func (v *totpVerifier) generateSecret() ([]byte, string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

func (v *totpVerifier) provisionURI(secretBase32, account string) string {
	label := url.PathEscape(v.cfg.Issuer + ":" + account)

	q := url.Values{}
	q.Set("secret", secretBase32)
	q.Set("issuer", v.cfg.Issuer)
	q.Set("period", strconv.Itoa(v.cfg.Period))
	q.Set("digits", strconv.Itoa(v.cfg.Digits))
	q.Set("algorithm", strings.ToUpper(v.cfg.Algorithm))

	return "otpauth://totp/" + label + "?" + q.Encode()
}

func (v *totpVerifier) verify(secret []byte, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != v.cfg.Digits || !allDigits(trimmed) {
		return false, nil
	}
	if len(secret) == 0 {
		return false, errors.New("empty totp secret")
	}

	base := now.Unix() / int64(v.cfg.Period)
	for step := -v.cfg.Skew; step <= v.cfg.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		want, err := hotpCode(secret, counter, v.cfg.Digits, v.cfg.Algorithm)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(trimmed)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm")
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
